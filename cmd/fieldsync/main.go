// Package main runs the FieldSync device core: the durable record queue, the
// sync coordinator and the local API the survey UI talks to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sociapp/fieldsync/internal/api"
	"github.com/sociapp/fieldsync/internal/audio"
	"github.com/sociapp/fieldsync/internal/config"
	"github.com/sociapp/fieldsync/internal/connectivity"
	"github.com/sociapp/fieldsync/internal/logging"
	"github.com/sociapp/fieldsync/internal/remote"
	syncpkg "github.com/sociapp/fieldsync/internal/sync"
	"github.com/sociapp/fieldsync/internal/sync/queue"
	"github.com/sociapp/fieldsync/internal/sync/scheduler"
	"github.com/sociapp/fieldsync/internal/telemetry"
)

// Version is set at build time
var Version = "0.1.0"

const defaultShutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("FIELDSYNC_CONFIG"), "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("FieldSync v%s\n", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fieldsync: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("FieldSync stopped with error", err)
		os.Exit(1)
	}
}

// app holds the wired components.
type app struct {
	cfg         *config.Config
	log         *logging.Logger
	logOut      io.Closer
	telemetry   *telemetry.Telemetry
	queue       *queue.Queue
	engine      *syncpkg.Engine
	signal      *connectivity.Signal
	prober      *connectivity.Prober
	coordinator *scheduler.Coordinator
	input       *audio.HostDevice
	recorder    *audio.Recorder
	server      *api.Server
	http        *http.Server
}

func openLogOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

// newApp wires every component from cfg without starting anything.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	out, closer, err := openLogOutput(cfg.Logging.Output)
	if err != nil {
		return nil, err
	}
	logging.Init(out, level)
	a.log = logging.Get()
	a.logOut = closer

	a.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	metrics := a.telemetry.Metrics

	a.queue, err = queue.Open(cfg.Storage.DataDir, queue.Options{
		MaxSize: cfg.Storage.MaxQueueSize,
		Logger:  a.log,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	client, err := remote.New(remote.Config{
		BaseURL:    cfg.Remote.BaseURL,
		Token:      cfg.Remote.Token,
		Timeout:    cfg.Remote.Timeout,
		CreatePath: cfg.Remote.CreatePath,
		UploadPath: cfg.Remote.UploadPath,
	}, nil, a.log)
	if err != nil {
		a.close()
		return nil, err
	}

	a.engine = syncpkg.NewEngine(a.queue, client, syncpkg.Options{
		PassTimeout: cfg.Sync.PassTimeout,
		Metrics:     metrics,
		Logger:      a.log,
	})

	a.signal = connectivity.NewSignal(cfg.Connectivity.StartOnline, a.log)
	if cfg.Connectivity.ProbeURL != "" {
		a.prober = connectivity.NewProber(a.signal, connectivity.ProberConfig{
			URL:      cfg.Connectivity.ProbeURL,
			Interval: cfg.Connectivity.ProbeInterval,
			Timeout:  cfg.Connectivity.ProbeTimeout,
		}, nil, a.log)
	}

	a.coordinator = scheduler.NewCoordinator(a.engine, a.signal, &scheduler.Config{
		SyncInterval:   cfg.Sync.AutoInterval,
		ReconnectDelay: cfg.Sync.ReconnectDelay,
	}, a.log)

	a.input = audio.NewHostDevice(cfg.Audio.CaptureMIMEType, cfg.Audio.MicrophoneGranted)
	a.recorder = audio.NewRecorder(a.input, audio.RecorderOptions{
		StrictEncoding: cfg.Audio.StrictEncoding,
		SampleBlock:    cfg.Audio.SampleBlock,
		Metrics:        metrics,
		Logger:         a.log,
	})

	a.server = api.NewServer(api.Options{
		Records:        a.queue,
		Coordinator:    a.coordinator,
		Transcoder:     audio.NewTranscoder(cfg.Audio.SampleBlock),
		Recorder:       a.recorder,
		Input:          a.input,
		StrictEncoding: cfg.Audio.StrictEncoding,
		MaxUploadBytes: int64(cfg.Audio.MaxUploadMB) << 20,
		Metrics:        metrics,
		Logger:         a.log,
	})
	a.http = &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: a.server.Router(),
	}
	return a, nil
}

// start launches the background loops. The HTTP listener is started by run.
// The coordinator subscribes before the prober can flip the signal.
func (a *app) start(ctx context.Context) {
	a.coordinator.Start(ctx)
	if a.prober != nil {
		a.prober.Start(ctx)
	}
}

// shutdown stops everything in reverse dependency order.
func (a *app) shutdown(ctx context.Context) {
	if err := a.http.Shutdown(ctx); err != nil {
		a.log.Warn("HTTP shutdown did not complete", map[string]interface{}{"error": err.Error()})
	}
	a.server.Close()
	// no capture may outlive the process holding the microphone
	a.recorder.Close()
	a.coordinator.Stop()
	if a.prober != nil {
		a.prober.Stop()
	}
	a.close()
}

// close releases whatever newApp managed to open.
func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Error("Failed to close queue", err)
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(context.Background()); err != nil {
			a.log.Error("Failed to flush telemetry", err)
		}
	}
	if a.logOut != nil {
		a.logOut.Close()
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	a.start(ctx)
	a.log.Info("FieldSync started", map[string]interface{}{
		"version":  Version,
		"address":  cfg.HTTP.Address,
		"data_dir": cfg.Storage.DataDir,
		"probe":    cfg.Connectivity.ProbeURL != "",
	})

	errCh := make(chan error, 1)
	go func() {
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("Shutting down")
	case err = <-errCh:
	}

	timeout := cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.shutdown(shutdownCtx)
	return err
}
