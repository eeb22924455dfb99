package connectivity

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sociapp/fieldsync/internal/logging"
)

// ProberConfig holds prober configuration.
type ProberConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultProberConfig returns the default probe timing. URL has no default.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Prober periodically requests a URL and feeds the result into a Signal.
// Any HTTP response counts as online; a transport error counts as offline.
type Prober struct {
	signal *Signal
	cfg    ProberConfig
	client *http.Client
	log    *logging.Logger

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewProber creates a Prober. A nil client uses http.DefaultClient's transport
// with cfg.Timeout.
func NewProber(signal *Signal, cfg ProberConfig, client *http.Client, log *logging.Logger) *Prober {
	def := DefaultProberConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logging.Get()
	}
	return &Prober{signal: signal, cfg: cfg, client: client, log: log}
}

// Probe performs one check, updates the signal, and returns the result.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.URL, nil)
	if err == nil {
		var resp *http.Response
		resp, err = p.client.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			online = true
		}
	}
	if err != nil {
		p.log.Debug("Connectivity probe failed", map[string]interface{}{"url": p.cfg.URL, "error": err.Error()})
	}

	p.signal.Set(online)
	return online
}

// Start runs an immediate probe and then one per interval until Stop or ctx
// is done.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		p.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()

	p.log.Info("Connectivity prober started", map[string]interface{}{
		"url":      p.cfg.URL,
		"interval": p.cfg.Interval.String(),
	})
}

// Stop stops the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}
