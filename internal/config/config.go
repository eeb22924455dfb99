// Package config loads FieldSync configuration from a YAML file and
// FIELDSYNC_* environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sociapp/fieldsync/internal/audio"
	"github.com/sociapp/fieldsync/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FIELDSYNC_"

// Config represents the complete configuration.
type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	Remote       RemoteConfig       `yaml:"remote"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Audio        AudioConfig        `yaml:"audio"`
	Logging      LoggingConfig      `yaml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	HTTP         HTTPConfig         `yaml:"http"`
}

// StorageConfig contains on-device storage configuration.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	MaxQueueSize int    `yaml:"max_queue_size"` // 0 means unlimited
}

// RemoteConfig contains the survey service configuration.
type RemoteConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	CreatePath string        `yaml:"create_path"`
	UploadPath string        `yaml:"upload_path"`
}

// SyncConfig contains sync trigger timing.
type SyncConfig struct {
	AutoInterval   time.Duration `yaml:"auto_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PassTimeout    time.Duration `yaml:"pass_timeout"` // 0 means unbounded
}

// ConnectivityConfig contains the network probe configuration. An empty
// ProbeURL disables probing; the host then reports connectivity itself.
type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	StartOnline   bool          `yaml:"start_online"`
}

// AudioConfig contains the artifact encoding parameters.
type AudioConfig struct {
	BitrateKbps    int  `yaml:"bitrate_kbps"`
	Channels       int  `yaml:"channels"`
	SampleBlock    int  `yaml:"sample_block"`
	StrictEncoding bool `yaml:"strict_encoding"`
	MaxUploadMB    int  `yaml:"max_upload_mb"`

	// CaptureMIMEType is the container host-pushed chunks use unless a
	// capture names its own. MicrophoneGranted is the permission assumed
	// until the host reports one.
	CaptureMIMEType   string `yaml:"capture_mime_type"`
	MicrophoneGranted bool   `yaml:"microphone_granted"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// TelemetryConfig contains opt-in metrics export configuration.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	ServiceName    string        `yaml:"service_name"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// HTTPConfig contains the local API server configuration.
type HTTPConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Remote: RemoteConfig{
			Timeout:    30 * time.Second,
			CreatePath: "/respondents",
			UploadPath: "/upload/audio",
		},
		Sync: SyncConfig{
			AutoInterval:   30 * time.Second,
			ReconnectDelay: 2 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
			StartOnline:   true,
		},
		Audio: AudioConfig{
			BitrateKbps:       audio.TargetBitrateKbps,
			Channels:          audio.TargetChannels,
			SampleBlock:       audio.SampleBlock,
			MaxUploadMB:       50,
			CaptureMIMEType:   audio.DefaultCaptureMIMEType,
			MicrophoneGranted: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "fieldsync",
			ExportInterval: time.Minute,
		},
		HTTP: HTTPConfig{
			Address:         "127.0.0.1:8090",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies environment overrides, and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides fields from FIELDSYNC_* variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []string
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("DATA_DIR", &c.Storage.DataDir)
	num("MAX_QUEUE_SIZE", &c.Storage.MaxQueueSize)

	str("REMOTE_BASE_URL", &c.Remote.BaseURL)
	str("REMOTE_TOKEN", &c.Remote.Token)
	dur("REMOTE_TIMEOUT", &c.Remote.Timeout)

	dur("SYNC_AUTO_INTERVAL", &c.Sync.AutoInterval)
	dur("SYNC_RECONNECT_DELAY", &c.Sync.ReconnectDelay)
	dur("SYNC_PASS_TIMEOUT", &c.Sync.PassTimeout)

	str("PROBE_URL", &c.Connectivity.ProbeURL)
	dur("PROBE_INTERVAL", &c.Connectivity.ProbeInterval)
	flag("START_ONLINE", &c.Connectivity.StartOnline)

	flag("AUDIO_STRICT_ENCODING", &c.Audio.StrictEncoding)
	str("AUDIO_CAPTURE_MIME_TYPE", &c.Audio.CaptureMIMEType)
	flag("MICROPHONE_GRANTED", &c.Audio.MicrophoneGranted)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_OUTPUT", &c.Logging.Output)

	flag("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	str("HTTP_ADDRESS", &c.HTTP.Address)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := c.Remote.Validate(); err != nil {
		return fmt.Errorf("remote config: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}
	if err := c.Connectivity.Validate(); err != nil {
		return fmt.Errorf("connectivity config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry config: %w", err)
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http config: address cannot be empty")
	}
	return nil
}

// Validate validates storage configuration.
func (s *StorageConfig) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if s.MaxQueueSize < 0 {
		return fmt.Errorf("max_queue_size cannot be negative, got %d", s.MaxQueueSize)
	}
	return nil
}

// Validate validates remote configuration.
func (r *RemoteConfig) Validate() error {
	if r.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	u, err := url.Parse(r.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute http(s) URL, got %q", r.BaseURL)
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", r.Timeout)
	}
	if !strings.HasPrefix(r.CreatePath, "/") || !strings.HasPrefix(r.UploadPath, "/") {
		return fmt.Errorf("create_path and upload_path must start with /")
	}
	return nil
}

// Validate validates sync configuration.
func (s *SyncConfig) Validate() error {
	if s.AutoInterval < time.Second {
		return fmt.Errorf("auto_interval must be at least 1s, got %s", s.AutoInterval)
	}
	if s.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect_delay cannot be negative, got %s", s.ReconnectDelay)
	}
	if s.PassTimeout < 0 {
		return fmt.Errorf("pass_timeout cannot be negative, got %s", s.PassTimeout)
	}
	return nil
}

// Validate validates connectivity configuration.
func (c *ConnectivityConfig) Validate() error {
	if c.ProbeURL == "" {
		return nil
	}
	if _, err := url.ParseRequestURI(c.ProbeURL); err != nil {
		return fmt.Errorf("invalid probe_url %q: %w", c.ProbeURL, err)
	}
	if c.ProbeInterval <= 0 || c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_interval and probe_timeout must be positive")
	}
	return nil
}

// Validate validates audio configuration.
func (a *AudioConfig) Validate() error {
	if a.BitrateKbps != audio.TargetBitrateKbps {
		return fmt.Errorf("bitrate_kbps must be %d, got %d", audio.TargetBitrateKbps, a.BitrateKbps)
	}
	if a.Channels != audio.TargetChannels {
		return fmt.Errorf("channels must be %d (mono), got %d", audio.TargetChannels, a.Channels)
	}
	if a.SampleBlock != audio.SampleBlock {
		return fmt.Errorf("sample_block must be %d, got %d", audio.SampleBlock, a.SampleBlock)
	}
	if a.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", a.MaxUploadMB)
	}
	if !audio.IsAudioMIME(a.CaptureMIMEType) {
		return fmt.Errorf("capture_mime_type must be an audio/* type, got %q", a.CaptureMIMEType)
	}
	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	if _, err := logging.ParseLevel(l.Level); err != nil {
		return err
	}
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}
	return nil
}

// Validate validates telemetry configuration.
func (t *TelemetryConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.OTLPEndpoint == "" {
		return fmt.Errorf("otlp_endpoint is required when telemetry is enabled")
	}
	if t.ExportInterval <= 0 {
		return fmt.Errorf("export_interval must be positive, got %s", t.ExportInterval)
	}
	return nil
}
