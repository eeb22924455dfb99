package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestDefault verifies the defaults need only a remote URL to validate.
func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.Sync.AutoInterval)
	assert.Equal(t, 2*time.Second, cfg.Sync.ReconnectDelay)
	assert.Equal(t, 128, cfg.Audio.BitrateKbps)
	assert.Equal(t, 1, cfg.Audio.Channels)
	assert.Equal(t, "audio/webm", cfg.Audio.CaptureMIMEType)
	assert.True(t, cfg.Audio.MicrophoneGranted)
	assert.Equal(t, "/respondents", cfg.Remote.CreatePath)

	assert.Error(t, cfg.Validate())
	cfg.Remote.BaseURL = "https://survey.example.org/api/v1"
	assert.NoError(t, cfg.Validate())
}

// TestLoad verifies file values override the defaults.
func TestLoad(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: /var/lib/fieldsync
  max_queue_size: 500
remote:
  base_url: https://survey.example.org/api/v1
  token: secret
  timeout: 10s
sync:
  auto_interval: 1m
  reconnect_delay: 5s
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fieldsync", cfg.Storage.DataDir)
	assert.Equal(t, 500, cfg.Storage.MaxQueueSize)
	assert.Equal(t, "secret", cfg.Remote.Token)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "/upload/audio", cfg.Remote.UploadPath)
	assert.Equal(t, time.Minute, cfg.Sync.AutoInterval)
	assert.Equal(t, 5*time.Second, cfg.Sync.ReconnectDelay)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:8090", cfg.HTTP.Address)
}

// TestLoad_envOverrides verifies FIELDSYNC_* variables win over the file.
func TestLoad_envOverrides(t *testing.T) {
	path := writeConfig(t, "remote:\n  base_url: https://a.example.org\n")
	t.Setenv("FIELDSYNC_REMOTE_BASE_URL", "https://b.example.org")
	t.Setenv("FIELDSYNC_REMOTE_TOKEN", "from-env")
	t.Setenv("FIELDSYNC_SYNC_RECONNECT_DELAY", "250ms")
	t.Setenv("FIELDSYNC_AUDIO_STRICT_ENCODING", "true")
	t.Setenv("FIELDSYNC_START_ONLINE", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://b.example.org", cfg.Remote.BaseURL)
	assert.Equal(t, "from-env", cfg.Remote.Token)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.ReconnectDelay)
	assert.True(t, cfg.Audio.StrictEncoding)
	assert.False(t, cfg.Connectivity.StartOnline)
}

// TestLoad_envOnly verifies an empty path still loads from the environment.
func TestLoad_envOnly(t *testing.T) {
	t.Setenv("FIELDSYNC_REMOTE_BASE_URL", "http://localhost:3000")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", cfg.Remote.BaseURL)
}

// TestLoad_badEnv verifies unparsable overrides are reported.
func TestLoad_badEnv(t *testing.T) {
	t.Setenv("FIELDSYNC_REMOTE_BASE_URL", "http://localhost:3000")
	t.Setenv("FIELDSYNC_SYNC_AUTO_INTERVAL", "soon")
	t.Setenv("FIELDSYNC_MAX_QUEUE_SIZE", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FIELDSYNC_SYNC_AUTO_INTERVAL")
	assert.Contains(t, err.Error(), "FIELDSYNC_MAX_QUEUE_SIZE")
}

// TestLoad_missingFile verifies a missing file is an error.
func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

// TestLoad_malformed verifies a YAML syntax error is reported.
func TestLoad_malformed(t *testing.T) {
	_, err := Load(writeConfig(t, "remote: [unclosed"))
	assert.Error(t, err)
}

// ===== Validation =====

// TestValidate_sections verifies each section rejects invalid values.
func TestValidate_sections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }, "storage config"},
		{"negative queue", func(c *Config) { c.Storage.MaxQueueSize = -1 }, "max_queue_size"},
		{"relative base url", func(c *Config) { c.Remote.BaseURL = "/api" }, "base_url"},
		{"ftp base url", func(c *Config) { c.Remote.BaseURL = "ftp://x.org" }, "base_url"},
		{"zero timeout", func(c *Config) { c.Remote.Timeout = 0 }, "timeout"},
		{"bad path", func(c *Config) { c.Remote.CreatePath = "respondents" }, "create_path"},
		{"short interval", func(c *Config) { c.Sync.AutoInterval = time.Millisecond }, "auto_interval"},
		{"negative delay", func(c *Config) { c.Sync.ReconnectDelay = -time.Second }, "reconnect_delay"},
		{"bad probe", func(c *Config) { c.Connectivity.ProbeURL = "::" }, "probe_url"},
		{"stereo", func(c *Config) { c.Audio.Channels = 2 }, "mono"},
		{"bitrate", func(c *Config) { c.Audio.BitrateKbps = 320 }, "bitrate_kbps"},
		{"block", func(c *Config) { c.Audio.SampleBlock = 576 }, "sample_block"},
		{"capture type", func(c *Config) { c.Audio.CaptureMIMEType = "video/webm" }, "capture_mime_type"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "unknown log level"},
		{"telemetry endpoint", func(c *Config) { c.Telemetry.Enabled = true }, "otlp_endpoint"},
		{"http address", func(c *Config) { c.HTTP.Address = "" }, "address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Remote.BaseURL = "https://survey.example.org"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// TestValidate_probeOptional verifies probing may be left unconfigured.
func TestValidate_probeOptional(t *testing.T) {
	c := ConnectivityConfig{}
	assert.NoError(t, c.Validate())
	c.ProbeURL = "https://example.org/ping"
	assert.Error(t, c.Validate())
	c.ProbeInterval, c.ProbeTimeout = time.Second, time.Second
	assert.NoError(t, c.Validate())
}
