package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sociapp/fieldsync/internal/audio"
	"github.com/sociapp/fieldsync/internal/config"
)

func testConfig(t *testing.T, remoteURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Remote.BaseURL = remoteURL
	cfg.Logging.Level = "error"
	cfg.Logging.Output = filepath.Join(t.TempDir(), "fieldsync.log")
	require.NoError(t, cfg.Validate())
	return cfg
}

// TestVersion verifies the version has a default value.
func TestVersion(t *testing.T) {
	assert.NotEmpty(t, Version)
}

// TestOpenLogOutput verifies the named streams and file outputs.
func TestOpenLogOutput(t *testing.T) {
	for _, name := range []string{"", "stdout", "stderr"} {
		w, c, err := openLogOutput(name)
		require.NoError(t, err)
		assert.NotNil(t, w)
		assert.Nil(t, c)
	}

	w, c, err := openLogOutput(filepath.Join(t.TempDir(), "out.log"))
	require.NoError(t, err)
	assert.NotNil(t, w)
	require.NotNil(t, c)
	assert.NoError(t, c.Close())

	_, _, err = openLogOutput(filepath.Join(t.TempDir(), "missing", "dir", "out.log"))
	assert.Error(t, err)
}

// TestNewApp_endToEnd verifies a record queued through the local API reaches
// the remote service on a manual sync.
func TestNewApp_endToEnd(t *testing.T) {
	var creates atomic.Int32
	remoteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/respondents" {
			creates.Add(1)
			assert.Equal(t, "tok", r.Header.Get("x-access-token"))
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"message":"created","data":{"_id":"65f0c1"}}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer remoteSrv.Close()

	cfg := testConfig(t, remoteSrv.URL+"/api/v1")
	cfg.Remote.Token = "tok"

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	a.start(ctx)
	defer a.shutdown(ctx)

	apiSrv := httptest.NewServer(a.server.Router())
	defer apiSrv.Close()

	resp, err := http.Post(apiSrv.URL+"/api/surveys", "application/json",
		strings.NewReader(`{"fullName":"Ana","idType":"CC","identification":"1020"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, a.coordinator.PendingCount())

	resp, err = http.Post(apiSrv.URL+"/api/sync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, int32(1), creates.Load())
	assert.Equal(t, 0, a.coordinator.PendingCount())
	assert.Nil(t, a.coordinator.LastError())
}

// TestNewApp_invalidLogOutput verifies wiring stops at the first failure.
func TestNewApp_invalidLogOutput(t *testing.T) {
	cfg := testConfig(t, "http://localhost:1")
	cfg.Logging.Output = filepath.Join(t.TempDir(), "missing", "out.log")
	_, err := newApp(context.Background(), cfg)
	assert.Error(t, err)
}

// TestNewApp_withProber verifies a probe URL enables the prober.
func TestNewApp_withProber(t *testing.T) {
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer probe.Close()

	cfg := testConfig(t, "http://localhost:1")
	cfg.Connectivity.ProbeURL = probe.URL
	cfg.Connectivity.StartOnline = false

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, a.prober)

	a.start(ctx)
	defer a.shutdown(ctx)
	assert.Eventually(t, a.signal.Online, 5*time.Second, 10*time.Millisecond)
}

// TestNewApp_shutdownReleasesCapture verifies the capture routes are served
// and shutdown frees a microphone left open by the host.
func TestNewApp_shutdownReleasesCapture(t *testing.T) {
	cfg := testConfig(t, "http://localhost:1")
	cfg.Connectivity.StartOnline = false

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	a.start(ctx)

	apiSrv := httptest.NewServer(a.server.Router())
	defer apiSrv.Close()

	resp, err := http.Post(apiSrv.URL+"/api/capture/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, audio.StateRecording, a.recorder.State())

	a.shutdown(ctx)
	assert.Equal(t, audio.StateIdle, a.recorder.State())

	s, err := a.input.Open(ctx)
	require.NoError(t, err, "the device was released")
	s.Close()
}
