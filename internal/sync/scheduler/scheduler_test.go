// Package scheduler tests for sync trigger coordination.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sociapp/fieldsync/internal/connectivity"
	"github.com/sociapp/fieldsync/internal/logging"
	"github.com/sociapp/fieldsync/internal/models"
	syncpkg "github.com/sociapp/fieldsync/internal/sync"
	"github.com/sociapp/fieldsync/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeOrchestrator counts passes and reports a configurable outcome.
type fakeOrchestrator struct {
	mu      sync.Mutex
	pending int
	result  *syncpkg.PassResult
	err     error
	passes  atomic.Int32
}

func (f *fakeOrchestrator) RunSyncPass(ctx context.Context) (*syncpkg.PassResult, error) {
	f.passes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return &syncpkg.PassResult{}, f.err
	}
	if f.result != nil {
		f.pending = f.result.FailureCount
		return f.result, nil
	}
	res := &syncpkg.PassResult{SuccessCount: f.pending, EndTime: time.Now()}
	f.pending = 0
	return res, nil
}

func (f *fakeOrchestrator) IsSyncing() bool { return false }

func (f *fakeOrchestrator) PendingCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeOrchestrator) setPending(n int) {
	f.mu.Lock()
	f.pending = n
	f.mu.Unlock()
}

func quietLogger() *logging.Logger {
	return logging.New(&bytes.Buffer{}, logging.LevelError)
}

func fastConfig() *Config {
	return &Config{
		SyncInterval:   time.Hour,
		ReconnectDelay: 30 * time.Millisecond,
	}
}

// createTestCoordinator creates a coordinator over a fake orchestrator.
func createTestCoordinator(t *testing.T, online bool, cfg *Config) (*fakeOrchestrator, *connectivity.Signal, *Coordinator) {
	t.Helper()
	engine := &fakeOrchestrator{}
	signal := connectivity.NewSignal(online, quietLogger())
	c := NewCoordinator(engine, signal, cfg, quietLogger())
	t.Cleanup(c.Stop)
	return engine, signal, c
}

// =====================================================
// Config Tests
// =====================================================

// TestDefaultConfig verifies default configuration.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
}

// TestNewCoordinator_nilConfig verifies default config is used.
func TestNewCoordinator_nilConfig(t *testing.T) {
	_, _, c := createTestCoordinator(t, true, nil)
	assert.Equal(t, 30*time.Second, c.cfg.SyncInterval)
	assert.Equal(t, 2*time.Second, c.cfg.ReconnectDelay)
}

// =====================================================
// Start/Stop Tests
// =====================================================

// TestCoordinator_StartStop verifies lifecycle and idempotence.
func TestCoordinator_StartStop(t *testing.T) {
	engine, _, c := createTestCoordinator(t, false, fastConfig())
	engine.setPending(4)

	c.Start(context.Background())
	c.Start(context.Background())
	assert.True(t, c.IsRunning())
	assert.Equal(t, 4, c.PendingCount(), "Start reads the pending count")

	c.Stop()
	c.Stop()
	assert.False(t, c.IsRunning())
}

// =====================================================
// Reconnect Tests
// =====================================================

// TestCoordinator_reconnectRunsOnePass verifies a debounced pass after the
// offline to online transition.
func TestCoordinator_reconnectRunsOnePass(t *testing.T) {
	engine, signal, c := createTestCoordinator(t, false, fastConfig())
	engine.setPending(2)
	c.Start(context.Background())

	signal.Set(true)
	assert.Zero(t, engine.passes.Load(), "pass waits for the settling delay")

	require.Eventually(t, func() bool { return engine.passes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), engine.passes.Load(), "debounce is not a retry loop")
}

// TestCoordinator_reconnectFlapping verifies a link that drops during the
// delay does not trigger a pass, and bouncing back restarts the delay.
func TestCoordinator_reconnectFlapping(t *testing.T) {
	engine, signal, c := createTestCoordinator(t, false, &Config{
		SyncInterval:   time.Hour,
		ReconnectDelay: 80 * time.Millisecond,
	})
	engine.setPending(1)
	c.Start(context.Background())

	signal.Set(true)
	time.Sleep(20 * time.Millisecond)
	signal.Set(false)
	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, engine.passes.Load())

	signal.Set(true)
	require.Eventually(t, func() bool { return engine.passes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

// TestCoordinator_reconnectSkippedWhenEmpty verifies nothing runs when no
// record is pending.
func TestCoordinator_reconnectSkippedWhenEmpty(t *testing.T) {
	engine, signal, c := createTestCoordinator(t, false, fastConfig())
	c.Start(context.Background())

	signal.Set(true)
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, engine.passes.Load())
}

// TestCoordinator_onlineBeforeStart verifies a link that came up before Start
// still gets the settling-delay pass.
func TestCoordinator_onlineBeforeStart(t *testing.T) {
	engine, signal, c := createTestCoordinator(t, false, fastConfig())
	engine.setPending(2)

	signal.Set(true)
	c.Start(context.Background())

	require.Eventually(t, func() bool { return engine.passes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), engine.passes.Load())
}

// TestCoordinator_onlineAtStartNothingPending verifies the startup check does
// not run a pass over an empty queue.
func TestCoordinator_onlineAtStartNothingPending(t *testing.T) {
	engine, _, c := createTestCoordinator(t, true, fastConfig())
	c.Start(context.Background())

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, engine.passes.Load())
}

// TestCoordinator_reconnectDrainsQueue runs the reconnect path against a real
// queue and engine.
func TestCoordinator_reconnectDrainsQueue(t *testing.T) {
	q, err := queue.Open(t.TempDir(), queue.Options{Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	remote := &okRemote{}
	engine := syncpkg.NewEngine(q, remote, syncpkg.Options{Logger: quietLogger()})
	t.Cleanup(func() { engine.Close() })

	ctx := context.Background()
	for _, name := range []string{"A", "B"} {
		_, err := q.Enqueue(ctx, models.RecordFields{"fullName": name}, nil)
		require.NoError(t, err)
	}

	signal := connectivity.NewSignal(false, quietLogger())
	c := NewCoordinator(engine, signal, fastConfig(), quietLogger())
	c.Start(ctx)
	t.Cleanup(c.Stop)
	assert.Equal(t, 2, c.PendingCount())

	signal.Set(true)

	require.Eventually(t, func() bool { return c.PendingCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	all, err := q.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "synced records are pruned")
	assert.Equal(t, int32(2), remote.creates.Load())
	assert.Nil(t, c.LastError())
}

type okRemote struct {
	creates atomic.Int32
}

func (r *okRemote) CreateRecord(ctx context.Context, fields models.RecordFields) (string, error) {
	n := r.creates.Add(1)
	return fmt.Sprintf("srv-%d", n), nil
}

func (r *okRemote) UploadArtifact(ctx context.Context, remoteID string, artifact *models.Artifact) error {
	return nil
}

// =====================================================
// Periodic Tests
// =====================================================

// TestCoordinator_periodic verifies the ticker only runs passes while online.
func TestCoordinator_periodic(t *testing.T) {
	engine, signal, c := createTestCoordinator(t, false, &Config{
		SyncInterval:   20 * time.Millisecond,
		ReconnectDelay: time.Hour,
	})
	c.Start(context.Background())

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, engine.passes.Load(), "offline ticks are skipped")

	signal.Set(true)
	require.Eventually(t, func() bool { return engine.passes.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

// =====================================================
// Manual Sync Tests
// =====================================================

// TestCoordinator_manualOffline verifies an explicit offline result.
func TestCoordinator_manualOffline(t *testing.T) {
	engine, _, c := createTestCoordinator(t, false, fastConfig())

	res, err := c.TriggerManualSync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Nil(t, res.Pass)
	assert.Zero(t, engine.passes.Load())

	require.NotNil(t, c.LastError())
	assert.Equal(t, OfflineMessage, *c.LastError())
}

// TestCoordinator_manualOnline verifies the pass result is returned and the
// pending count refreshed.
func TestCoordinator_manualOnline(t *testing.T) {
	engine, _, c := createTestCoordinator(t, true, fastConfig())
	engine.setPending(3)

	res, err := c.TriggerManualSync(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Offline)
	require.NotNil(t, res.Pass)
	assert.Equal(t, 3, res.Pass.SuccessCount)
	assert.Zero(t, c.PendingCount())
	assert.NotNil(t, c.GetStatus().LastSyncTime)
}

// =====================================================
// Status Tests
// =====================================================

// TestCoordinator_lastError verifies failures set the message and a clean
// pass clears it.
func TestCoordinator_lastError(t *testing.T) {
	engine, _, c := createTestCoordinator(t, true, fastConfig())
	engine.result = &syncpkg.PassResult{
		SuccessCount: 1,
		FailureCount: 2,
		Errors:       []string{"a: status 500", "b: timeout"},
	}

	_, err := c.TriggerManualSync(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c.LastError())
	assert.Equal(t, "2 records failed: a: status 500, b: timeout", *c.LastError())
	assert.Equal(t, 2, c.PendingCount())

	engine.mu.Lock()
	engine.result = &syncpkg.PassResult{SuccessCount: 2}
	engine.mu.Unlock()

	_, err = c.TriggerManualSync(context.Background())
	require.NoError(t, err)
	assert.Nil(t, c.LastError())
}

// TestCoordinator_passError verifies a pass-level error is surfaced.
func TestCoordinator_passError(t *testing.T) {
	engine, _, c := createTestCoordinator(t, true, fastConfig())
	engine.err = errors.New("disk gone")

	_, err := c.TriggerManualSync(context.Background())
	require.Error(t, err)
	require.NotNil(t, c.LastError())
	assert.Equal(t, "disk gone", *c.LastError())
}

// TestFormatFailures verifies singular and plural wording.
func TestFormatFailures(t *testing.T) {
	assert.Equal(t, "1 record failed: x: boom",
		FormatFailures(&syncpkg.PassResult{FailureCount: 1, Errors: []string{"x: boom"}}))
	assert.Equal(t, "2 records failed: x: a, y: b",
		FormatFailures(&syncpkg.PassResult{FailureCount: 2, Errors: []string{"x: a", "y: b"}}))
}

// TestCoordinator_OnStatus verifies listeners see changes until removed.
func TestCoordinator_OnStatus(t *testing.T) {
	engine, signal, c := createTestCoordinator(t, false, fastConfig())
	engine.setPending(1)

	var mu sync.Mutex
	var seen []Status
	remove := c.OnStatus(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	c.Start(context.Background())
	signal.Set(true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s.IsOnline && s.PendingCount == 0 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// let the pass finish its last notification
	time.Sleep(50 * time.Millisecond)
	remove()
	mu.Lock()
	n := len(seen)
	mu.Unlock()

	c.SetOnline(false)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, n, len(seen))
	mu.Unlock()
}
