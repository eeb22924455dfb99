// Package scheduler decides when sync passes run: after reconnecting, on a
// periodic timer, and on manual request. It also keeps the pending count and
// last error shown by status indicators.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sociapp/fieldsync/internal/connectivity"
	"github.com/sociapp/fieldsync/internal/errors"
	"github.com/sociapp/fieldsync/internal/logging"
	syncpkg "github.com/sociapp/fieldsync/internal/sync"
)

// OfflineMessage is the last error recorded when a manual sync is refused.
const OfflineMessage = "no internet connection; records will sync when back online"

// Trigger names what started a pass.
type Trigger string

const (
	TriggerReconnect Trigger = "reconnect"
	TriggerPeriodic  Trigger = "periodic"
	TriggerManual    Trigger = "manual"
)

// Config holds scheduler configuration.
type Config struct {
	SyncInterval   time.Duration // How often to sync when online (default: 30 seconds)
	ReconnectDelay time.Duration // Settling delay after coming back online (default: 2 seconds)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:   30 * time.Second,
		ReconnectDelay: 2 * time.Second,
	}
}

// Status is the aggregate state exposed to status indicators.
type Status struct {
	IsRunning    bool       `json:"isRunning"`
	IsOnline     bool       `json:"isOnline"`
	IsSyncing    bool       `json:"isSyncing"`
	PendingCount int        `json:"pendingCount"`
	LastError    *string    `json:"lastError"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
}

// ManualResult is the outcome of TriggerManualSync. When Offline is set no
// pass was attempted and Pass is nil.
type ManualResult struct {
	Offline bool                `json:"offline"`
	Pass    *syncpkg.PassResult `json:"pass,omitempty"`
}

// Coordinator schedules sync passes on a single Orchestrator.
type Coordinator struct {
	engine syncpkg.Orchestrator
	signal *connectivity.Signal
	cfg    Config
	log    *logging.Logger

	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	pendingCount int
	lastError    *string
	lastSyncTime time.Time

	listenerMu sync.Mutex
	listeners  map[uint64]func(Status)
	nextID     uint64
}

// NewCoordinator creates a Coordinator. A nil config uses DefaultConfig.
func NewCoordinator(engine syncpkg.Orchestrator, signal *connectivity.Signal, config *Config, log *logging.Logger) *Coordinator {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if log == nil {
		log = logging.Get()
	}
	return &Coordinator{
		engine:    engine,
		signal:    signal,
		cfg:       cfg,
		log:       log,
		listeners: make(map[uint64]func(Status)),
	}
}

// Start starts the background trigger loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = true
	c.stopCh = make(chan struct{})
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	transitions, unsubscribe := c.signal.Subscribe()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsubscribe()
		c.loop(loopCtx, transitions)
	}()

	if _, err := c.RefreshPendingCount(ctx); err != nil {
		c.log.Error("Failed to read pending count", err)
	}

	c.log.Info("Sync coordinator started", map[string]interface{}{
		"interval_seconds":   c.cfg.SyncInterval.Seconds(),
		"reconnect_delay_ms": c.cfg.ReconnectDelay.Milliseconds(),
	})
	c.notify()
}

// Stop stops the trigger loop gracefully. A pass already running inside the
// orchestrator is not interrupted.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = false
	close(c.stopCh)
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()

	c.log.Info("Sync coordinator stopped")
	c.notify()
}

// loop owns the periodic ticker and the reconnect debounce timer.
func (c *Coordinator) loop(ctx context.Context, transitions <-chan bool) {
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	var debounce *time.Timer
	var reconnect <-chan time.Time
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
			debounce = nil
		}
		reconnect = nil
	}
	defer stopDebounce()

	// a link that came up before Start still drains what is pending
	if c.signal.Online() {
		debounce = time.NewTimer(c.cfg.ReconnectDelay)
		reconnect = debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return

		case online, ok := <-transitions:
			if !ok {
				return
			}
			stopDebounce()
			if online {
				// a flapping link restarts the delay instead of queueing passes
				debounce = time.NewTimer(c.cfg.ReconnectDelay)
				reconnect = debounce.C
			}
			c.notify()

		case <-reconnect:
			debounce = nil
			reconnect = nil
			c.runReconnect(ctx)

		case <-ticker.C:
			if !c.signal.Online() {
				continue
			}
			if c.engine.IsSyncing() {
				c.log.Debug("Sync already in progress, skipping")
				continue
			}
			c.runPass(ctx, TriggerPeriodic)
		}
	}
}

func (c *Coordinator) runReconnect(ctx context.Context) {
	if !c.signal.Online() {
		return
	}
	pending, err := c.RefreshPendingCount(ctx)
	if err != nil {
		c.log.Error("Failed to read pending count", err)
		return
	}
	if pending == 0 {
		c.log.Debug("Back online with nothing pending")
		return
	}
	c.runPass(ctx, TriggerReconnect)
}

// runPass runs one pass and folds its outcome into the status.
func (c *Coordinator) runPass(ctx context.Context, trigger Trigger) (*syncpkg.PassResult, error) {
	c.log.Info("Starting sync pass", map[string]interface{}{"trigger": string(trigger)})
	c.notify()

	result, err := c.engine.RunSyncPass(ctx)
	if err != nil && ctx.Err() != nil {
		// the caller gave up waiting; the pass outcome is picked up next time
		return nil, err
	}

	c.mu.Lock()
	switch {
	case err != nil:
		msg := err.Error()
		c.lastError = &msg
	case result.FailureCount > 0:
		msg := FormatFailures(result)
		c.lastError = &msg
	default:
		c.lastError = nil
	}
	if result != nil && result.SuccessCount > 0 {
		c.lastSyncTime = result.EndTime
	}
	c.mu.Unlock()

	if _, perr := c.RefreshPendingCount(context.Background()); perr != nil {
		c.log.Error("Failed to read pending count", perr)
	}

	if err != nil {
		c.log.ErrorWithCode("Sync pass failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"trigger": string(trigger)})
	} else {
		c.log.Info("Sync pass completed", map[string]interface{}{
			"trigger": string(trigger),
			"synced":  result.SuccessCount,
			"failed":  result.FailureCount,
		})
	}
	c.notify()
	return result, err
}

// FormatFailures renders a pass's failures as a single status line.
func FormatFailures(result *syncpkg.PassResult) string {
	noun := "records"
	if result.FailureCount == 1 {
		noun = "record"
	}
	return fmt.Sprintf("%d %s failed: %s", result.FailureCount, noun, strings.Join(result.Errors, ", "))
}

// TriggerManualSync runs a pass immediately and waits for it. While offline it
// returns a ManualResult with Offline set and no error.
func (c *Coordinator) TriggerManualSync(ctx context.Context) (*ManualResult, error) {
	if !c.signal.Online() {
		msg := OfflineMessage
		c.mu.Lock()
		c.lastError = &msg
		c.mu.Unlock()
		c.notify()
		return &ManualResult{Offline: true}, nil
	}

	result, err := c.runPass(ctx, TriggerManual)
	if err != nil {
		return nil, err
	}
	return &ManualResult{Pass: result}, nil
}

// SetOnline forwards a host connectivity event to the signal.
func (c *Coordinator) SetOnline(online bool) {
	c.signal.Set(online)
}

// RefreshPendingCount re-reads the pending count from the orchestrator.
func (c *Coordinator) RefreshPendingCount(ctx context.Context) (int, error) {
	n, err := c.engine.PendingCount(ctx)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	changed := c.pendingCount != n
	c.pendingCount = n
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return n, nil
}

// PendingCount returns the last known number of pending records.
func (c *Coordinator) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pendingCount
}

// LastError returns the most recent pass-level error, or nil.
func (c *Coordinator) LastError() *string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastError == nil {
		return nil
	}
	msg := *c.lastError
	return &msg
}

// IsRunning returns whether the trigger loop is running.
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

// GetStatus returns the current aggregate status.
func (c *Coordinator) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := Status{
		IsRunning:    c.isRunning,
		IsOnline:     c.signal.Online(),
		IsSyncing:    c.engine.IsSyncing(),
		PendingCount: c.pendingCount,
	}
	if c.lastError != nil {
		msg := *c.lastError
		status.LastError = &msg
	}
	if !c.lastSyncTime.IsZero() {
		t := c.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// OnStatus registers fn to receive the status after every change. The
// returned function removes it. fn must not block.
func (c *Coordinator) OnStatus(fn func(Status)) func() {
	c.listenerMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

func (c *Coordinator) notify() {
	status := c.GetStatus()
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	for _, fn := range c.listeners {
		fn(status)
	}
}
