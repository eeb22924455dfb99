package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/sociapp/fieldsync/internal/errors"
	"github.com/sociapp/fieldsync/internal/logging"
	"github.com/sociapp/fieldsync/internal/models"
	"github.com/sociapp/fieldsync/internal/telemetry"
)

// SyncStatus represents the current state of the engine.
type SyncStatus string

const (
	SyncStatusIdle     SyncStatus = "idle"
	SyncStatusDraining SyncStatus = "draining"
)

// ItemOutcome is the result of one record within a pass.
type ItemOutcome string

const (
	OutcomeSucceeded ItemOutcome = "succeeded"
	OutcomeFailed    ItemOutcome = "failed"
)

// ItemResult describes what happened to one record during a pass.
type ItemResult struct {
	LocalID  string      `json:"local_id"`
	RemoteID string      `json:"remote_id,omitempty"`
	Outcome  ItemOutcome `json:"outcome"`
	Error    string      `json:"error,omitempty"`
	Warning  string      `json:"warning,omitempty"`
}

// PassResult represents the result of one sync pass.
type PassResult struct {
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	// Errors holds "<localId>: <reason>" for every record left pending.
	Errors []string `json:"errors"`
	// Warnings holds "<localId>: <reason>" for records synced without audio.
	Warnings []string     `json:"warnings"`
	Items    []ItemResult `json:"items"`
	Pruned   int          `json:"pruned"`
	// Interrupted is set when shutdown stopped the pass before the end of the queue.
	Interrupted bool `json:"interrupted"`
}

const passKey = "sync-pass"

// Options configures an Engine.
type Options struct {
	// PassTimeout bounds a whole pass; zero means no bound beyond the
	// remote service's own per-request timeout.
	PassTimeout time.Duration
	Metrics     *telemetry.Metrics
	Logger      *logging.Logger
	Now         func() time.Time
}

// Engine drains the queue against the remote service one record at a time.
type Engine struct {
	store   Store
	remote  RemoteService
	opts    Options
	log     *logging.Logger
	now     func() time.Time
	metrics *telemetry.Metrics

	group    singleflight.Group
	draining atomic.Bool

	// passes run on base so a caller abandoning its wait does not abort the
	// pass; Close cancels it for process teardown.
	base   context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	lifeMu stdsync.Mutex
	closed bool

	mu         stdsync.RWMutex
	lastResult *PassResult
	lastSync   *time.Time
}

var _ Orchestrator = (*Engine)(nil)

// NewEngine creates an Engine. Close must be called to stop in-flight work.
func NewEngine(store Store, remote RemoteService, opts Options) *Engine {
	base, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:   store,
		remote:  remote,
		opts:    opts,
		log:     opts.Logger,
		now:     opts.Now,
		metrics: opts.Metrics,
		base:    base,
		cancel:  cancel,
	}
	if e.log == nil {
		e.log = logging.Get()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Close cancels any in-flight pass between items and waits for it to return.
func (e *Engine) Close() error {
	e.lifeMu.Lock()
	e.closed = true
	e.lifeMu.Unlock()

	e.cancel()
	e.wg.Wait()
	return nil
}

// Status returns the current engine status.
func (e *Engine) Status() SyncStatus {
	if e.draining.Load() {
		return SyncStatusDraining
	}
	return SyncStatusIdle
}

// IsSyncing reports whether a pass is draining.
func (e *Engine) IsSyncing() bool {
	return e.draining.Load()
}

// LastResult returns the most recently completed pass, or nil.
func (e *Engine) LastResult() *PassResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastResult
}

// LastSync returns the end time of the last pass that synced at least one record.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// PendingCount returns the number of records waiting in the store.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx)
}

// RunSyncPass drains the pending queue once. Concurrent calls join the pass
// already in flight and receive its result. ctx only bounds how long the
// caller waits; the pass itself keeps running until it finishes or Close.
func (e *Engine) RunSyncPass(ctx context.Context) (*PassResult, error) {
	// every caller holds a wg slot until the pass it joined returns
	e.lifeMu.Lock()
	if e.closed {
		e.lifeMu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncFailed, "engine is closed")
	}
	e.wg.Add(1)
	e.lifeMu.Unlock()

	ch := e.group.DoChan(passKey, func() (interface{}, error) {
		return e.drain()
	})

	select {
	case <-ctx.Done():
		go func() {
			<-ch
			e.wg.Done()
		}()
		return nil, ctx.Err()
	case res := <-ch:
		e.wg.Done()
		var result *PassResult
		if res.Val != nil {
			result = res.Val.(*PassResult)
		}
		return result, res.Err
	}
}

func (e *Engine) drain() (*PassResult, error) {
	e.draining.Store(true)
	defer e.draining.Store(false)

	ctx := e.base
	if e.opts.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.PassTimeout)
		defer cancel()
	}

	result := &PassResult{StartTime: e.now()}
	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		e.metrics.RecordPass(context.Background(), result.SuccessCount, result.FailureCount, len(result.Warnings), result.Duration)

		e.mu.Lock()
		e.lastResult = result
		if result.SuccessCount > 0 {
			end := result.EndTime
			e.lastSync = &end
		}
		e.mu.Unlock()
	}()

	pending, err := e.store.ListPending(ctx)
	if err != nil {
		e.log.ErrorWithCode("Failed to list pending records", string(apperrors.CodeOf(err)), err)
		return result, err
	}
	if len(pending) == 0 {
		e.log.Debug("No pending records to sync")
		return result, nil
	}

	e.log.Info("Sync pass started", map[string]interface{}{"pending": len(pending)})

	for _, rec := range pending {
		if ctx.Err() != nil {
			result.Interrupted = true
			break
		}

		item := e.syncOne(ctx, rec)
		result.Items = append(result.Items, item)
		switch item.Outcome {
		case OutcomeSucceeded:
			result.SuccessCount++
			if item.Warning != "" {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", rec.LocalID, item.Warning))
			}
		case OutcomeFailed:
			result.FailureCount++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", rec.LocalID, item.Error))
		}
	}

	if result.SuccessCount > 0 {
		// prune on a fresh context so teardown mid-pass still reclaims storage
		pruneCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := e.store.PruneSynced(pruneCtx)
		if err != nil {
			e.log.Error("Failed to prune synced records", err)
			return result, err
		}
		result.Pruned = n
	}

	e.log.Info("Sync pass finished", map[string]interface{}{
		"synced":      result.SuccessCount,
		"failed":      result.FailureCount,
		"warnings":    len(result.Warnings),
		"pruned":      result.Pruned,
		"interrupted": result.Interrupted,
	})

	if result.Interrupted {
		return result, ctx.Err()
	}
	return result, nil
}

// syncOne creates one record remotely, uploads its audio, and marks it synced.
// Every path resolves the item before returning.
func (e *Engine) syncOne(ctx context.Context, rec *models.PendingRecord) ItemResult {
	item := ItemResult{LocalID: rec.LocalID}

	remoteID, err := e.remote.CreateRecord(ctx, rec.Payload)
	if err != nil {
		item.Outcome = OutcomeFailed
		item.Error = err.Error()
		e.log.Error("Remote create failed", err, map[string]interface{}{"local_id": rec.LocalID})
		e.recordError(rec.LocalID, item.Error)
		return item
	}
	item.RemoteID = remoteID

	// From here on the record exists remotely: it must end up synced locally
	// so a retry never creates it twice.
	if rec.HasArtifact {
		item.Warning = e.uploadArtifact(ctx, rec.LocalID, remoteID)
	}

	if err := e.store.MarkSynced(context.Background(), rec.LocalID); err != nil {
		item.Outcome = OutcomeFailed
		item.Error = fmt.Sprintf("created remotely as %s but not marked synced: %v", remoteID, err)
		e.log.ErrorWithCode("Failed to mark record synced", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"local_id": rec.LocalID, "remote_id": remoteID})
		e.recordError(rec.LocalID, item.Error)
		return item
	}

	item.Outcome = OutcomeSucceeded
	return item
}

// uploadArtifact returns a warning message, or "" when the audio was accepted
// or there was nothing to upload.
func (e *Engine) uploadArtifact(ctx context.Context, localID, remoteID string) string {
	if remoteID == "" {
		e.log.Warn("Remote create returned no id; audio not uploaded", map[string]interface{}{"local_id": localID})
		return "remote create returned no id; audio not uploaded"
	}

	artifact, err := e.store.GetArtifact(ctx, localID)
	if err != nil {
		e.log.Warn("Failed to read artifact", map[string]interface{}{"local_id": localID, "error": err.Error()})
		return fmt.Sprintf("audio not uploaded: %v", err)
	}
	if artifact == nil {
		return ""
	}

	if err := e.remote.UploadArtifact(ctx, remoteID, artifact); err != nil {
		e.log.Warn("Audio upload failed; record kept as synced", map[string]interface{}{
			"local_id":  localID,
			"remote_id": remoteID,
			"error":     err.Error(),
		})
		return apperrors.Wrap(apperrors.ErrRemoteUploadFailed, "audio upload failed", err).Error()
	}

	e.log.Info("Audio synced", map[string]interface{}{"local_id": localID, "remote_id": remoteID})
	return ""
}

func (e *Engine) recordError(localID, message string) {
	if err := e.store.RecordError(context.Background(), localID, message); err != nil {
		e.log.Error("Failed to record sync error", err, map[string]interface{}{"local_id": localID})
	}
}
