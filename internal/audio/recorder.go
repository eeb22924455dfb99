package audio

import (
	"bytes"
	"context"
	"sync"
	"time"

	apperrors "github.com/sociapp/fieldsync/internal/errors"
	"github.com/sociapp/fieldsync/internal/logging"
	"github.com/sociapp/fieldsync/internal/models"
	"github.com/sociapp/fieldsync/internal/telemetry"
)

// State is the recorder lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	// StrictEncoding makes Stop fail with TRANSCODE_FAILED instead of
	// returning the raw capture. The raw capture stays available through
	// Artifact either way.
	StrictEncoding bool
	SampleBlock    int
	Metrics        *telemetry.Metrics
	Logger         *logging.Logger
	Now            func() time.Time
}

// Recorder drives one capture at a time on a Device.
type Recorder struct {
	device     Device
	transcoder *Transcoder
	opts       RecorderOptions
	log        *logging.Logger
	now        func() time.Time

	mu       sync.Mutex
	state    State
	stream   Stream
	artifact *models.Artifact

	chunkMu sync.Mutex
	chunks  [][]byte

	startedAt time.Time
	pausedAt  time.Time
	paused    time.Duration
	elapsed   time.Duration // frozen at Stop
}

// NewRecorder creates a Recorder for device.
func NewRecorder(device Device, opts RecorderOptions) *Recorder {
	r := &Recorder{
		device:     device,
		transcoder: NewTranscoder(opts.SampleBlock),
		opts:       opts,
		log:        opts.Logger,
		now:        opts.Now,
		state:      StateIdle,
	}
	if r.log == nil {
		r.log = logging.Get()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func invalidState(op string, s State) error {
	return apperrors.New(apperrors.ErrInvalidState, op+" is not valid while "+string(s))
}

// Start opens the device and begins capturing. Any previous artifact is
// discarded.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRecording || r.state == StatePaused {
		return invalidState("start", r.state)
	}

	stream, err := r.device.Open(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDeviceUnavailable, "open audio device", err)
	}

	r.resetChunks()
	r.artifact = nil
	if err := stream.Start(r.appendChunk); err != nil {
		stream.Close()
		return apperrors.Wrap(apperrors.ErrDeviceUnavailable, "start audio stream", err)
	}

	r.stream = stream
	r.state = StateRecording
	r.startedAt = r.now()
	r.paused = 0
	r.elapsed = 0

	r.log.Debug("Audio capture started", map[string]interface{}{"mime_type": stream.MIMEType()})
	return nil
}

// appendChunk runs on the stream's goroutine.
func (r *Recorder) appendChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	buf := append([]byte(nil), chunk...)
	r.chunkMu.Lock()
	r.chunks = append(r.chunks, buf)
	r.chunkMu.Unlock()
}

func (r *Recorder) resetChunks() {
	r.chunkMu.Lock()
	r.chunks = nil
	r.chunkMu.Unlock()
}

func (r *Recorder) takeChunks() []byte {
	r.chunkMu.Lock()
	defer r.chunkMu.Unlock()
	raw := bytes.Join(r.chunks, nil)
	r.chunks = nil
	return raw
}

// Pause suspends capture. Paused time is not counted by Elapsed.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return invalidState("pause", r.state)
	}
	if err := r.stream.Pause(); err != nil {
		return apperrors.Wrap(apperrors.ErrDeviceUnavailable, "pause audio stream", err)
	}
	r.state = StatePaused
	r.pausedAt = r.now()
	return nil
}

// Resume continues a paused capture.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePaused {
		return invalidState("resume", r.state)
	}
	if err := r.stream.Resume(); err != nil {
		return apperrors.Wrap(apperrors.ErrDeviceUnavailable, "resume audio stream", err)
	}
	r.paused += r.now().Sub(r.pausedAt)
	r.state = StateRecording
	return nil
}

// Stop ends the capture, releases the device, and transcodes the buffered
// audio. A transcode failure falls back to the raw capture with Transcoded
// unset, unless StrictEncoding is set.
func (r *Recorder) Stop() (*models.Artifact, error) {
	r.mu.Lock()
	if r.state != StateRecording && r.state != StatePaused {
		s := r.state
		r.mu.Unlock()
		return nil, invalidState("stop", s)
	}
	stream := r.stream
	r.elapsed = r.elapsedLocked()
	r.stream = nil
	r.state = StateStopped
	r.mu.Unlock()

	stopErr := stream.Stop()
	closeErr := stream.Close()
	raw := r.takeChunks()

	if len(raw) == 0 {
		if stopErr == nil {
			stopErr = closeErr
		}
		if stopErr != nil {
			return nil, apperrors.Wrap(apperrors.ErrDeviceUnavailable, "stop audio stream", stopErr)
		}
		return nil, apperrors.New(apperrors.ErrValidation, "capture produced no audio")
	}
	if stopErr != nil || closeErr != nil {
		r.log.Warn("Audio stream did not stop cleanly", map[string]interface{}{
			"stop_error":  errString(stopErr),
			"close_error": errString(closeErr),
		})
	}

	artifact, err := r.transcoder.TranscodeOrKeep(raw, stream.MIMEType())
	r.setArtifact(artifact)
	if err == nil {
		r.log.Info("Audio capture transcoded", map[string]interface{}{
			"raw_bytes":     len(raw),
			"encoded_bytes": len(artifact.Data),
			"elapsed_ms":    r.Elapsed().Milliseconds(),
		})
		return artifact, nil
	}

	r.opts.Metrics.RecordTranscodeFallback(context.Background(), artifact.MIMEType)
	r.log.Warn("Transcode failed; keeping original audio", map[string]interface{}{
		"mime_type": artifact.MIMEType,
		"bytes":     len(raw),
		"error":     err.Error(),
	})

	if r.opts.StrictEncoding {
		return nil, apperrors.Wrap(apperrors.ErrTranscodeFailed, "transcode capture", err)
	}
	return artifact, nil
}

func (r *Recorder) setArtifact(a *models.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// a Clear issued while transcoding wins
	if r.state == StateStopped {
		r.artifact = a
	}
}

// Clear releases the current artifact and any open stream. It is idempotent.
func (r *Recorder) Clear() {
	r.mu.Lock()
	stream := r.stream
	r.stream = nil
	r.artifact = nil
	r.state = StateIdle
	r.paused = 0
	r.elapsed = 0
	r.mu.Unlock()

	if stream != nil {
		stream.Stop()
		stream.Close()
	}
	r.resetChunks()
}

// ReleaseArtifact clears the recorder once a stopped capture has been handed
// off, but only if a is still its artifact. It reports whether it cleared.
func (r *Recorder) ReleaseArtifact(a *models.Artifact) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a == nil || r.artifact != a || r.state != StateStopped {
		return false
	}
	r.artifact = nil
	r.state = StateIdle
	r.paused = 0
	r.elapsed = 0
	return true
}

// Close releases the device; it is Clear under the io.Closer name.
func (r *Recorder) Close() error {
	r.Clear()
	return nil
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Elapsed returns the captured duration excluding paused intervals.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsedLocked()
}

func (r *Recorder) elapsedLocked() time.Duration {
	switch r.state {
	case StateRecording:
		return r.now().Sub(r.startedAt) - r.paused
	case StatePaused:
		return r.pausedAt.Sub(r.startedAt) - r.paused
	default:
		return r.elapsed
	}
}

// HasArtifact reports whether a finished artifact is available.
func (r *Recorder) HasArtifact() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact != nil
}

// Artifact returns the last finished artifact, or nil.
func (r *Recorder) Artifact() *models.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
