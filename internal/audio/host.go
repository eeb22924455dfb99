package audio

import (
	"context"
	"strings"
	"sync"

	apperrors "github.com/sociapp/fieldsync/internal/errors"
)

// DefaultCaptureMIMEType is what browser and webview recorders emit.
const DefaultCaptureMIMEType = "audio/webm"

// IsAudioMIME reports whether mimeType names an audio container.
func IsAudioMIME(mimeType string) bool {
	return strings.HasPrefix(mimeType, "audio/") && len(mimeType) > len("audio/")
}

// HostDevice is a Device whose microphone belongs to the host UI. The host
// grants or revokes permission and pushes encoded chunks while a capture is
// running.
type HostDevice struct {
	mu       sync.Mutex
	granted  bool
	mimeType string
	stream   *hostStream
}

var _ Device = (*HostDevice)(nil)

// NewHostDevice creates a HostDevice. An empty mimeType uses
// DefaultCaptureMIMEType.
func NewHostDevice(mimeType string, granted bool) *HostDevice {
	if mimeType == "" {
		mimeType = DefaultCaptureMIMEType
	}
	return &HostDevice{granted: granted, mimeType: mimeType}
}

// SetPermission records the host's microphone permission. Revoking it does
// not end a capture already running.
func (d *HostDevice) SetPermission(granted bool) {
	d.mu.Lock()
	d.granted = granted
	d.mu.Unlock()
}

// Permission reports the last permission the host reported.
func (d *HostDevice) Permission() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.granted
}

// SetMIMEType sets the container of chunks pushed by the next capture.
func (d *HostDevice) SetMIMEType(mimeType string) {
	d.mu.Lock()
	d.mimeType = mimeType
	d.mu.Unlock()
}

// MIMEType returns the container the next capture will report.
func (d *HostDevice) MIMEType() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mimeType
}

// Open claims the device for one capture.
func (d *HostDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.granted {
		return nil, apperrors.New(apperrors.ErrDeviceUnavailable, "microphone permission not granted")
	}
	if d.stream != nil {
		return nil, apperrors.New(apperrors.ErrDeviceUnavailable, "microphone already in use")
	}
	d.stream = &hostStream{device: d, mimeType: d.mimeType}
	return d.stream, nil
}

// Push delivers one chunk from the host to the running capture.
func (d *HostDevice) Push(chunk []byte) error {
	if len(chunk) == 0 {
		return apperrors.New(apperrors.ErrValidation, "audio chunk is empty")
	}
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s == nil {
		return apperrors.New(apperrors.ErrInvalidState, "no capture is open")
	}
	return s.deliver(chunk)
}

func (d *HostDevice) release(s *hostStream) {
	d.mu.Lock()
	if d.stream == s {
		d.stream = nil
	}
	d.mu.Unlock()
}

type streamState int

const (
	streamOpen streamState = iota
	streamRunning
	streamPaused
	streamStopped
)

type hostStream struct {
	device   *HostDevice
	mimeType string

	// mu is held while onChunk runs so Stop waits for a delivery in flight.
	mu      sync.Mutex
	state   streamState
	onChunk func([]byte)
}

func (s *hostStream) deliver(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case streamRunning:
		s.onChunk(chunk)
		return nil
	case streamPaused:
		return apperrors.New(apperrors.ErrInvalidState, "capture is paused")
	default:
		return apperrors.New(apperrors.ErrInvalidState, "capture is not running")
	}
}

func (s *hostStream) Start(onChunk func(chunk []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamOpen {
		return apperrors.New(apperrors.ErrInvalidState, "stream already started")
	}
	s.onChunk = onChunk
	s.state = streamRunning
	return nil
}

func (s *hostStream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamRunning {
		return apperrors.New(apperrors.ErrInvalidState, "stream is not running")
	}
	s.state = streamPaused
	return nil
}

func (s *hostStream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamPaused {
		return apperrors.New(apperrors.ErrInvalidState, "stream is not paused")
	}
	s.state = streamRunning
	return nil
}

// Stop ends delivery. Chunks are pushed as the host produces them, so there
// is nothing left to flush.
func (s *hostStream) Stop() error {
	s.mu.Lock()
	s.state = streamStopped
	s.onChunk = nil
	s.mu.Unlock()
	return nil
}

func (s *hostStream) Close() error {
	s.Stop()
	s.device.release(s)
	return nil
}

func (s *hostStream) MIMEType() string {
	return s.mimeType
}
