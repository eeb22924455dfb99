// Package audio captures survey audio from a device and transcodes it into
// the compact artifact stored with a record.
package audio

import "context"

// Device is an audio input that can be opened for one capture.
type Device interface {
	// Open acquires the hardware and returns a stream that is not yet
	// delivering data. It fails when no device or permission is available.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open capture. Close releases the hardware and must be called
// exactly once after a successful Open, whatever happens in between.
type Stream interface {
	// Start begins delivering encoded chunks to onChunk. onChunk may be
	// called from another goroutine until Stop returns.
	Start(onChunk func(chunk []byte)) error
	Pause() error
	Resume() error
	// Stop flushes any remaining data to onChunk and stops delivery.
	Stop() error
	Close() error
	// MIMEType is the container type of the delivered chunks.
	MIMEType() string
}
