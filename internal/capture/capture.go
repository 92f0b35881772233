// Package capture defines the boundary to the camera capture subsystem.
//
// A Provider constructs Sessions; a Session hands out Buffers that must each
// be returned with ReleaseBuffer exactly once. Buffer data stays valid until
// it is released.
package capture

import (
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
)

// Buffer is one captured frame owned by the session that produced it.
type Buffer struct {
	types.Frame

	// Handle is an opaque, session-scoped buffer identifier.
	Handle uint64
}

// Info describes an open session as negotiated with the capture backend.
type Info struct {
	Format    types.FrameFormat
	Width     int
	Height    int
	Framerate int
}

// Provider creates capture sessions.
type Provider interface {
	// NewSession constructs a session without starting it. The returned
	// session must be closed even if Start fails.
	NewSession(settings types.StreamSettings) (Session, error)
}

// Session is one configured capture stream.
type Session interface {
	// ID is the stream id assigned by the capture subsystem.
	ID() uint32
	Info() (Info, error)
	Start() error
	// GetNextBuffer blocks until a frame is available or the backend's
	// frame timeout elapses.
	GetNextBuffer() (*Buffer, error)
	ReleaseBuffer(buf *Buffer) error
	// Close stops the session and frees backend resources.
	Close() error
}
