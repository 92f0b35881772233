// Package testpattern is a capture backend producing synthetic color-bar frames.
// It stands in for the camera when no shared memory producer is running.
package testpattern

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/imageconv"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
)

// Options tunes the synthetic backend.
type Options struct {
	// FailStart makes every Session.Start fail.
	FailStart bool
	// FailBuffers makes GetNextBuffer fail.
	FailBuffers bool
	// Now overrides the clock used for frame timestamps.
	Now func() time.Time
}

// Provider creates test-pattern sessions.
type Provider struct {
	opts   Options
	nextID atomic.Uint32

	mu       sync.Mutex
	sessions map[uint32]*Session
}

// New returns a Provider.
func New(opts Options) *Provider {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Provider{opts: opts, sessions: make(map[uint32]*Session)}
}

// NewSession implements capture.Provider.
func (p *Provider) NewSession(settings types.StreamSettings) (capture.Session, error) {
	if settings.Width <= 0 || settings.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution %dx%d", settings.Width, settings.Height)
	}

	frame, err := render(settings)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:          p.nextID.Add(1),
		settings:    settings,
		frame:       frame,
		opts:        p.opts,
		outstanding: make(map[uint64]struct{}),
		onClose:     p.forget,
	}

	p.mu.Lock()
	p.sessions[s.id] = s
	p.mu.Unlock()
	return s, nil
}

// Session returns a live session by id, for inspection.
func (p *Provider) Session(id uint32) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

// OpenSessions returns the number of sessions not yet closed.
func (p *Provider) OpenSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Provider) forget(id uint32) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}

func render(settings types.StreamSettings) ([]byte, error) {
	bars := imageconv.ColorBars(settings.Width, settings.Height)
	switch settings.Format {
	case types.FormatNV12:
		return imageconv.ToNV12(bars), nil
	case types.FormatRGB:
		return imageconv.RGBAToRGB(bars), nil
	case types.FormatJPEG:
		return imageconv.EncodeJPEG(bars, 75)
	default:
		return nil, fmt.Errorf("unsupported format %s", settings.Format)
	}
}

// Session is a synthetic capture session.
type Session struct {
	id       uint32
	settings types.StreamSettings
	frame    []byte
	opts     Options
	onClose  func(uint32)

	mu          sync.Mutex
	started     bool
	closed      bool
	seq         uint32
	nextHandle  uint64
	outstanding map[uint64]struct{}
	released    int
}

// ID implements capture.Session.
func (s *Session) ID() uint32 { return s.id }

// Info implements capture.Session.
func (s *Session) Info() (capture.Info, error) {
	return capture.Info{
		Format:    s.settings.Format,
		Width:     s.settings.Width,
		Height:    s.settings.Height,
		Framerate: s.settings.Framerate,
	}, nil
}

// Start implements capture.Session.
func (s *Session) Start() error {
	if s.opts.FailStart {
		return fmt.Errorf("stream %d: start refused", s.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream %d: closed", s.id)
	}
	s.started = true
	return nil
}

// GetNextBuffer implements capture.Session.
func (s *Session) GetNextBuffer() (*capture.Buffer, error) {
	if s.opts.FailBuffers {
		return nil, fmt.Errorf("stream %d: no buffer available", s.id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return nil, fmt.Errorf("stream %d: not running", s.id)
	}

	s.seq++
	s.nextHandle++
	s.outstanding[s.nextHandle] = struct{}{}

	data := make([]byte, len(s.frame))
	copy(data, s.frame)
	now := s.opts.Now()

	return &capture.Buffer{
		Frame: types.Frame{
			Data:            data,
			Timestamp:       now,
			CustomTimestamp: time.Duration(s.seq) * time.Second / time.Duration(max(s.settings.Framerate, 1)),
			SequenceNbr:     s.seq,
			Format:          s.settings.Format,
			Width:           s.settings.Width,
			Height:          s.settings.Height,
		},
		Handle: s.nextHandle,
	}, nil
}

// ReleaseBuffer implements capture.Session.
func (s *Session) ReleaseBuffer(buf *capture.Buffer) error {
	if buf == nil {
		return fmt.Errorf("stream %d: nil buffer", s.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outstanding[buf.Handle]; !ok {
		return fmt.Errorf("stream %d: buffer %d not outstanding", s.id, buf.Handle)
	}
	delete(s.outstanding, buf.Handle)
	s.released++
	return nil
}

// Close implements capture.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.started = false
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose(s.id)
	}
	return nil
}

// Outstanding returns the number of buffers handed out and not yet released.
func (s *Session) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// Released returns the number of buffers returned so far.
func (s *Session) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
