// Package shmsource is a capture backend that reads frames from the camera
// daemon's shared memory ring buffer.
package shmsource

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
)

const (
	defaultPollInterval = 5 * time.Millisecond
	defaultOpenRetries  = 3
	defaultRetryDelay   = 100 * time.Millisecond
)

// Options configures the shared memory backend.
type Options struct {
	Dir          string // mount point of POSIX shared memory, usually /dev/shm
	Name         string // shared memory object name, e.g. /pet_camera_stream
	Layout       Layout
	FrameTimeout time.Duration
	OpenRetries  int           // attempts while the object does not exist yet
	RetryDelay   time.Duration
	Log          *logger.Logger
}

// Provider opens one ring mapping per session.
type Provider struct {
	opts   Options
	nextID atomic.Uint32
}

// New returns a Provider. Zero option fields take device defaults.
func New(opts Options) *Provider {
	if opts.Dir == "" {
		opts.Dir = "/dev/shm"
	}
	if opts.Name == "" {
		opts.Name = "/pet_camera_stream"
	}
	if opts.Layout.RingSize == 0 {
		opts.Layout = DefaultLayout()
	}
	if opts.FrameTimeout == 0 {
		opts.FrameTimeout = 2 * time.Second
	}
	if opts.OpenRetries <= 0 {
		opts.OpenRetries = defaultOpenRetries
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	return &Provider{opts: opts}
}

// Path returns the filesystem path of the shared memory object.
func (p *Provider) Path() string {
	return filepath.Join(p.opts.Dir, strings.TrimPrefix(p.opts.Name, "/"))
}

// NewSession implements capture.Provider.
func (p *Provider) NewSession(settings types.StreamSettings) (capture.Session, error) {
	switch settings.Format {
	case types.FormatNV12, types.FormatRGB, types.FormatJPEG:
	default:
		return nil, fmt.Errorf("unsupported format %s", settings.Format)
	}

	path := p.Path()
	r, err := p.openRing(path)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrCapture, err, "failed to open shared memory %s", path)
	}

	id := p.nextID.Add(1)
	p.opts.Log.Debug("Capture", "Stream %d mapped %s (%d bytes)", id, path, p.opts.Layout.Size())
	return &Session{
		id:          id,
		settings:    settings,
		ring:        r,
		timeout:     p.opts.FrameTimeout,
		log:         p.opts.Log,
		outstanding: make(map[uint64]struct{}),
	}, nil
}

// openRing maps the ring, waiting briefly while the daemon has not created
// it yet. Any other failure returns at once.
func (p *Provider) openRing(path string) (*ring, error) {
	for i := 1; ; i++ {
		r, err := openRing(path, p.opts.Layout)
		if err == nil || !errors.Is(err, fs.ErrNotExist) || i >= p.opts.OpenRetries {
			return r, err
		}
		p.opts.Log.Debug("Capture", "Waiting for shared memory %s to appear... (%d/%d)", path, i, p.opts.OpenRetries)
		time.Sleep(p.opts.RetryDelay)
	}
}

// Session reads frames of one format from the ring.
type Session struct {
	id       uint32
	settings types.StreamSettings
	timeout  time.Duration
	log      *logger.Logger

	mu          sync.Mutex
	ring        *ring
	started     bool
	lastFrame   uint64
	haveLast    bool
	nextHandle  uint64
	outstanding map[uint64]struct{}
	lastHeader  slotHeader
}

// ID implements capture.Session.
func (s *Session) ID() uint32 { return s.id }

// Info implements capture.Session. Width and height come from the newest
// frame once one was read, since the producer owns the resolution.
func (s *Session) Info() (capture.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring == nil {
		return capture.Info{}, fmt.Errorf("stream %d: closed", s.id)
	}

	info := capture.Info{
		Format:    s.settings.Format,
		Width:     s.settings.Width,
		Height:    s.settings.Height,
		Framerate: s.settings.Framerate,
	}
	if s.haveLast {
		info.Width = s.lastHeader.Width
		info.Height = s.lastHeader.Height
	}
	if iv := s.ring.frameInterval(); iv > 0 {
		info.Framerate = int(time.Second / iv)
	}
	return info, nil
}

// Start implements capture.Session.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring == nil {
		return fmt.Errorf("stream %d: closed", s.id)
	}
	s.started = true
	return nil
}

// GetNextBuffer implements capture.Session. It polls the write index until a
// frame newer than the last delivered one, in the session's format, appears.
func (s *Session) GetNextBuffer() (*capture.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ring == nil || !s.started {
		return nil, fmt.Errorf("stream %d: not running", s.id)
	}

	poll := s.ring.frameInterval() / 2
	if poll <= 0 || poll > defaultPollInterval*10 {
		poll = defaultPollInterval
	}

	deadline := time.Now().Add(s.timeout)
	for {
		hdr, data, ok, err := s.ring.readLatest()
		if err != nil {
			return nil, fmt.Errorf("stream %d: %w", s.id, err)
		}
		if ok && hdr.Format == s.settings.Format && (!s.haveLast || hdr.FrameNumber != s.lastFrame) {
			s.lastFrame = hdr.FrameNumber
			s.haveLast = true
			s.lastHeader = hdr
			s.nextHandle++
			s.outstanding[s.nextHandle] = struct{}{}

			s.log.Debug("Capture", "Stream %d frame #%d %dx%d brightness=%.1f lux=%d zone=%d corrected=%v",
				s.id, hdr.FrameNumber, hdr.Width, hdr.Height,
				hdr.BrightnessAvg, hdr.BrightnessLux, hdr.BrightnessZone, hdr.CorrectionApplied)

			return &capture.Buffer{
				Frame: types.Frame{
					Data:        data,
					Timestamp:   hdr.Timestamp,
					SequenceNbr: uint32(hdr.FrameNumber),
					Format:      hdr.Format,
					Width:       hdr.Width,
					Height:      hdr.Height,
				},
				Handle: s.nextHandle,
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("stream %d: timeout waiting for %s frame", s.id, s.settings.Format)
		}
		time.Sleep(poll)
	}
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
	return nil
}

// Close implements capture.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring == nil {
		return nil
	}
	s.started = false
	err := s.ring.close()
	s.ring = nil
	return err
}
