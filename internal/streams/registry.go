// Package streams owns the open capture streams and their frame caches.
package streams

import (
	"sort"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/framecache"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
)

// Config configures a Registry.
type Config struct {
	MaxCachedFrames int
	Log             *logger.Logger
	Metrics         *metrics.Metrics
}

// StreamInfo is a snapshot of one open stream.
type StreamInfo struct {
	ID       uint32
	Settings types.StreamSettings
	Info     capture.Info
	Opened   time.Time
	Refs     []uint64
}

type stream struct {
	id       uint32
	settings types.StreamSettings
	info     capture.Info
	opened   time.Time
	session  capture.Session
	cache    *framecache.Cache

	// Held shared while capturing or reading cached frames, exclusively by close.
	mu     sync.RWMutex
	closed bool
}

// Registry maps stream ids to capture sessions.
type Registry struct {
	provider  capture.Provider
	maxFrames int
	log       *logger.Logger
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	streams map[uint32]*stream
}

// New creates a registry over provider.
func New(provider capture.Provider, cfg Config) *Registry {
	if cfg.MaxCachedFrames < 1 {
		cfg.MaxCachedFrames = framecache.MaxCachedFrames
	}
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Registry{
		provider:  provider,
		maxFrames: cfg.MaxCachedFrames,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		streams:   make(map[uint32]*stream),
	}
}

// OpenStream creates and starts a capture session and registers it with an
// empty frame cache.
func (r *Registry) OpenStream(settings types.StreamSettings) (uint32, error) {
	session, err := r.provider.NewSession(settings)
	if err != nil {
		r.metrics.CaptureErrors.Add(1)
		return 0, errdefs.Wrap(errdefs.ErrCapture, err, "failed to create stream")
	}

	info, err := session.Info()
	if err != nil {
		r.abandon(session)
		return 0, errdefs.Wrapf(errdefs.ErrCapture, err, "failed to query stream %d", session.ID())
	}
	if err := session.Start(); err != nil {
		r.abandon(session)
		return 0, errdefs.Wrapf(errdefs.ErrCapture, err, "failed to start stream %d", session.ID())
	}

	s := &stream{
		id:       session.ID(),
		settings: settings,
		info:     info,
		opened:   time.Now(),
		session:  session,
	}
	s.cache = framecache.New(r.maxFrames, func(buf *capture.Buffer, evicted bool) {
		if evicted {
			r.metrics.FramesEvicted.Add(1)
		}
		if err := session.ReleaseBuffer(buf); err != nil {
			r.log.Warn("Streams", "Stream %d: failed to release buffer: %v", s.id, err)
		}
	})

	r.mu.Lock()
	if old, ok := r.streams[s.id]; ok {
		r.mu.Unlock()
		r.abandon(session)
		return 0, errdefs.Kindf(errdefs.ErrCapture, "stream id %d already registered (opened %s)", old.id, old.opened.Format(time.RFC3339))
	}
	r.streams[s.id] = s
	r.mu.Unlock()

	r.metrics.StreamsOpen.Add(1)
	r.log.Info("Streams", "Opened stream %d: %s %dx%d @ %d fps", s.id, info.Format, info.Width, info.Height, info.Framerate)
	return s.id, nil
}

func (r *Registry) abandon(session capture.Session) {
	r.metrics.CaptureErrors.Add(1)
	if err := session.Close(); err != nil {
		r.log.Warn("Streams", "Failed to close stream %d after setup error: %v", session.ID(), err)
	}
}

// CloseStream stops the stream, releases its cached frames and unregisters
// it. In-flight captures and lookups on the stream finish first.
func (r *Registry) CloseStream(id uint32) error {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if !ok {
		return errdefs.UnknownStreamf("stream %d", id)
	}

	r.closeStream(s)
	r.log.Info("Streams", "Closed stream %d", id)
	return nil
}

func (r *Registry) closeStream(s *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cache.Close()
	if err := s.session.Close(); err != nil {
		r.log.Warn("Streams", "Stream %d: close failed: %v", s.id, err)
	}
	r.metrics.StreamsOpen.Add(-1)
}

// acquire returns the stream read-locked. The caller must RUnlock it.
func (r *Registry) acquire(id uint32) (*stream, error) {
	r.mu.RLock()
	s, ok := r.streams[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.UnknownStreamf("stream %d", id)
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errdefs.UnknownStreamf("stream %d", id)
	}
	return s, nil
}

// CaptureFrame pulls the next buffer from the stream, caches it and returns
// the frame with its reference. Frame data stays valid until fn returns;
// CaptureFrame hands it to fn under the stream lock so a concurrent close
// cannot release it mid-use.
func (r *Registry) CaptureFrame(id uint32, fn func(frame *types.Frame)) (uint64, error) {
	s, err := r.acquire(id)
	if err != nil {
		return 0, errdefs.Mark(err, errdefs.ErrCapture)
	}
	defer s.mu.RUnlock()

	buf, err := s.session.GetNextBuffer()
	if err != nil {
		r.metrics.CaptureErrors.Add(1)
		return 0, errdefs.Wrapf(errdefs.ErrCapture, err, "failed to get buffer from stream %d", id)
	}
	if fn != nil {
		fn(&buf.Frame)
	}
	ref := s.cache.Insert(buf)
	r.metrics.FramesCaptured.Add(1)
	r.log.Debug("Streams", "Stream %d: cached frame ref=%d seq=%d size=%d", id, ref, buf.SequenceNbr, buf.Size())
	return ref, nil
}

// LookupFrame hands a previously cached frame to fn without touching the
// capture session.
func (r *Registry) LookupFrame(id uint32, ref uint64, fn func(frame *types.Frame)) error {
	s, err := r.acquire(id)
	if err != nil {
		return err
	}
	defer s.mu.RUnlock()

	found := s.cache.View(ref, func(buf *capture.Buffer) {
		if fn != nil {
			fn(&buf.Frame)
		}
	})
	if !found {
		return errdefs.Kindf(errdefs.ErrNotFound, "stream %d: frame reference %d", id, ref)
	}
	return nil
}

// FreshFrame captures a frame that is copied out and released right away
// instead of cached.
func (r *Registry) FreshFrame(id uint32) (types.Frame, error) {
	s, err := r.acquire(id)
	if err != nil {
		return types.Frame{}, err
	}
	defer s.mu.RUnlock()

	buf, err := s.session.GetNextBuffer()
	if err != nil {
		r.metrics.CaptureErrors.Add(1)
		return types.Frame{}, errdefs.Wrapf(errdefs.ErrCapture, err, "failed to get buffer from stream %d", id)
	}
	frame := copyFrame(&buf.Frame)
	if err := s.session.ReleaseBuffer(buf); err != nil {
		r.log.Warn("Streams", "Stream %d: failed to release buffer: %v", id, err)
	}
	return frame, nil
}

// CachedFrame returns a copy of a cached frame.
func (r *Registry) CachedFrame(id uint32, ref uint64) (types.Frame, error) {
	var frame types.Frame
	err := r.LookupFrame(id, ref, func(f *types.Frame) { frame = copyFrame(f) })
	return frame, err
}

// LatestFrame returns a copy of the newest cached frame. ok is false when
// the stream has nothing cached.
func (r *Registry) LatestFrame(id uint32) (frame types.Frame, ok bool, err error) {
	s, err := r.acquire(id)
	if err != nil {
		return types.Frame{}, false, err
	}
	ref := s.cache.Latest()
	s.mu.RUnlock()
	if ref == 0 {
		return types.Frame{}, false, nil
	}
	frame, err = r.CachedFrame(id, ref)
	if errdefs.Is(err, errdefs.ErrNotFound) && !errdefs.Is(err, errdefs.ErrUnknownStream) {
		// Evicted between the two calls.
		return types.Frame{}, false, nil
	}
	return frame, err == nil, err
}

func copyFrame(f *types.Frame) types.Frame {
	out := *f
	out.Data = append([]byte(nil), f.Data...)
	return out
}

// Streams returns a snapshot of every open stream ordered by id.
func (r *Registry) Streams() []StreamInfo {
	r.mu.RLock()
	list := make([]*stream, 0, len(r.streams))
	for _, s := range r.streams {
		list = append(list, s)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	out := make([]StreamInfo, 0, len(list))
	for _, s := range list {
		out = append(out, StreamInfo{
			ID:       s.id,
			Settings: s.settings,
			Info:     s.info,
			Opened:   s.opened,
			Refs:     s.cache.Refs(),
		})
	}
	return out
}

// Len returns the number of open streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Close closes every open stream.
func (r *Registry) Close() {
	r.mu.Lock()
	list := make([]*stream, 0, len(r.streams))
	for id, s := range r.streams {
		list = append(list, s)
		delete(r.streams, id)
	}
	r.mu.Unlock()

	for _, s := range list {
		r.closeStream(s)
	}
	if len(list) > 0 {
		r.log.Info("Streams", "Closed %d stream(s)", len(list))
	}
}
