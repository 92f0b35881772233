// Package framecache holds the most recent captured frames of one stream so a
// later request can reuse a frame by reference instead of capturing again.
package framecache

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/capture"
)

// MaxCachedFrames is the default bound on frames retained per stream.
const MaxCachedFrames = 3

// ReleaseFunc returns a buffer to its capture session. evicted is true when
// the buffer made room for a newer frame, false when the cache was closed.
type ReleaseFunc func(buf *capture.Buffer, evicted bool)

type entry struct {
	ref uint64
	buf *capture.Buffer
}

// Cache is a bounded FIFO of captured buffers keyed by a monotonically
// increasing reference. It owns every buffer inserted into it.
type Cache struct {
	max     int
	release ReleaseFunc

	mu      sync.Mutex
	frames  *deque.Deque[entry]
	lastRef uint64
	evicted uint64
	closed  bool
}

// New creates a cache retaining at most max frames. release is called for
// every buffer leaving the cache, whether evicted or dropped on Close.
func New(max int, release ReleaseFunc) *Cache {
	if max < 1 {
		max = MaxCachedFrames
	}
	if release == nil {
		release = func(*capture.Buffer, bool) {}
	}
	return &Cache{
		max:     max,
		release: release,
		frames:  deque.New[entry](max),
	}
}

// Insert takes ownership of buf and returns its reference. The oldest frame
// is evicted first when the cache is full. After Close the buffer is
// released immediately and 0 is returned.
func (c *Cache) Insert(buf *capture.Buffer) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.release(buf, false)
		return 0
	}

	for c.frames.Len() >= c.max {
		old := c.frames.PopFront()
		c.evicted++
		c.release(old.buf, true)
	}

	// Entries only leave from the front, so lastRef is also the back's ref.
	c.lastRef++
	c.frames.PushBack(entry{ref: c.lastRef, buf: buf})
	return c.lastRef
}

// FindByRef returns a copy of the cached buffer for ref. The copy owns its
// data and stays valid after the frame is evicted. Use View to read a frame
// without copying.
func (c *Cache) FindByRef(ref uint64) (capture.Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < c.frames.Len(); i++ {
		if e := c.frames.At(i); e.ref == ref {
			cp := *e.buf
			cp.Data = append([]byte(nil), e.buf.Data...)
			return cp, true
		}
	}
	return capture.Buffer{}, false
}

// View calls fn with the cached buffer for ref while holding the cache lock,
// so the buffer cannot be evicted while fn runs.
func (c *Cache) View(ref uint64, fn func(buf *capture.Buffer)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < c.frames.Len(); i++ {
		if e := c.frames.At(i); e.ref == ref {
			fn(e.buf)
			return true
		}
	}
	return false
}

// Latest returns the newest reference, or 0 when the cache is empty.
func (c *Cache) Latest() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frames.Len() == 0 {
		return 0
	}
	return c.frames.Back().ref
}

// Refs lists the cached references, oldest first.
func (c *Cache) Refs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := make([]uint64, 0, c.frames.Len())
	for i := 0; i < c.frames.Len(); i++ {
		refs = append(refs, c.frames.At(i).ref)
	}
	return refs
}

// Len returns the number of cached frames.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames.Len()
}

// Evicted returns how many frames were released by eviction.
func (c *Cache) Evicted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// Close releases every cached buffer. Further inserts release their buffer
// right away.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for c.frames.Len() > 0 {
		c.release(c.frames.PopFront().buf, false)
	}
}
