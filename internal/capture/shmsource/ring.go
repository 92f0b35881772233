package shmsource

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
)

// Byte offsets of the camera daemon's shared memory structures (64-bit Linux).
//
//	SharedFrameBuffer { uint32 write_index; uint32 frame_interval_ms; uint8 sem[32]; Frame frames[N] }
//	Frame { uint64 frame_number; timespec ts; int camera_id, width, height, format;
//	        size_t data_size; float brightness_avg; uint32 lux; uint8 zone, corrected, _[2]; uint8 data[MAX] }
const (
	offWriteIndex    = 0
	offFrameInterval = 4
	ringHeaderSize   = 40

	offFrameNumber    = 0
	offTimestampSec   = 8
	offTimestampNsec  = 16
	offCameraID       = 24
	offWidth          = 28
	offHeight         = 32
	offFormat         = 36
	offDataSize       = 40
	offBrightnessAvg  = 48
	offBrightnessLux  = 52
	offBrightnessZone = 56
	offCorrection     = 57
	frameHeaderSize   = 60
)

// Layout describes the ring geometry. It must match the producer build.
type Layout struct {
	RingSize     int
	MaxFrameSize int
}

// DefaultLayout matches the camera daemon: 30 slots of 1080p NV12.
func DefaultLayout() Layout {
	return Layout{RingSize: 30, MaxFrameSize: 1920 * 1080 * 3 / 2}
}

// FrameStride is the padded size of one Frame slot.
func (l Layout) FrameStride() int {
	return (frameHeaderSize + l.MaxFrameSize + 7) &^ 7
}

// Size is the total mapping size.
func (l Layout) Size() int {
	return ringHeaderSize + l.RingSize*l.FrameStride()
}

func (l Layout) slotOffset(index int) int {
	return ringHeaderSize + index*l.FrameStride()
}

// slotHeader is the metadata of one ring slot.
type slotHeader struct {
	FrameNumber       uint64
	Timestamp         time.Time
	CameraID          int
	Width             int
	Height            int
	Format            types.FrameFormat
	DataSize          int
	BrightnessAvg     float32
	BrightnessLux     uint32
	BrightnessZone    uint8
	CorrectionApplied bool
}

// ring is a read-only mapping of the producer's SharedFrameBuffer.
type ring struct {
	mem    []byte
	layout Layout
}

func openRing(path string, layout Layout) (*ring, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < int64(layout.Size()) {
		return nil, fmt.Errorf("shared memory %s is %d bytes, layout needs %d", path, info.Size(), layout.Size())
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, layout.Size(), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &ring{mem: mem, layout: layout}, nil
}

func (r *ring) close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

func (r *ring) writeIndex() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[offWriteIndex])))
}

func (r *ring) frameInterval() time.Duration {
	ms := atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[offFrameInterval])))
	return time.Duration(ms) * time.Millisecond
}

func (r *ring) header(index int) slotHeader {
	b := r.mem[r.layout.slotOffset(index):]
	ne := binary.NativeEndian
	return slotHeader{
		FrameNumber:       ne.Uint64(b[offFrameNumber:]),
		Timestamp:         time.Unix(int64(ne.Uint64(b[offTimestampSec:])), int64(ne.Uint64(b[offTimestampNsec:]))),
		CameraID:          int(int32(ne.Uint32(b[offCameraID:]))),
		Width:             int(int32(ne.Uint32(b[offWidth:]))),
		Height:            int(int32(ne.Uint32(b[offHeight:]))),
		Format:            types.FrameFormat(ne.Uint32(b[offFormat:])),
		DataSize:          int(ne.Uint64(b[offDataSize:])),
		BrightnessAvg:     math.Float32frombits(ne.Uint32(b[offBrightnessAvg:])),
		BrightnessLux:     ne.Uint32(b[offBrightnessLux:]),
		BrightnessZone:    b[offBrightnessZone],
		CorrectionApplied: b[offCorrection] != 0,
	}
}

// readLatest copies the newest slot. ok is false when nothing was written yet,
// or the slot was overwritten while copying.
func (r *ring) readLatest() (hdr slotHeader, data []byte, ok bool, err error) {
	writeIndex := r.writeIndex()
	if writeIndex == 0 {
		return slotHeader{}, nil, false, nil
	}
	index := int((writeIndex - 1) % uint32(r.layout.RingSize))

	hdr = r.header(index)
	if hdr.DataSize < 0 || hdr.DataSize > r.layout.MaxFrameSize {
		return hdr, nil, false, fmt.Errorf("slot %d: data size %d exceeds %d", index, hdr.DataSize, r.layout.MaxFrameSize)
	}

	start := r.layout.slotOffset(index) + frameHeaderSize
	data = make([]byte, hdr.DataSize)
	copy(data, r.mem[start:start+hdr.DataSize])

	// Torn read: the producer reused the slot during the copy.
	if r.header(index).FrameNumber != hdr.FrameNumber {
		return hdr, nil, false, nil
	}
	return hdr, data, true, nil
}
