package webmonitor

import (
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/inference"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/streams"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
)

// StreamSource is the view of the stream registry the monitor reads.
type StreamSource interface {
	Streams() []streams.StreamInfo
	LatestFrame(id uint32) (types.Frame, bool, error)
}

// ModelSource lists loaded models.
type ModelSource interface {
	Models() []inference.ModelInfo
}

// Monitor assembles status snapshots from the gateway's live state.
type Monitor struct {
	startTime time.Time
	streams   StreamSource
	models    ModelSource
	metrics   *metrics.Metrics

	mu         sync.Mutex
	lastFrames uint64
	lastSample time.Time
	captureFPS float64
}

// NewMonitor creates a Monitor. models may be nil when inference is disabled.
func NewMonitor(src StreamSource, models ModelSource, m *metrics.Metrics) *Monitor {
	now := time.Now()
	return &Monitor{
		startTime:  now,
		streams:    src,
		models:     models,
		metrics:    m,
		lastSample: now,
	}
}

// InferenceEnabled reports whether a model source is attached.
func (m *Monitor) InferenceEnabled() bool {
	return m.models != nil
}

// Snapshot returns the current status.
func (m *Monitor) Snapshot() Status {
	status := Status{
		Monitor:   m.stats(),
		Models:    []ModelStatus{},
		Streams:   []StreamStatus{},
		Timestamp: float64(time.Now().Unix()),
	}

	if m.models != nil {
		for _, mi := range m.models.Models() {
			ms := ModelStatus{Path: mi.Path, Name: mi.Name, Chip: mi.Chip.String()}
			for _, in := range mi.Inputs {
				ms.Inputs = append(ms.Inputs, in.Name)
			}
			for _, out := range mi.Outputs {
				ms.Outputs = append(ms.Outputs, out.Name)
			}
			status.Models = append(status.Models, ms)
		}
	}

	if m.streams != nil {
		for _, si := range m.streams.Streams() {
			refs := si.Refs
			if refs == nil {
				refs = []uint64{}
			}
			status.Streams = append(status.Streams, StreamStatus{
				ID:        si.ID,
				Format:    si.Info.Format.String(),
				Width:     si.Info.Width,
				Height:    si.Info.Height,
				Framerate: si.Info.Framerate,
				OpenedAt:  float64(si.Opened.Unix()),
				FrameRefs: refs,
			})
		}
	}
	return status
}

// stats reads the counters and updates the capture rate estimate.
func (m *Monitor) stats() MonitorStats {
	c := m.metrics
	captured := c.FramesCaptured.Load()

	m.mu.Lock()
	now := time.Now()
	if elapsed := now.Sub(m.lastSample).Seconds(); elapsed >= 0.5 {
		m.captureFPS = float64(captured-m.lastFrames) / elapsed
		m.lastFrames = captured
		m.lastSample = now
	}
	fps := m.captureFPS
	m.mu.Unlock()

	return MonitorStats{
		UptimeSeconds:        time.Since(m.startTime).Seconds(),
		FramesCaptured:       captured,
		FramesEvicted:        c.FramesEvicted.Load(),
		CaptureErrors:        c.CaptureErrors.Load(),
		CaptureFPS:           fps,
		InferenceRequests:    c.InferenceRequests.Load(),
		InferenceSucceeded:   c.InferenceSucceeded.Load(),
		PreprocessJobs:       c.PreprocessJobs.Load(),
		ActiveRequests:       c.ActiveRequests.Load(),
		InferenceLatencyMs:   c.InferenceLatencyMs.Load(),
		AcceleratorLatencyMs: c.AcceleratorLatencyMs.Load(),
	}
}
