package webmonitor

// HealthStatus is the payload for /health.
type HealthStatus struct {
	Status    string `json:"status"`
	Inference bool   `json:"inference"`
	Streams   int    `json:"streams"`
	Models    int    `json:"models"`
}

// ModelStatus describes one loaded model.
type ModelStatus struct {
	Path    string   `json:"path"`
	Name    string   `json:"name"`
	Chip    string   `json:"chip"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

// StreamStatus describes one open capture stream.
type StreamStatus struct {
	ID        uint32   `json:"id"`
	Format    string   `json:"format"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	Framerate int      `json:"framerate"`
	OpenedAt  float64  `json:"opened_at"`
	FrameRefs []uint64 `json:"frame_refs"`
}

// MonitorStats holds the gateway counters.
type MonitorStats struct {
	UptimeSeconds        float64 `json:"uptime_seconds"`
	FramesCaptured       uint64  `json:"frames_captured"`
	FramesEvicted        uint64  `json:"frames_evicted"`
	CaptureErrors        uint64  `json:"capture_errors"`
	CaptureFPS           float64 `json:"capture_fps"`
	InferenceRequests    uint64  `json:"inference_requests"`
	InferenceSucceeded   uint64  `json:"inference_succeeded"`
	PreprocessJobs       uint64  `json:"preprocess_jobs"`
	ActiveRequests       int64   `json:"active_requests"`
	InferenceLatencyMs   uint64  `json:"inference_latency_ms"`
	AcceleratorLatencyMs uint64  `json:"accelerator_latency_ms"`
}

// Status is the payload for /api/status and its SSE variant.
type Status struct {
	Monitor   MonitorStats   `json:"monitor"`
	Models    []ModelStatus  `json:"models"`
	Streams   []StreamStatus `json:"streams"`
	Timestamp float64        `json:"timestamp"`
}
