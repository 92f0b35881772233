// Package webmonitor serves the gateway's HTTP status surface: health,
// Prometheus metrics, a JSON status API and JPEG previews of the frames
// cached per stream.
package webmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/metrics"
)

// Server serves the monitor endpoints.
type Server struct {
	cfg     Config
	monitor *Monitor
	streams StreamSource
	metrics *metrics.Metrics
	http    *http.Server
}

// NewServer returns a configured monitor server. models may be nil when
// inference is disabled.
func NewServer(cfg Config, src StreamSource, models ModelSource, m *metrics.Metrics) *Server {
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.MJPEGInterval <= 0 {
		cfg.MJPEGInterval = def.MJPEGInterval
	}
	if cfg.SnapshotQuality <= 0 || cfg.SnapshotQuality > 100 {
		cfg.SnapshotQuality = def.SnapshotQuality
	}
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:     cfg,
		monitor: NewMonitor(src, models, m),
		streams: src,
		metrics: m,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /api/streams/{id}/snapshot.jpg", s.handleSnapshot)
	mux.HandleFunc("GET /api/streams/{id}/mjpeg", s.handleMJPEG)
	return mux
}

// ListenAndServe serves on cfg.Addr until Shutdown.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("WebMonitor", "Listening on %s", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web monitor: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, waiting for handlers until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Snapshot()
	writeJSON(w, HealthStatus{
		Status:    "ok",
		Inference: s.monitor.InferenceEnabled(),
		Streams:   len(status.Streams),
		Models:    len(status.Models),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitor.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.monitor.Snapshot()); err != nil {
			logger.Debug("SSE", "Client disconnected during status write: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// streamID parses the {id} path segment, answering 400 when malformed.
func streamID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil || id == 0 {
		writeJSONWithStatus(w, map[string]any{"error": "invalid stream id"}, http.StatusBadRequest)
		return 0, false
	}
	return uint32(id), true
}

// latestJPEG encodes the newest cached frame of a stream. ok is false when
// nothing is cached.
func (s *Server) latestJPEG(id uint32, width int) (data []byte, ok bool, err error) {
	frame, ok, err := s.streams.LatestFrame(id)
	if err != nil || !ok {
		return nil, false, err
	}
	data, err = frameJPEG(&frame, width, s.cfg.SnapshotQuality)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(w, r)
	if !ok {
		return
	}
	width := s.cfg.SnapshotWidth
	if q := r.URL.Query().Get("width"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			writeJSONWithStatus(w, map[string]any{"error": "invalid width"}, http.StatusBadRequest)
			return
		}
		width = v
	}

	data, ok, err := s.latestJPEG(id, width)
	switch {
	case errdefs.Is(err, errdefs.ErrUnknownStream):
		writeJSONWithStatus(w, map[string]any{"error": "stream not found"}, http.StatusNotFound)
		return
	case err != nil:
		logger.Warn("WebMonitor", "Snapshot of stream %d failed: %v", id, err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	case !ok:
		if data, err = blankJPEG(width, width*3/4, s.cfg.SnapshotQuality); err != nil {
			http.Error(w, "Failed to render frame", http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Frame-Placeholder", "true")
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(w, r)
	if !ok {
		return
	}
	if _, _, err := s.streams.LatestFrame(id); errdefs.Is(err, errdefs.ErrUnknownStream) {
		writeJSONWithStatus(w, map[string]any{"error": "stream not found"}, http.StatusNotFound)
		return
	}
	blank, err := blankJPEG(s.cfg.SnapshotWidth, s.cfg.SnapshotWidth*3/4, s.cfg.SnapshotQuality)
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	streamMJPEG(w, r, s.cfg.MJPEGInterval, blank, func() ([]byte, bool) {
		data, ok, err := s.latestJPEG(id, s.cfg.SnapshotWidth)
		if err != nil {
			logger.Debug("MJPEG", "Stream %d: %v", id, err)
		}
		return data, ok
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
