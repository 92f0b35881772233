package webmonitor

import (
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/imageconv"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
)

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// blankJPEG renders color bars for streams with nothing cached yet.
func blankJPEG(width, height, quality int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}
	return imageconv.EncodeJPEG(imageconv.ColorBars(width, height), quality)
}

// frameJPEG encodes a frame as JPEG, scaled to width when width > 0.
// JPEG frames pass through unscaled.
func frameJPEG(frame *types.Frame, width, quality int) ([]byte, error) {
	if frame.Format == types.FormatJPEG && width <= 0 {
		return frame.Data, nil
	}
	img, err := imageconv.Decode(frame.Format, frame.Data, frame.Width, frame.Height)
	if err != nil {
		return nil, err
	}
	if width > 0 && width < img.Bounds().Dx() {
		img = scaleToWidth(img, width)
	}
	return imageconv.EncodeJPEG(img, quality)
}

func scaleToWidth(img image.Image, width int) image.Image {
	b := img.Bounds()
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	return imageconv.Scale(img, width, height)
}

type jpegProvider func() ([]byte, bool)

// streamMJPEG writes provider frames as multipart JPEG until the client
// goes away. Blank frames fill gaps.
func streamMJPEG(w http.ResponseWriter, r *http.Request, interval time.Duration, blank []byte, provider jpegProvider) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		frame := blank
		if data, ok := provider(); ok {
			frame = data
		}
		if err := writePart(w, frame); err != nil {
			logger.Debug("MJPEG", "Client %s went away: %v", r.RemoteAddr, err)
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

func writePart(w io.Writer, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
