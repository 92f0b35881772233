package types

import "time"

// FrameFormat identifies the pixel/bitstream format of a captured frame.
// Values match the camera daemon's shared memory header.
type FrameFormat uint32

const (
	FormatJPEG FrameFormat = 0
	FormatNV12 FrameFormat = 1
	FormatRGB  FrameFormat = 2
	FormatH264 FrameFormat = 3
)

// String returns the frame type nick reported in frame responses.
func (f FrameFormat) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatNV12:
		return "nv12"
	case FormatRGB:
		return "rgb"
	case FormatH264:
		return "h264"
	default:
		return "unknown"
	}
}

// FrameSize returns the byte size of one raw frame, or 0 for compressed formats.
func (f FrameFormat) FrameSize(width, height int) int {
	switch f {
	case FormatNV12:
		return width*height + 2*((width+1)/2)*((height+1)/2)
	case FormatRGB:
		return width * height * 3
	default:
		return 0
	}
}

// StreamSettings configures a capture session.
type StreamSettings struct {
	Format    FrameFormat
	Width     int
	Height    int
	Framerate int
}

// Frame is one captured image with its capture metadata.
type Frame struct {
	Data            []byte        // Raw frame bytes
	Timestamp       time.Time     // Capture timestamp
	CustomTimestamp time.Duration // Producer-defined timestamp (monotonic offset)
	SequenceNbr     uint32        // Sequential frame number within the stream
	Format          FrameFormat
	Width           int
	Height          int
}

// Size returns the byte size of the frame data.
func (f *Frame) Size() int {
	return len(f.Data)
}
