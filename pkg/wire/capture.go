package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// StreamSettings configures a new capture stream. Format takes the values of
// types.FrameFormat.
type StreamSettings struct {
	Format    uint32
	Width     uint32
	Height    uint32
	Framerate uint32
}

func (s *StreamSettings) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(s.Format))
	b = appendVarint(b, 2, uint64(s.Width))
	b = appendVarint(b, 3, uint64(s.Height))
	b = appendVarint(b, 4, uint64(s.Framerate))
	return b, nil
}

func (s *StreamSettings) UnmarshalWire(b []byte) error {
	*s = StreamSettings{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var dst *uint32
		switch num {
		case 1:
			dst = &s.Format
		case 2:
			dst = &s.Width
		case 3:
			dst = &s.Height
		case 4:
			dst = &s.Framerate
		default:
			return 0, nil
		}
		v, n, err := consumeVarint(typ, b)
		*dst = uint32(v)
		return n, err
	})
}

type NewStreamRequest struct {
	Settings *StreamSettings
}

func (r *NewStreamRequest) MarshalWire() ([]byte, error) {
	if r.Settings == nil {
		return nil, nil
	}
	return appendMessage(nil, 1, r.Settings)
}

func (r *NewStreamRequest) UnmarshalWire(b []byte) error {
	*r = NewStreamRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		r.Settings = &StreamSettings{}
		return consumeMessage(typ, b, r.Settings)
	})
}

type NewStreamResponse struct {
	StreamID uint32
}

func (r *NewStreamResponse) MarshalWire() ([]byte, error) {
	return appendVarint(nil, 1, uint64(r.StreamID)), nil
}

func (r *NewStreamResponse) UnmarshalWire(b []byte) error {
	*r = NewStreamResponse{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeVarint(typ, b)
		r.StreamID = uint32(v)
		return n, err
	})
}

type DeleteStreamRequest struct {
	StreamID uint32
}

func (r *DeleteStreamRequest) MarshalWire() ([]byte, error) {
	return appendVarint(nil, 1, uint64(r.StreamID)), nil
}

func (r *DeleteStreamRequest) UnmarshalWire(b []byte) error {
	*r = DeleteStreamRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeVarint(typ, b)
		r.StreamID = uint32(v)
		return n, err
	})
}

type DeleteStreamResponse struct{}

func (r *DeleteStreamResponse) MarshalWire() ([]byte, error) { return nil, nil }

func (r *DeleteStreamResponse) UnmarshalWire(b []byte) error {
	return walk(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

// GetFrameRequest asks for a frame. A nonzero FrameReference returns a frame
// cached by an earlier Predict call instead of capturing.
type GetFrameRequest struct {
	StreamID       uint32
	FrameReference uint32
}

func (r *GetFrameRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(r.StreamID))
	b = appendVarint(b, 2, uint64(r.FrameReference))
	return b, nil
}

func (r *GetFrameRequest) UnmarshalWire(b []byte) error {
	*r = GetFrameRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		v, n, err := consumeVarint(typ, b)
		switch num {
		case 1:
			r.StreamID = uint32(v)
		case 2:
			r.FrameReference = uint32(v)
		default:
			return 0, nil
		}
		return n, err
	})
}

// GetFrameResponse carries raw frame bytes. Timestamps are microseconds.
type GetFrameResponse struct {
	Data            []byte
	Size            uint64
	Timestamp       int64
	CustomTimestamp int64
	SequenceNbr     uint32
	Type            string
}

func (r *GetFrameResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, r.Data)
	b = appendVarint(b, 2, r.Size)
	b = appendVarint(b, 3, uint64(r.Timestamp))
	b = appendVarint(b, 4, uint64(r.CustomTimestamp))
	b = appendVarint(b, 5, uint64(r.SequenceNbr))
	b = appendString(b, 6, r.Type)
	return b, nil
}

func (r *GetFrameResponse) UnmarshalWire(b []byte) error {
	*r = GetFrameResponse{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if n > 0 {
				r.Data = v
			}
			return n, err
		case 6:
			s, n, err := consumeString(typ, b)
			r.Type = s
			return n, err
		}

		v, n, err := consumeVarint(typ, b)
		switch num {
		case 2:
			r.Size = v
		case 3:
			r.Timestamp = int64(v)
		case 4:
			r.CustomTimestamp = int64(v)
		case 5:
			r.SequenceNbr = uint32(v)
		default:
			return 0, nil
		}
		return n, err
	})
}

// KeyValueRequest looks up one parameter.
type KeyValueRequest struct {
	Key string
}

func (r *KeyValueRequest) MarshalWire() ([]byte, error) {
	return appendString(nil, 1, r.Key), nil
}

func (r *KeyValueRequest) UnmarshalWire(b []byte) error {
	*r = KeyValueRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		var n int
		var err error
		r.Key, n, err = consumeString(typ, b)
		return n, err
	})
}

// KeyValueResponse is the value for the requested key, empty when unknown.
type KeyValueResponse struct {
	Value string
}

func (r *KeyValueResponse) MarshalWire() ([]byte, error) {
	return appendString(nil, 1, r.Value), nil
}

func (r *KeyValueResponse) UnmarshalWire(b []byte) error {
	*r = KeyValueResponse{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		var n int
		var err error
		r.Value, n, err = consumeString(typ, b)
		return n, err
	})
}
