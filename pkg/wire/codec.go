package wire

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec is a gRPC codec for the messages in this package. Generated protobuf
// messages, such as the health service's, go through proto.Marshal.
// Install it with grpc.ForceServerCodec and grpc.ForceCodec.
type Codec struct{}

// Name reports "proto" so peers see the standard content subtype.
func (Codec) Name() string { return "proto" }

func (Codec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case Message:
		return m.MarshalWire()
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("wire: cannot marshal %T", v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case Message:
		return m.UnmarshalWire(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("wire: cannot unmarshal into %T", v)
}
