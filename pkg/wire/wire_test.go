package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestPredictRequestRoundTrip(t *testing.T) {
	req := &PredictRequest{
		ModelSpec: &ModelSpec{Name: "/models/mobilenet.yaml", SignatureName: "serving_default"},
		Inputs: map[string]*Tensor{
			"image": {
				DType: DT_UINT8,
				Shape: TensorShape{Dims: []Dim{{Size: 1}, {Size: 2}, {Size: 2}, {Size: 3}}},
				Content: []byte{
					1, 2, 3, 4, 5, 6,
					7, 8, 9, 10, 11, 12,
				},
			},
			"shm": {DType: DT_STRING, StringVal: [][]byte{[]byte("/frame0")}},
		},
		OutputFilter: []string{"scores"},
		StreamID:     7,
	}

	b, err := req.MarshalWire()
	require.NoError(t, err)

	var got PredictRequest
	require.NoError(t, got.UnmarshalWire(b))
	assert.Equal(t, req, &got)

	// Map entries are written in key order.
	b2, err := req.MarshalWire()
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestDecodeHandBuiltTensor(t *testing.T) {
	var dim []byte
	dim = protowire.AppendTag(dim, 1, protowire.VarintType)
	dim = protowire.AppendVarint(dim, 224)
	var shape []byte
	shape = protowire.AppendTag(shape, 2, protowire.BytesType)
	shape = protowire.AppendBytes(shape, dim)

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(DT_FLOAT))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)
	// Unknown fields: float_val (5, packed) and a fixed32.
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{0, 0, 128, 63})
	b = protowire.AppendTag(b, 99, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 1)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{9, 9})

	var tensor Tensor
	require.NoError(t, tensor.UnmarshalWire(b))
	assert.Equal(t, DT_FLOAT, tensor.DType)
	assert.Equal(t, []int64{224}, tensor.Shape.Sizes())
	assert.Equal(t, []byte{9, 9}, tensor.Content)
}

func TestContentIsCopied(t *testing.T) {
	in := &Tensor{DType: DT_UINT8, Content: []byte{1, 2, 3}}
	b, err := in.MarshalWire()
	require.NoError(t, err)

	var out Tensor
	require.NoError(t, out.UnmarshalWire(b))
	for i := range b {
		b[i] = 0
	}
	assert.Equal(t, []byte{1, 2, 3}, out.Content)
}

func TestTruncatedInput(t *testing.T) {
	resp := &GetFrameResponse{Data: []byte("frame"), Size: 5, Type: "nv12"}
	b, err := resp.MarshalWire()
	require.NoError(t, err)

	var got GetFrameResponse
	assert.Error(t, got.UnmarshalWire(b[:len(b)-2]))
}

func TestNegativeVersionNumber(t *testing.T) {
	in := &Tensor{DType: DT_INT8, VersionNumber: -1}
	b, err := in.MarshalWire()
	require.NoError(t, err)
	var out Tensor
	require.NoError(t, out.UnmarshalWire(b))
	assert.Equal(t, int32(-1), out.VersionNumber)
}

func TestCodec(t *testing.T) {
	c := Codec{}
	assert.Equal(t, "proto", c.Name())

	b, err := c.Marshal(&GetFrameRequest{StreamID: 3, FrameReference: 2})
	require.NoError(t, err)
	var req GetFrameRequest
	require.NoError(t, c.Unmarshal(b, &req))
	assert.Equal(t, GetFrameRequest{StreamID: 3, FrameReference: 2}, req)

	// Generated messages fall back to the protobuf runtime.
	b, err = c.Marshal(wrapperspb.String("hello"))
	require.NoError(t, err)
	var s wrapperspb.StringValue
	require.NoError(t, c.Unmarshal(b, &s))
	assert.Equal(t, "hello", s.GetValue())

	// Both encodings agree on the wire.
	var kv KeyValueResponse
	require.NoError(t, c.Unmarshal(b, &kv))
	assert.Equal(t, "hello", kv.Value)

	_, err = c.Marshal(42)
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(nil, new(int)))
}

func TestDataTypeString(t *testing.T) {
	assert.Equal(t, "DT_FLOAT", DT_FLOAT.String())
	assert.Equal(t, "DataType(8)", DataType(8).String())
}
