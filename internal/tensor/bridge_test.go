package tensor

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/wire"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "tensor"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestTypeMapping(t *testing.T) {
	supported := []wire.DataType{
		wire.DT_BOOL, wire.DT_UINT8, wire.DT_INT8, wire.DT_UINT16, wire.DT_INT16,
		wire.DT_UINT32, wire.DT_INT32, wire.DT_UINT64, wire.DT_INT64, wire.DT_FLOAT, wire.DT_VARIANT,
	}
	for _, dt := range supported {
		native := ToNativeType(dt)
		assert.NotEqual(t, Unsupported, native, dt.String())
		assert.Equal(t, dt, FromNativeType(native), dt.String())
	}

	for _, dt := range []wire.DataType{wire.DT_INVALID, wire.DT_DOUBLE, wire.DT_HALF, wire.DT_STRING} {
		assert.Equal(t, Unsupported, ToNativeType(dt), dt.String())
	}
	for _, dt := range []accel.DataType{accel.DataTypeFloat16, accel.DataTypeFloat64, accel.DataTypeInvalid} {
		assert.Equal(t, wire.DT_INVALID, FromNativeType(dt), dt.String())
	}
	assert.Equal(t, accel.DataTypeUnspecified, ToNativeType(wire.DT_VARIANT))
}

func TestByteWidth(t *testing.T) {
	want := map[accel.DataType]int{
		accel.DataTypeBool: 1, accel.DataTypeInt8: 1, accel.DataTypeUint8: 1, accel.DataTypeUnspecified: 1,
		accel.DataTypeFloat16: 2, accel.DataTypeInt16: 2, accel.DataTypeUint16: 2,
		accel.DataTypeFloat32: 4, accel.DataTypeInt32: 4, accel.DataTypeUint32: 4,
		accel.DataTypeFloat64: 8, accel.DataTypeInt64: 8, accel.DataTypeUint64: 8,
		accel.DataTypeInvalid: 0,
	}
	for dt, w := range want {
		assert.Equal(t, w, ByteWidth(dt), dt.String())
	}
}

func TestByteSizeAndPitches(t *testing.T) {
	rgb := accel.TensorSpec{DataType: accel.DataTypeUint8, Layout: accel.LayoutNHWC, Dims: []int{1, 2, 2, 3}}
	assert.Equal(t, int64(12), ByteSize(rgb))
	assert.Equal(t, []int{12, 12, 6, 3}, Pitches(rgb))

	scores := accel.TensorSpec{DataType: accel.DataTypeFloat32, Dims: []int{1, 5}}
	assert.Equal(t, int64(20), ByteSize(scores))
	assert.Equal(t, []int{20, 20}, Pitches(scores))

	nv12 := accel.TensorSpec{DataType: accel.DataTypeUint8, Layout: accel.Layout420SP, Dims: []int{1, 3, 5}}
	assert.Equal(t, int64(15+2*3*2), ByteSize(nv12))
	assert.Equal(t, []int{27, 27, 5}, Pitches(nv12))

	assert.Empty(t, Pitches(accel.TensorSpec{DataType: accel.DataTypeUint8}))
}

func TestFloatRoundTrip(t *testing.T) {
	content := make([]byte, 12*4)
	for i := 0; i < 12; i++ {
		binary.LittleEndian.PutUint32(content[i*4:], math.Float32bits(float32(i)*0.5))
	}
	in := &wire.Tensor{
		DType:   wire.DT_FLOAT,
		Shape:   wire.TensorShape{Dims: []wire.Dim{{Size: 1}, {Size: 2}, {Size: 2}, {Size: 3}}},
		Content: content,
	}

	f := tempFile(t)
	spec, err := DeserializeInput("image", in, f)
	require.NoError(t, err)
	assert.Equal(t, accel.DataTypeFloat32, spec.DataType)
	assert.Equal(t, []int{1, 2, 2, 3}, spec.Dims)

	native := &accel.Tensor{TensorSpec: spec, Pitches: Pitches(spec)}
	native.SetFile(f)
	out, err := SerializeOutput(native)
	require.NoError(t, err)

	assert.Equal(t, wire.DT_FLOAT, out.DType)
	assert.Equal(t, content, out.Content)
	assert.Equal(t, []int64{1, 2, 2, 3}, out.Shape.Sizes())
	assert.Equal(t, "size", out.Shape.Dims[0].Name)
	assert.Zero(t, out.VersionNumber)
}

func TestSerializeShortRead(t *testing.T) {
	f := tempFile(t)
	_, err := f.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	native := &accel.Tensor{TensorSpec: accel.TensorSpec{Name: "scores", DataType: accel.DataTypeFloat32, Dims: []int{1, 2}}}
	native.SetFile(f)
	_, err = SerializeOutput(native)
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrIO))

	native.SetFile(nil)
	_, err = SerializeOutput(native)
	assert.True(t, errdefs.Is(err, errdefs.ErrIO))
}

func TestDeserializeRejects(t *testing.T) {
	f := tempFile(t)

	_, err := DeserializeInput("x", &wire.Tensor{DType: wire.DT_DOUBLE, Content: []byte{1}}, f)
	assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument))

	_, err = DeserializeInput("x", &wire.Tensor{
		DType:   wire.DT_UINT8,
		Shape:   wire.TensorShape{Dims: []wire.Dim{{Size: 1}, {Size: 4}}},
		Content: []byte{1, 2, 3},
	}, f)
	assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument))

	// Without a shape any length is accepted.
	spec, err := DeserializeInput("x", &wire.Tensor{DType: wire.DT_UINT8, Content: []byte{1, 2, 3}}, f)
	require.NoError(t, err)
	assert.Empty(t, spec.Dims)
}

func shape(sizes ...int64) wire.TensorShape {
	var s wire.TensorShape
	for _, n := range sizes {
		s.Dims = append(s.Dims, wire.Dim{Size: n})
	}
	return s
}

func TestElements(t *testing.T) {
	n, err := Elements([]int{1, 4, 4, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(48), n)

	n, err = Elements(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for _, dims := range [][]int{
		{1, 4, 4, 0},
		{1, -2, 4, 3},
		{1, 1 << 31, 1 << 31, 1 << 31},
		{math.MaxInt64, 2},
	} {
		_, err := Elements(dims)
		assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument), "%v", dims)
	}

	_, err = CheckedByteSize(accel.TensorSpec{DataType: accel.DataTypeInt64, Dims: []int{1 << 31, 1 << 31}})
	assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument))

	size, err := CheckedByteSize(accel.TensorSpec{DataType: accel.DataTypeUint8, Layout: accel.Layout420SP, Dims: []int{1, 3, 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(9+2*2*2), size)
}

func TestDeserializeRejectsDegenerateShapes(t *testing.T) {
	f := tempFile(t)
	for _, s := range []wire.TensorShape{
		shape(1, 1<<31, 1<<31, 0),
		shape(1, 0, 4, 3),
		shape(1, -1, -1, 3),
		shape(1, 1<<31, 1<<31, 1<<31),
	} {
		_, err := DeserializeInput("image", &wire.Tensor{DType: wire.DT_UINT8, Shape: s}, f)
		assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument), "%v", s.Sizes())
	}
	info, err := f.Stat()
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}
