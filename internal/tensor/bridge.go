// Package tensor converts between wire tensors and accelerator tensors.
package tensor

import (
	"io"
	"math"
	"math/bits"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/wire"
)

// Unsupported is returned by ToNativeType for wire types with no native
// counterpart. FromNativeType returns wire.DT_INVALID in the same case.
const Unsupported = accel.DataTypeInvalid

var toNative = map[wire.DataType]accel.DataType{
	wire.DT_VARIANT: accel.DataTypeUnspecified,
	wire.DT_BOOL:    accel.DataTypeBool,
	wire.DT_UINT8:   accel.DataTypeUint8,
	wire.DT_INT8:    accel.DataTypeInt8,
	wire.DT_UINT16:  accel.DataTypeUint16,
	wire.DT_INT16:   accel.DataTypeInt16,
	wire.DT_UINT32:  accel.DataTypeUint32,
	wire.DT_INT32:   accel.DataTypeInt32,
	wire.DT_UINT64:  accel.DataTypeUint64,
	wire.DT_INT64:   accel.DataTypeInt64,
	wire.DT_FLOAT:   accel.DataTypeFloat32,
}

var fromNative = map[accel.DataType]wire.DataType{
	accel.DataTypeUnspecified: wire.DT_VARIANT,
	accel.DataTypeBool:        wire.DT_BOOL,
	accel.DataTypeUint8:       wire.DT_UINT8,
	accel.DataTypeInt8:        wire.DT_INT8,
	accel.DataTypeUint16:      wire.DT_UINT16,
	accel.DataTypeInt16:       wire.DT_INT16,
	accel.DataTypeUint32:      wire.DT_UINT32,
	accel.DataTypeInt32:       wire.DT_INT32,
	accel.DataTypeUint64:      wire.DT_UINT64,
	accel.DataTypeInt64:       wire.DT_INT64,
	accel.DataTypeFloat32:     wire.DT_FLOAT,
}

// ToNativeType maps a wire datatype to the accelerator's. Callers must check
// for Unsupported.
func ToNativeType(dt wire.DataType) accel.DataType {
	if n, ok := toNative[dt]; ok {
		return n
	}
	return Unsupported
}

// FromNativeType maps an accelerator datatype to the wire's. Float16 and
// float64 have no wire counterpart yet and map to DT_INVALID.
func FromNativeType(dt accel.DataType) wire.DataType {
	if w, ok := fromNative[dt]; ok {
		return w
	}
	return wire.DT_INVALID
}

// ByteWidth is the size of one element, 0 for unsupported types.
func ByteWidth(dt accel.DataType) int {
	switch dt {
	case accel.DataTypeBool, accel.DataTypeInt8, accel.DataTypeUint8, accel.DataTypeUnspecified:
		return 1
	case accel.DataTypeFloat16, accel.DataTypeInt16, accel.DataTypeUint16:
		return 2
	case accel.DataTypeFloat32, accel.DataTypeInt32, accel.DataTypeUint32:
		return 4
	case accel.DataTypeFloat64, accel.DataTypeInt64, accel.DataTypeUint64:
		return 8
	}
	return 0
}

// ByteSize is the buffer size of a tensor: element width times the product
// of all dimensions. A 420SP tensor declares [N, H, W] and holds N NV12
// images.
func ByteSize(spec accel.TensorSpec) int64 {
	width := int64(ByteWidth(spec.DataType))
	if spec.Layout == accel.Layout420SP && len(spec.Dims) == 3 {
		w, h := int64(spec.Dims[2]), int64(spec.Dims[1])
		return width * int64(spec.Dims[0]) * (w*h + 2*((w+1)/2)*((h+1)/2))
	}
	size := width
	for _, d := range spec.Dims {
		size *= int64(d)
	}
	return size
}

// Elements returns the product of dims. Every dimension must be positive
// and the product must fit in an int64.
func Elements(dims []int) (int64, error) {
	n := uint64(1)
	for i, d := range dims {
		if d <= 0 {
			return 0, errdefs.Kindf(errdefs.ErrInvalidArgument, "dimension %d of %v is %d", i, dims, d)
		}
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 || lo > math.MaxInt64 {
			return 0, errdefs.Kindf(errdefs.ErrInvalidArgument, "shape %v is too large", dims)
		}
		n = lo
	}
	return int64(n), nil
}

// CheckedByteSize is ByteSize for untrusted shapes: it rejects non-positive
// dimensions and sizes that overflow.
func CheckedByteSize(spec accel.TensorSpec) (int64, error) {
	elems, err := Elements(spec.Dims)
	if err != nil {
		return 0, err
	}
	width := uint64(ByteWidth(spec.DataType))
	if spec.Layout == accel.Layout420SP && len(spec.Dims) == 3 {
		// Upper bound of NV12 bytes per pixel, odd sizes included.
		width *= 3
	}
	hi, lo := bits.Mul64(uint64(elems), width)
	if hi != 0 || lo > math.MaxInt64 {
		return 0, errdefs.Kindf(errdefs.ErrInvalidArgument, "shape %v is too large", spec.Dims)
	}
	return ByteSize(spec), nil
}

// Pitches returns the byte stride of each dimension for a dense row-major
// tensor.
func Pitches(spec accel.TensorSpec) []int {
	pitches := make([]int, len(spec.Dims))
	if len(pitches) == 0 {
		return pitches
	}
	if spec.Layout == accel.Layout420SP && len(spec.Dims) == 3 {
		per := int(ByteSize(accel.TensorSpec{DataType: spec.DataType, Layout: spec.Layout, Dims: []int{1, spec.Dims[1], spec.Dims[2]}}))
		pitches[0] = per * spec.Dims[0]
		pitches[1] = per
		pitches[2] = ByteWidth(spec.DataType) * spec.Dims[2]
		return pitches
	}
	stride := ByteWidth(spec.DataType)
	for i := len(spec.Dims) - 1; i >= 0; i-- {
		stride *= spec.Dims[i]
		pitches[i] = stride
	}
	return pitches
}

// Dims converts wire dimensions to native ones.
func Dims(shape *wire.TensorShape) []int {
	dims := make([]int, len(shape.Dims))
	for i, d := range shape.Dims {
		dims[i] = int(d.Size)
	}
	return dims
}

// SerializeOutput reads a tensor's backing file into a wire tensor.
func SerializeOutput(t *accel.Tensor) (*wire.Tensor, error) {
	size := ByteSize(t.TensorSpec)
	out := &wire.Tensor{
		DType: FromNativeType(t.DataType),
	}
	for _, d := range t.Dims {
		out.Shape.Dims = append(out.Shape.Dims, wire.Dim{Size: int64(d), Name: "size"})
	}

	f := t.File()
	if f == nil {
		return nil, errdefs.Kindf(errdefs.ErrIO, "output tensor %q has no backing file", t.Name)
	}
	out.Content = make([]byte, size)
	n, err := f.ReadAt(out.Content, 0)
	if int64(n) < size {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errdefs.Wrapf(errdefs.ErrIO, err, "output tensor %q: read %d of %d bytes", t.Name, n, size)
	}
	return out, nil
}

// DeserializeInput writes the inline content of a wire tensor to w at offset
// 0 and returns its native descriptor. When a shape is given the content
// must fill it exactly.
func DeserializeInput(name string, in *wire.Tensor, w io.WriterAt) (accel.TensorSpec, error) {
	spec := accel.TensorSpec{
		Name:     name,
		DataType: ToNativeType(in.DType),
		Layout:   accel.LayoutNHWC,
		Dims:     Dims(&in.Shape),
	}
	if spec.DataType == Unsupported {
		return spec, errdefs.Kindf(errdefs.ErrInvalidArgument, "input %q: unsupported datatype %s", name, in.DType)
	}
	if len(spec.Dims) > 0 {
		want, err := CheckedByteSize(spec)
		if err != nil {
			return spec, errdefs.Wrapf(errdefs.ErrInvalidArgument, err, "input %q", name)
		}
		if want != int64(len(in.Content)) {
			return spec, errdefs.Kindf(errdefs.ErrInvalidArgument,
				"input %q: content is %d bytes, shape %v needs %d", name, len(in.Content), spec.Dims, want)
		}
	}
	if _, err := w.WriteAt(in.Content, 0); err != nil {
		return spec, errdefs.Wrapf(errdefs.ErrIO, err, "input %q: write backing file", name)
	}
	return spec, nil
}
