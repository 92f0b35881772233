package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// ModelSpec names the model a request targets.
type ModelSpec struct {
	Name          string
	SignatureName string
}

func (m *ModelSpec) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Name)
	b = appendString(b, 3, m.SignatureName)
	return b, nil
}

func (m *ModelSpec) UnmarshalWire(b []byte) error {
	*m = ModelSpec{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		var err error
		switch num {
		case 1:
			m.Name, n, err = consumeString(typ, b)
		case 3:
			m.SignatureName, n, err = consumeString(typ, b)
		}
		return n, err
	})
}

// Dim is one tensor dimension.
type Dim struct {
	Size int64
	Name string
}

func (d *Dim) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(d.Size))
	b = appendString(b, 2, d.Name)
	return b, nil
}

func (d *Dim) UnmarshalWire(b []byte) error {
	*d = Dim{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			d.Size = int64(v)
			return n, err
		case 2:
			var n int
			var err error
			d.Name, n, err = consumeString(typ, b)
			return n, err
		}
		return 0, nil
	})
}

// TensorShape is an ordered list of dimensions.
type TensorShape struct {
	Dims []Dim
}

// Sizes returns the dimension sizes.
func (s *TensorShape) Sizes() []int64 {
	out := make([]int64, len(s.Dims))
	for i, d := range s.Dims {
		out[i] = d.Size
	}
	return out
}

func (s *TensorShape) MarshalWire() ([]byte, error) {
	var b []byte
	for i := range s.Dims {
		var err error
		if b, err = appendMessage(b, 2, &s.Dims[i]); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (s *TensorShape) UnmarshalWire(b []byte) error {
	*s = TensorShape{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 2 {
			return 0, nil
		}
		var d Dim
		n, err := consumeMessage(typ, b, &d)
		if n > 0 && err == nil {
			s.Dims = append(s.Dims, d)
		}
		return n, err
	})
}

// Tensor is the TensorProto subset the gateway reads and writes.
type Tensor struct {
	DType         DataType
	Shape         TensorShape
	VersionNumber int32
	Content       []byte
	StringVal     [][]byte
}

func (t *Tensor) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(t.DType))
	if len(t.Shape.Dims) > 0 {
		var err error
		if b, err = appendMessage(b, 2, &t.Shape); err != nil {
			return nil, err
		}
	}
	b = appendVarint(b, 3, uint64(int64(t.VersionNumber)))
	b = appendBytes(b, 4, t.Content)
	for _, s := range t.StringVal {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	return b, nil
}

func (t *Tensor) UnmarshalWire(b []byte) error {
	*t = Tensor{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			t.DType = DataType(int32(v))
			return n, err
		case 2:
			return consumeMessage(typ, b, &t.Shape)
		case 3:
			v, n, err := consumeVarint(typ, b)
			t.VersionNumber = int32(v)
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			if n > 0 {
				t.Content = v
			}
			return n, err
		case 8:
			v, n, err := consumeBytes(typ, b)
			if n > 0 {
				t.StringVal = append(t.StringVal, v)
			}
			return n, err
		}
		return 0, nil
	})
}

// PredictRequest asks for one inference run.
type PredictRequest struct {
	ModelSpec    *ModelSpec
	Inputs       map[string]*Tensor
	OutputFilter []string
	// StreamID selects a capture stream as the image source. Zero means the
	// inputs carry their own data.
	StreamID uint32
}

func (r *PredictRequest) MarshalWire() ([]byte, error) {
	var b []byte
	var err error
	if r.ModelSpec != nil {
		if b, err = appendMessage(b, 1, r.ModelSpec); err != nil {
			return nil, err
		}
	}
	if b, err = appendTensorMap(b, 2, r.Inputs); err != nil {
		return nil, err
	}
	for _, s := range r.OutputFilter {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendVarint(b, 4, uint64(r.StreamID))
	return b, nil
}

func (r *PredictRequest) UnmarshalWire(b []byte) error {
	*r = PredictRequest{Inputs: make(map[string]*Tensor)}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			r.ModelSpec = &ModelSpec{}
			return consumeMessage(typ, b, r.ModelSpec)
		case 2:
			return consumeTensorMapEntry(typ, b, r.Inputs)
		case 3:
			s, n, err := consumeString(typ, b)
			if n > 0 {
				r.OutputFilter = append(r.OutputFilter, s)
			}
			return n, err
		case 4:
			v, n, err := consumeVarint(typ, b)
			r.StreamID = uint32(v)
			return n, err
		}
		return 0, nil
	})
}

// PredictResponse carries the output tensors of one inference run.
type PredictResponse struct {
	Outputs   map[string]*Tensor
	ModelSpec *ModelSpec
	// FrameReference identifies the captured frame used as input, for reuse
	// with GetFrame. Zero when the input did not come from a stream.
	FrameReference uint32
}

func (r *PredictResponse) MarshalWire() ([]byte, error) {
	b, err := appendTensorMap(nil, 1, r.Outputs)
	if err != nil {
		return nil, err
	}
	if r.ModelSpec != nil {
		if b, err = appendMessage(b, 2, r.ModelSpec); err != nil {
			return nil, err
		}
	}
	b = appendVarint(b, 3, uint64(r.FrameReference))
	return b, nil
}

func (r *PredictResponse) UnmarshalWire(b []byte) error {
	*r = PredictResponse{Outputs: make(map[string]*Tensor)}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeTensorMapEntry(typ, b, r.Outputs)
		case 2:
			r.ModelSpec = &ModelSpec{}
			return consumeMessage(typ, b, r.ModelSpec)
		case 3:
			v, n, err := consumeVarint(typ, b)
			r.FrameReference = uint32(v)
			return n, err
		}
		return 0, nil
	})
}
