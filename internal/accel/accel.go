// Package accel defines the boundary to the inference accelerator: chips,
// loaded models, file-backed tensors, parameter maps and jobs.
//
// Every object handed out by a Connection has an explicit owner. Models are
// released with DeleteModel, tensor arrays with DestroyTensors and jobs with
// DestroyJob. Backing files set on tensors stay owned by the caller.
package accel

import (
	"fmt"
	"os"
	"strings"
)

// Chip identifies an accelerator backend.
type Chip int

// Chip ids as numbered by the device runtime.
const (
	ChipInvalid    Chip = 0
	ChipDebug      Chip = 1
	ChipTFLiteCPU  Chip = 2
	ChipTPU        Chip = 4
	ChipCVFlowNN   Chip = 6
	ChipGLGPU      Chip = 8
	ChipCVFlowProc Chip = 9
	ChipLibYUV     Chip = 11
	ChipDLPU       Chip = 12
)

func (c Chip) String() string {
	switch c {
	case ChipDebug:
		return "Debug"
	case ChipTFLiteCPU:
		return "TFLite CPU"
	case ChipTPU:
		return "Google TPU"
	case ChipCVFlowNN:
		return "CV Flow NN"
	case ChipGLGPU:
		return "OpenGL GPU"
	case ChipCVFlowProc:
		return "CV Flow Proc"
	case ChipLibYUV:
		return "libyuv"
	case ChipDLPU:
		return "DLPU"
	default:
		return fmt.Sprintf("Chip(%d)", int(c))
	}
}

// AccessMode controls sharing of a loaded model.
type AccessMode int

const (
	AccessPrivate AccessMode = iota
	AccessPublic
)

// DataType is the accelerator's native element type.
type DataType int

const (
	DataTypeInvalid DataType = iota
	DataTypeUnspecified
	DataTypeBool
	DataTypeUint8
	DataTypeInt8
	DataTypeUint16
	DataTypeInt16
	DataTypeUint32
	DataTypeInt32
	DataTypeUint64
	DataTypeInt64
	DataTypeFloat16
	DataTypeFloat32
	DataTypeFloat64
)

var dataTypeNames = map[DataType]string{
	DataTypeInvalid:     "invalid",
	DataTypeUnspecified: "unspecified",
	DataTypeBool:        "bool",
	DataTypeUint8:       "uint8",
	DataTypeInt8:        "int8",
	DataTypeUint16:      "uint16",
	DataTypeInt16:       "int16",
	DataTypeUint32:      "uint32",
	DataTypeInt32:       "int32",
	DataTypeUint64:      "uint64",
	DataTypeInt64:       "int64",
	DataTypeFloat16:     "float16",
	DataTypeFloat32:     "float32",
	DataTypeFloat64:     "float64",
}

func (d DataType) String() string {
	if s, ok := dataTypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// ParseDataType accepts the names returned by DataType.String.
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d, name := range dataTypeNames {
		if name == s && d != DataTypeInvalid {
			return d, nil
		}
	}
	return DataTypeInvalid, fmt.Errorf("unknown data type %q", s)
}

// Layout is the memory layout of a tensor.
type Layout int

const (
	LayoutInvalid Layout = iota
	LayoutUnspecified
	LayoutNHWC
	LayoutNCHW
	Layout420SP
)

func (l Layout) String() string {
	switch l {
	case LayoutUnspecified:
		return "unspecified"
	case LayoutNHWC:
		return "nhwc"
	case LayoutNCHW:
		return "nchw"
	case Layout420SP:
		return "420sp"
	default:
		return "invalid"
	}
}

// ParseLayout accepts the names returned by Layout.String. Empty means
// unspecified.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unspecified":
		return LayoutUnspecified, nil
	case "nhwc":
		return LayoutNHWC, nil
	case "nchw":
		return LayoutNCHW, nil
	case "420sp", "nv12":
		return Layout420SP, nil
	}
	return LayoutInvalid, fmt.Errorf("unknown layout %q", s)
}

// TensorSpec is the declared shape of a model input or output.
type TensorSpec struct {
	Name     string
	DataType DataType
	Layout   Layout
	Dims     []int
}

// Tensor is one model input or output instance, backed by a file.
type Tensor struct {
	TensorSpec

	// Pitches[i] is the byte size of one step in dimension i, so Pitches[0]
	// is the whole buffer.
	Pitches []int

	file *os.File
}

// SetFile binds the tensor's backing storage.
func (t *Tensor) SetFile(f *os.File) { t.file = f }

// File returns the backing storage, or nil if none was set.
func (t *Tensor) File() *os.File { return t.file }

// Model is a graph loaded on one chip.
type Model struct {
	ID      uint64
	Name    string
	Chip    Chip
	Inputs  []TensorSpec
	Outputs []TensorSpec
}

// Job binds a model to concrete tensors.
type Job struct {
	Model   *Model
	Inputs  []*Tensor
	Outputs []*Tensor
	Params  *Map
}

// Connection is a session with the accelerator service. Implementations
// need not be safe for concurrent use.
type Connection interface {
	ListChips() ([]Chip, error)
	// LoadModel loads the model in file on chip. An empty file is allowed for
	// chips that build their model from params, such as ChipLibYUV.
	LoadModel(file string, chip Chip, access AccessMode, name string, params *Map) (*Model, error)
	DeleteModel(m *Model) error
	CreateModelInputs(m *Model) ([]*Tensor, error)
	CreateModelOutputs(m *Model) ([]*Tensor, error)
	DestroyTensors(tensors []*Tensor) error
	CreateJob(m *Model, inputs, outputs []*Tensor, params *Map) (*Job, error)
	DestroyJob(job *Job) error
	// RunJob blocks until the job has finished.
	RunJob(job *Job) error
	Disconnect() error
}
