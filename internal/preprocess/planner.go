// Package preprocess decides whether an input image needs a resize/convert
// pass before it can feed a model, and runs that pass on the accelerator.
package preprocess

import (
	"fmt"
	"math"
	"os"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/tensor"
)

// Source is where an input's pixels come from.
type Source int

const (
	SourceInline Source = iota
	SourceSharedMemory
	// SourceStream frames come from the capture hardware in NV12.
	SourceStream
)

func (s Source) String() string {
	switch s {
	case SourceInline:
		return "inline"
	case SourceSharedMemory:
		return "shm"
	case SourceStream:
		return "stream"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// Input describes a request input as received.
type Input struct {
	Source Source
	// Dims is the requested NHWC shape.
	Dims []int
	// Size is the byte size of the source data.
	Size int64
}

// Plan is the outcome for one input.
type Plan struct {
	// Direct means the source buffer binds to the model input as is.
	Direct bool

	InputFormat  string
	InputWidth   int
	InputHeight  int
	OutputFormat string
	OutputWidth  int
	OutputHeight int
}

// Params returns the conversion chip parameters for a non-direct plan.
func (p Plan) Params() *accel.Map {
	m := accel.NewMap()
	m.SetStr(accel.ParamInputFormat, p.InputFormat)
	m.SetIntArr2(accel.ParamInputSize, int64(p.InputWidth), int64(p.InputHeight))
	m.SetStr(accel.ParamOutputFormat, p.OutputFormat)
	m.SetIntArr2(accel.ParamOutputSize, int64(p.OutputWidth), int64(p.OutputHeight))
	return m
}

func (p Plan) String() string {
	if p.Direct {
		return "direct"
	}
	return fmt.Sprintf("%s %dx%d -> %s %dx%d",
		p.InputFormat, p.InputWidth, p.InputHeight, p.OutputFormat, p.OutputWidth, p.OutputHeight)
}

// heightWidth reads an NHWC shape.
func heightWidth(dims []int) (h, w int, ok bool) {
	if len(dims) < 3 {
		return 0, 0, false
	}
	return dims[1], dims[2], true
}

// sourceFormat is the pixel format of a source's bytes.
func sourceFormat(src Source) string {
	if src == SourceStream {
		return accel.FormatNV12
	}
	return accel.FormatRGBInterleaved
}

// frameBytes is the byte size of one w x h image in format, or -1 when it
// does not fit in an int64.
func frameBytes(format string, w, h int) int64 {
	px, err := tensor.Elements([]int{w, h})
	if err != nil || px > math.MaxInt64/3 {
		return -1
	}
	if format == accel.FormatNV12 {
		return px + 2*int64((w+1)/2)*int64((h+1)/2)
	}
	return 3 * px
}

// PlanInput compares the requested input against the model input.
//
// Inline and shared-memory inputs bind directly when the requested element
// count and image width and height equal the model's. Without a requested
// shape the byte sizes must match instead. Stream inputs carry NV12 bytes:
// they bind directly only to a model whose input has the same byte size and
// image size, as an NV12 (420SP) input does. Everything else converts to
// interleaved RGB at the model's width and height.
func PlanInput(in Input, model accel.TensorSpec) (Plan, error) {
	if len(in.Dims) == 0 {
		if in.Source != SourceStream && in.Size == tensor.ByteSize(model) {
			return Plan{Direct: true}, nil
		}
		return Plan{}, errdefs.Kindf(errdefs.ErrInvalidArgument,
			"input of %d bytes has no shape and does not fit model shape %v", in.Size, model.Dims)
	}
	reqElems, err := tensor.Elements(in.Dims)
	if err != nil {
		return Plan{}, err
	}
	modelElems, err := tensor.Elements(model.Dims)
	if err != nil {
		return Plan{}, errdefs.Wrapf(errdefs.ErrInvalidArgument, err, "model input %q", model.Name)
	}

	reqH, reqW, reqOK := heightWidth(in.Dims)
	modelH, modelW, modelOK := heightWidth(model.Dims)
	sameImage := !reqOK || !modelOK || (reqH == modelH && reqW == modelW)

	if in.Source == SourceStream {
		if sameImage && in.Size == tensor.ByteSize(model) {
			return Plan{Direct: true}, nil
		}
	} else if sameImage && reqElems == modelElems {
		return Plan{Direct: true}, nil
	}

	if !reqOK || !modelOK {
		return Plan{}, errdefs.Kindf(errdefs.ErrInvalidArgument,
			"input shape %v and model shape %v differ and carry no image size", in.Dims, model.Dims)
	}
	inFormat := sourceFormat(in.Source)
	if need := frameBytes(inFormat, reqW, reqH); need < 0 || need > in.Size {
		return Plan{}, errdefs.Kindf(errdefs.ErrInvalidArgument,
			"%s image %dx%d does not fit in %d source bytes", inFormat, reqW, reqH, in.Size)
	}
	if frameBytes(accel.FormatRGBInterleaved, modelW, modelH) < 0 {
		return Plan{}, errdefs.Kindf(errdefs.ErrInvalidArgument, "model image size %dx%d is too large", modelW, modelH)
	}
	return Plan{
		InputFormat:  inFormat,
		InputWidth:   reqW,
		InputHeight:  reqH,
		OutputFormat: accel.FormatRGBInterleaved,
		OutputWidth:  modelW,
		OutputHeight: modelH,
	}, nil
}

// Stage is a transient conversion job. Close releases everything it holds.
type Stage struct {
	conn    accel.Connection
	model   *accel.Model
	inputs  []*accel.Tensor
	outputs []*accel.Tensor
	job     *accel.Job
}

// Build loads a conversion model for plan on the image conversion chip and
// binds src as its input and dst as its output. On error everything created
// so far is released.
func Build(conn accel.Connection, plan Plan, src, dst *os.File) (st *Stage, err error) {
	if plan.Direct {
		return nil, errdefs.Kindf(errdefs.ErrPreprocessing, "direct plan needs no conversion")
	}
	st = &Stage{conn: conn}
	defer func() {
		if err != nil {
			st.Close()
			st = nil
		}
	}()

	if st.model, err = conn.LoadModel("", accel.ChipLibYUV, accel.AccessPrivate, "preprocess", plan.Params()); err != nil {
		return st, errdefs.Wrapf(errdefs.ErrPreprocessing, err, "load conversion model (%s)", plan)
	}
	if st.inputs, err = conn.CreateModelInputs(st.model); err != nil {
		return st, errdefs.Wrap(errdefs.ErrPreprocessing, err, "create conversion inputs")
	}
	if st.outputs, err = conn.CreateModelOutputs(st.model); err != nil {
		return st, errdefs.Wrap(errdefs.ErrPreprocessing, err, "create conversion outputs")
	}
	if len(st.inputs) != 1 || len(st.outputs) != 1 {
		return st, errdefs.Kindf(errdefs.ErrPreprocessing,
			"conversion model has %d inputs and %d outputs", len(st.inputs), len(st.outputs))
	}
	st.inputs[0].SetFile(src)
	st.outputs[0].SetFile(dst)

	if st.job, err = conn.CreateJob(st.model, st.inputs, st.outputs, nil); err != nil {
		return st, errdefs.Wrap(errdefs.ErrPreprocessing, err, "create conversion job")
	}
	return st, nil
}

// Run executes the conversion and blocks until it completes.
func (s *Stage) Run() error {
	if err := s.conn.RunJob(s.job); err != nil {
		return errdefs.Wrap(errdefs.ErrPreprocessing, err, "conversion job failed")
	}
	return nil
}

// Output is the converted tensor.
func (s *Stage) Output() *accel.Tensor {
	return s.outputs[0]
}

// Close releases the job, tensors and model. Safe to call more than once.
func (s *Stage) Close() error {
	var errs error
	if s.job != nil {
		errs = errdefs.CombineErrors(errs, s.conn.DestroyJob(s.job))
		s.job = nil
	}
	if s.inputs != nil {
		errs = errdefs.CombineErrors(errs, s.conn.DestroyTensors(s.inputs))
		s.inputs = nil
	}
	if s.outputs != nil {
		errs = errdefs.CombineErrors(errs, s.conn.DestroyTensors(s.outputs))
		s.outputs = nil
	}
	if s.model != nil {
		errs = errdefs.CombineErrors(errs, s.conn.DeleteModel(s.model))
		s.model = nil
	}
	return errs
}
