// Package soft is a CPU implementation of the accelerator connection. It runs
// models described by YAML files and implements the libyuv image conversion
// chip with golang.org/x/image.
package soft

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/imageconv"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/tensor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
)

// Options configures a connection.
type Options struct {
	// Chips offered by ListChips. Defaults to Debug, TFLiteCPU and LibYUV.
	Chips []accel.Chip
	Log   *logger.Logger
}

type loadedModel struct {
	model *accel.Model
	op    string
	// set for conversion models
	conv *conversion
}

type conversion struct {
	inFormat   string
	inW, inH   int
	outW, outH int
}

// Stats counts live objects and calls, for leak checks.
type Stats struct {
	LoadCalls   map[accel.Chip]int
	LiveModels  int
	LiveTensors int
	LiveJobs    int
	JobsRun     int
}

// Conn is a software accelerator connection.
type Conn struct {
	chips []accel.Chip
	log   *logger.Logger

	mu        sync.Mutex
	closed    bool
	nextID    uint64
	models    map[uint64]*loadedModel
	tensors   map[*accel.Tensor]struct{}
	jobs      map[*accel.Job]struct{}
	loadCalls map[accel.Chip]int
	jobsRun   int
}

// Connect opens a software accelerator connection.
func Connect(opts Options) (*Conn, error) {
	if len(opts.Chips) == 0 {
		opts.Chips = []accel.Chip{accel.ChipDebug, accel.ChipTFLiteCPU, accel.ChipLibYUV}
	}
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	return &Conn{
		chips:     append([]accel.Chip(nil), opts.Chips...),
		log:       opts.Log,
		models:    make(map[uint64]*loadedModel),
		tensors:   make(map[*accel.Tensor]struct{}),
		jobs:      make(map[*accel.Job]struct{}),
		loadCalls: make(map[accel.Chip]int),
	}, nil
}

var errDisconnected = fmt.Errorf("accelerator connection closed")

// ListChips implements accel.Connection.
func (c *Conn) ListChips() ([]accel.Chip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errDisconnected
	}
	return append([]accel.Chip(nil), c.chips...), nil
}

func (c *Conn) hasChip(chip accel.Chip) bool {
	for _, ch := range c.chips {
		if ch == chip {
			return true
		}
	}
	return false
}

// LoadModel implements accel.Connection.
func (c *Conn) LoadModel(file string, chip accel.Chip, access accel.AccessMode, name string, params *accel.Map) (*accel.Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errDisconnected
	}
	c.loadCalls[chip]++
	if !c.hasChip(chip) {
		return nil, fmt.Errorf("chip %s not available", chip)
	}

	var lm *loadedModel
	var err error
	if chip == accel.ChipLibYUV {
		if file != "" {
			return nil, fmt.Errorf("chip %s takes no model file", chip)
		}
		lm, err = conversionModel(params)
	} else {
		lm, err = fileModel(file)
	}
	if err != nil {
		return nil, err
	}

	c.nextID++
	lm.model.ID = c.nextID
	lm.model.Chip = chip
	if name != "" {
		lm.model.Name = name
	}
	c.models[lm.model.ID] = lm
	c.log.Debug("SoftAccel", "Loaded model %d %q on %s (op=%s)", lm.model.ID, lm.model.Name, chip, lm.op)
	return lm.model, nil
}

func fileModel(file string) (*loadedModel, error) {
	if file == "" {
		return nil, fmt.Errorf("no model file given")
	}
	mf, err := ReadModelFile(file)
	if err != nil {
		return nil, err
	}
	inputs, err := specs(mf.Inputs)
	if err != nil {
		return nil, err
	}
	outputs, err := specs(mf.Outputs)
	if err != nil {
		return nil, err
	}
	name := mf.Name
	if name == "" {
		name = filepath.Base(file)
	}
	return &loadedModel{
		model: &accel.Model{Name: name, Inputs: inputs, Outputs: outputs},
		op:    mf.Op,
	}, nil
}

// maxSide bounds conversion image sides so buffer sizes stay in range.
const maxSide = 1 << 15

func conversionModel(params *accel.Map) (*loadedModel, error) {
	inFormat, err := params.GetStr(accel.ParamInputFormat)
	if err != nil {
		return nil, err
	}
	inW, inH, err := params.GetIntArr2(accel.ParamInputSize)
	if err != nil {
		return nil, err
	}
	outFormat, err := params.GetStr(accel.ParamOutputFormat)
	if err != nil {
		return nil, err
	}
	outW, outH, err := params.GetIntArr2(accel.ParamOutputSize)
	if err != nil {
		return nil, err
	}
	if outFormat != accel.FormatRGBInterleaved {
		return nil, fmt.Errorf("unsupported output format %q", outFormat)
	}
	if inW <= 0 || inH <= 0 || outW <= 0 || outH <= 0 || inW > maxSide || inH > maxSide || outW > maxSide || outH > maxSide {
		return nil, fmt.Errorf("invalid sizes %dx%d -> %dx%d", inW, inH, outW, outH)
	}

	var in accel.TensorSpec
	switch inFormat {
	case accel.FormatNV12:
		in = accel.TensorSpec{Name: "input", DataType: accel.DataTypeUint8, Layout: accel.Layout420SP, Dims: []int{1, int(inH), int(inW)}}
	case accel.FormatRGBInterleaved:
		in = accel.TensorSpec{Name: "input", DataType: accel.DataTypeUint8, Layout: accel.LayoutNHWC, Dims: []int{1, int(inH), int(inW), 3}}
	default:
		return nil, fmt.Errorf("unsupported input format %q", inFormat)
	}
	out := accel.TensorSpec{Name: "output", DataType: accel.DataTypeUint8, Layout: accel.LayoutNHWC, Dims: []int{1, int(outH), int(outW), 3}}

	return &loadedModel{
		model: &accel.Model{Name: "libyuv", Inputs: []accel.TensorSpec{in}, Outputs: []accel.TensorSpec{out}},
		op:    "convert",
		conv:  &conversion{inFormat: inFormat, inW: int(inW), inH: int(inH), outW: int(outW), outH: int(outH)},
	}, nil
}

// DeleteModel implements accel.Connection.
func (c *Conn) DeleteModel(m *accel.Model) error {
	if m == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.models[m.ID]; !ok {
		return fmt.Errorf("model %d not loaded", m.ID)
	}
	delete(c.models, m.ID)
	return nil
}

// CreateModelInputs implements accel.Connection.
func (c *Conn) CreateModelInputs(m *accel.Model) ([]*accel.Tensor, error) {
	return c.createTensors(m, func(lm *loadedModel) []accel.TensorSpec { return lm.model.Inputs })
}

// CreateModelOutputs implements accel.Connection.
func (c *Conn) CreateModelOutputs(m *accel.Model) ([]*accel.Tensor, error) {
	return c.createTensors(m, func(lm *loadedModel) []accel.TensorSpec { return lm.model.Outputs })
}

func (c *Conn) createTensors(m *accel.Model, pick func(*loadedModel) []accel.TensorSpec) ([]*accel.Tensor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errDisconnected
	}
	lm, ok := c.models[m.ID]
	if !ok {
		return nil, fmt.Errorf("model %d not loaded", m.ID)
	}

	specs := pick(lm)
	out := make([]*accel.Tensor, len(specs))
	for i, s := range specs {
		s.Dims = append([]int(nil), s.Dims...)
		t := &accel.Tensor{TensorSpec: s, Pitches: tensor.Pitches(s)}
		c.tensors[t] = struct{}{}
		out[i] = t
	}
	return out, nil
}

// DestroyTensors implements accel.Connection.
func (c *Conn) DestroyTensors(tensors []*accel.Tensor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var unknown int
	for _, t := range tensors {
		if _, ok := c.tensors[t]; !ok {
			unknown++
			continue
		}
		delete(c.tensors, t)
	}
	if unknown > 0 {
		return fmt.Errorf("%d tensor(s) not allocated by this connection", unknown)
	}
	return nil
}

// CreateJob implements accel.Connection.
func (c *Conn) CreateJob(m *accel.Model, inputs, outputs []*accel.Tensor, params *accel.Map) (*accel.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errDisconnected
	}
	lm, ok := c.models[m.ID]
	if !ok {
		return nil, fmt.Errorf("model %d not loaded", m.ID)
	}
	if len(inputs) != len(lm.model.Inputs) || len(outputs) != len(lm.model.Outputs) {
		return nil, fmt.Errorf("model %q takes %d inputs and %d outputs, got %d and %d",
			lm.model.Name, len(lm.model.Inputs), len(lm.model.Outputs), len(inputs), len(outputs))
	}
	job := &accel.Job{Model: m, Inputs: inputs, Outputs: outputs, Params: params}
	c.jobs[job] = struct{}{}
	return job, nil
}

// DestroyJob implements accel.Connection.
func (c *Conn) DestroyJob(job *accel.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[job]; !ok {
		return fmt.Errorf("unknown job")
	}
	delete(c.jobs, job)
	return nil
}

// RunJob implements accel.Connection.
func (c *Conn) RunJob(job *accel.Job) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errDisconnected
	}
	if _, ok := c.jobs[job]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("unknown job")
	}
	lm, ok := c.models[job.Model.ID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("model %d was deleted", job.Model.ID)
	}
	c.jobsRun++
	c.mu.Unlock()

	for _, t := range append(append([]*accel.Tensor(nil), job.Inputs...), job.Outputs...) {
		if t.File() == nil {
			return fmt.Errorf("tensor %q has no backing file", t.Name)
		}
	}

	switch {
	case lm.conv != nil:
		return lm.conv.run(job.Inputs[0], job.Outputs[0])
	case lm.op == OpIdentity:
		return runIdentity(job.Inputs[0], job.Outputs[0])
	case lm.op == OpChannelMean:
		return runChannelMean(job.Inputs[0], job.Outputs[0])
	case lm.op == OpFail:
		return fmt.Errorf("model %q: job failed", lm.model.Name)
	}
	return fmt.Errorf("model %q: unknown op %q", lm.model.Name, lm.op)
}

// Disconnect implements accel.Connection.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Stats returns a snapshot of the connection's bookkeeping.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	calls := make(map[accel.Chip]int, len(c.loadCalls))
	for k, v := range c.loadCalls {
		calls[k] = v
	}
	return Stats{
		LoadCalls:   calls,
		LiveModels:  len(c.models),
		LiveTensors: len(c.tensors),
		LiveJobs:    len(c.jobs),
		JobsRun:     c.jobsRun,
	}
}

func readTensor(t *accel.Tensor, size int64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := t.File().ReadAt(buf, 0)
	if int64(n) < size {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("tensor %q: read %d of %d bytes: %w", t.Name, n, size, err)
	}
	return buf, nil
}

func writeTensor(t *accel.Tensor, data []byte) error {
	f := t.File()
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	return truncate(f, int64(len(data)))
}

// truncate trims stale bytes when the file was reused with a larger payload.
func truncate(f *os.File, size int64) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() > size {
		return f.Truncate(size)
	}
	return nil
}

func runIdentity(in, out *accel.Tensor) error {
	inSize, outSize := tensor.ByteSize(in.TensorSpec), tensor.ByteSize(out.TensorSpec)
	if inSize != outSize {
		return fmt.Errorf("identity: input is %d bytes, output %d", inSize, outSize)
	}
	data, err := readTensor(in, inSize)
	if err != nil {
		return err
	}
	return writeTensor(out, data)
}

// runChannelMean averages a uint8 NHWC image per channel into float32.
func runChannelMean(in, out *accel.Tensor) error {
	if in.DataType != accel.DataTypeUint8 || len(in.Dims) != 4 {
		return fmt.Errorf("channel_mean: want uint8 NHWC input, got %s %v", in.DataType, in.Dims)
	}
	channels := in.Dims[3]
	if out.DataType != accel.DataTypeFloat32 || tensor.ByteSize(out.TensorSpec) != int64(4*channels) {
		return fmt.Errorf("channel_mean: want float32 output of %d values, got %s %v", channels, out.DataType, out.Dims)
	}

	data, err := readTensor(in, tensor.ByteSize(in.TensorSpec))
	if err != nil {
		return err
	}
	sums := make([]float64, channels)
	for i, v := range data {
		sums[i%channels] += float64(v)
	}
	pixels := float64(len(data) / channels)

	result := make([]byte, 4*channels)
	for c, s := range sums {
		binary.LittleEndian.PutUint32(result[4*c:], math.Float32bits(float32(s/pixels)))
	}
	return writeTensor(out, result)
}

func (cv *conversion) run(in, out *accel.Tensor) error {
	format := types.FormatRGB
	if cv.inFormat == accel.FormatNV12 {
		format = types.FormatNV12
	}
	data, err := readTensor(in, int64(format.FrameSize(cv.inW, cv.inH)))
	if err != nil {
		return err
	}
	img, err := imageconv.Decode(format, data, cv.inW, cv.inH)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	scaled := imageconv.Scale(img, cv.outW, cv.outH)
	return writeTensor(out, imageconv.RGBAToRGB(scaled))
}
