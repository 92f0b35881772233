// Package inference runs Predict requests: it resolves the model, gathers
// input data from the request, shared memory or a capture stream, inserts a
// conversion pass when the image does not fit the model, runs the job and
// reads the outputs back.
package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/preprocess"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/tensor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/wire"
)

// FrameSource captures stream frames for stream-sourced inputs.
type FrameSource interface {
	// CaptureFrame captures and caches a frame, handing it to fn while it is
	// guaranteed valid, and returns its cache reference.
	CaptureFrame(streamID uint32, fn func(frame *types.Frame)) (uint64, error)
}

// Config configures an Orchestrator.
type Config struct {
	Chip     accel.Chip
	TempDir  string
	UseMemfd bool
	ShmDir   string
	Log      *logger.Logger
	Metrics  *metrics.Metrics
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Path    string
	Name    string
	Chip    accel.Chip
	Inputs  []accel.TensorSpec
	Outputs []accel.TensorSpec
}

// Orchestrator serves Predict requests on one accelerator connection.
type Orchestrator struct {
	conn   accel.Connection
	frames FrameSource
	cfg    Config
	log    *logger.Logger
	stats  *metrics.Metrics

	// accelMu serializes every use of conn; at most one job runs at a time.
	accelMu sync.Mutex
	models  map[string]*accel.Model
}

// New creates an orchestrator. frames may be nil when no capture is
// available; stream-sourced inputs then fail.
func New(conn accel.Connection, frames FrameSource, cfg Config) *Orchestrator {
	if cfg.ShmDir == "" {
		cfg.ShmDir = "/dev/shm"
	}
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Orchestrator{
		conn:   conn,
		frames: frames,
		cfg:    cfg,
		log:    cfg.Log,
		stats:  cfg.Metrics,
		models: make(map[string]*accel.Model),
	}
}

// Chip is the chip models are loaded on.
func (o *Orchestrator) Chip() accel.Chip { return o.cfg.Chip }

// LogChips logs the chips the accelerator offers and warns when the
// configured one is missing.
func (o *Orchestrator) LogChips() error {
	if o.conn == nil {
		return errdefs.Kindf(errdefs.ErrUnavailable, "no accelerator connection")
	}
	o.accelMu.Lock()
	chips, err := o.conn.ListChips()
	o.accelMu.Unlock()
	if err != nil {
		return errdefs.Wrap(errdefs.ErrUnavailable, err, "failed to list chips")
	}

	found := false
	for _, c := range chips {
		o.log.Info("Inference", "Available chip: %d %s", int(c), c)
		found = found || c == o.cfg.Chip
	}
	if !found {
		o.log.Warn("Inference", "Configured chip %d (%s) is not offered", int(o.cfg.Chip), o.cfg.Chip)
	} else {
		o.log.Info("Inference", "Using chip %d (%s)", int(o.cfg.Chip), o.cfg.Chip)
	}
	return nil
}

// LoadModel loads the model at path once; later calls with the same path
// return the loaded model.
func (o *Orchestrator) LoadModel(path string) (*accel.Model, error) {
	if o.conn == nil {
		return nil, errdefs.Kindf(errdefs.ErrInvalidArgument, "no accelerator connection")
	}
	o.accelMu.Lock()
	defer o.accelMu.Unlock()
	return o.loadModelLocked(path)
}

func (o *Orchestrator) loadModelLocked(path string) (*accel.Model, error) {
	if m, ok := o.models[path]; ok {
		return m, nil
	}

	start := time.Now()
	m, err := o.conn.LoadModel(path, o.cfg.Chip, accel.AccessPrivate, filepath.Base(path), nil)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrModelNotFound, err, "failed to load model %s", path)
	}
	o.models[path] = m
	o.stats.ModelsLoaded.Store(uint64(len(o.models)))
	o.log.Info("Inference", "Loaded model %s as %q on %s in %v (%d inputs, %d outputs)",
		path, m.Name, o.cfg.Chip, time.Since(start), len(m.Inputs), len(m.Outputs))
	return m, nil
}

// Preload loads every model in paths, stopping at the first failure.
func (o *Orchestrator) Preload(paths []string) error {
	for _, p := range paths {
		if _, err := o.LoadModel(p); err != nil {
			return err
		}
	}
	return nil
}

// Models lists the loaded models by path.
func (o *Orchestrator) Models() []ModelInfo {
	o.accelMu.Lock()
	defer o.accelMu.Unlock()
	out := make([]ModelInfo, 0, len(o.models))
	for path, m := range o.models {
		out = append(out, ModelInfo{Path: path, Name: m.Name, Chip: m.Chip, Inputs: m.Inputs, Outputs: m.Outputs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Close deletes every loaded model and disconnects.
func (o *Orchestrator) Close() error {
	if o.conn == nil {
		return nil
	}
	o.accelMu.Lock()
	defer o.accelMu.Unlock()

	var errs error
	for path, m := range o.models {
		if err := o.conn.DeleteModel(m); err != nil {
			errs = errdefs.CombineErrors(errs, fmt.Errorf("delete model %s: %w", path, err))
		}
		delete(o.models, path)
	}
	o.stats.ModelsLoaded.Store(0)
	return errdefs.CombineErrors(errs, o.conn.Disconnect())
}

// Predict runs one inference request. Cleanup of every temporary resource
// happens on all paths.
func (o *Orchestrator) Predict(ctx context.Context, req *wire.PredictRequest) (resp *wire.PredictResponse, err error) {
	start := time.Now()
	o.stats.InferenceRequests.Add(1)
	o.stats.ActiveRequests.Add(1)
	defer func() {
		o.stats.ActiveRequests.Add(-1)
		o.stats.ObserveInference(time.Since(start), errdefs.Class(err))
	}()

	if o.conn == nil {
		return nil, errdefs.Kindf(errdefs.ErrInvalidArgument, "no accelerator connection")
	}
	if req == nil || req.ModelSpec == nil || req.ModelSpec.Name == "" {
		return nil, errdefs.Kindf(errdefs.ErrInvalidArgument, "request names no model")
	}

	p := &pendingJob{id: uuid.NewString(), conn: o.conn}
	defer func() {
		if cerr := p.closeFiles(); cerr != nil {
			o.log.Warn("Inference", "[%s] closing backing files: %v", p.id, cerr)
		}
	}()

	o.log.Debug("Inference", "[%s] Predict model=%s inputs=%d stream=%d", p.id, req.ModelSpec.Name, len(req.Inputs), req.StreamID)

	model, err := o.LoadModel(req.ModelSpec.Name)
	if err != nil {
		return nil, err
	}
	if len(req.Inputs) != len(model.Inputs) {
		return nil, errdefs.Kindf(errdefs.ErrInputCountMismatch,
			"model %s takes %d input(s), request has %d", model.Name, len(model.Inputs), len(req.Inputs))
	}
	if err := checkOutputFilter(req.OutputFilter, model); err != nil {
		return nil, err
	}

	// Input data is gathered before taking the accelerator lock, so the
	// frame cache and accelerator locks are never held together.
	order := bindOrder(req.Inputs, model)
	for i, key := range order {
		src, err := o.materialize(p, key, req.Inputs[key], req.StreamID, model.Inputs[i])
		if err != nil {
			return nil, err
		}
		p.sources = append(p.sources, src)
	}
	prepared := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.accelMu.Lock()
	defer o.accelMu.Unlock()
	defer func() {
		if rerr := p.releaseAccel(); rerr != nil {
			o.log.Warn("Inference", "[%s] releasing accelerator objects: %v", p.id, rerr)
		}
	}()

	// The model may have been deleted by Close while the lock was free.
	if _, ok := o.models[req.ModelSpec.Name]; !ok {
		return nil, errdefs.Kindf(errdefs.ErrModelNotFound, "model %s was unloaded", req.ModelSpec.Name)
	}

	if err := o.setupInputs(p, model); err != nil {
		return nil, err
	}
	if err := o.setupOutputs(p, model); err != nil {
		return nil, err
	}

	ppStart := time.Now()
	for _, st := range p.stages {
		if err := st.Run(); err != nil {
			return nil, err
		}
		o.stats.PreprocessJobs.Add(1)
	}
	ppTime := time.Since(ppStart)

	if p.job, err = o.conn.CreateJob(model, p.inputs, p.outputs, nil); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInferenceJob, err, "failed to create job")
	}
	accelStart := time.Now()
	if err := o.conn.RunJob(p.job); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInferenceJob, err, "model %s", model.Name)
	}
	accelTime := time.Since(accelStart)
	o.stats.UpdateAcceleratorLatency(accelTime)

	resp = &wire.PredictResponse{
		Outputs:        make(map[string]*wire.Tensor, len(p.outputs)),
		ModelSpec:      &wire.ModelSpec{Name: req.ModelSpec.Name, SignatureName: req.ModelSpec.SignatureName},
		FrameReference: uint32(p.frameRef),
	}
	for i, out := range p.outputs {
		name := outputName(out, i)
		if !wanted(req.OutputFilter, name) {
			continue
		}
		wt, err := tensor.SerializeOutput(out)
		if err != nil {
			return nil, err
		}
		resp.Outputs[name] = wt
	}

	total := time.Since(start)
	o.log.Debug("Inference", "[%s] done: total=%v inputs=%v preprocess=%v accelerator=%v overhead=%v",
		p.id, total, prepared.Sub(start), ppTime, accelTime, total-ppTime-accelTime)
	return resp, nil
}

// bindOrder maps request inputs to model inputs: by name when every model
// input is named in the request, otherwise by sorted request key.
func bindOrder(inputs map[string]*wire.Tensor, model *accel.Model) []string {
	byName := make([]string, 0, len(model.Inputs))
	for _, spec := range model.Inputs {
		if _, ok := inputs[spec.Name]; !ok || spec.Name == "" {
			byName = nil
			break
		}
		byName = append(byName, spec.Name)
	}
	if byName != nil {
		return byName
	}

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// materialize gives one input a backing file.
func (o *Orchestrator) materialize(p *pendingJob, key string, in *wire.Tensor, streamID uint32, spec accel.TensorSpec) (*inputSource, error) {
	if in == nil {
		return nil, errdefs.Kindf(errdefs.ErrInvalidArgument, "input %q is empty", key)
	}
	dims := tensor.Dims(&in.Shape)

	switch {
	case in.DType == wire.DT_STRING:
		if len(in.StringVal) == 0 {
			return nil, errdefs.Kindf(errdefs.ErrInvalidArgument, "input %q: shared memory name missing", key)
		}
		f, err := o.openSharedMemory(string(in.StringVal[0]))
		if err != nil {
			return nil, err
		}
		p.track(f)
		info, err := f.Stat()
		if err != nil {
			return nil, errdefs.Wrapf(errdefs.ErrIO, err, "input %q: stat shared memory", key)
		}
		if len(dims) > 0 {
			elems, err := tensor.Elements(dims)
			if err != nil {
				return nil, errdefs.Wrapf(errdefs.ErrInvalidArgument, err, "input %q", key)
			}
			if elems > info.Size() {
				return nil, errdefs.Kindf(errdefs.ErrInvalidArgument,
					"input %q: shape %v needs %d bytes, shared memory holds %d", key, dims, elems, info.Size())
			}
		}
		return &inputSource{name: key, kind: preprocess.SourceSharedMemory, file: f, dims: dims, size: info.Size()}, nil

	case streamID != 0:
		return o.captureInput(p, key, streamID, dims)

	default:
		f, err := o.newBackingFile(sanitize(key))
		if err != nil {
			return nil, err
		}
		p.track(f)
		if _, err := tensor.DeserializeInput(key, in, f); err != nil {
			return nil, err
		}
		return &inputSource{name: key, kind: preprocess.SourceInline, file: f, dims: dims, size: int64(len(in.Content))}, nil
	}
}

func (o *Orchestrator) captureInput(p *pendingJob, key string, streamID uint32, dims []int) (*inputSource, error) {
	if o.frames == nil {
		return nil, errdefs.Kindf(errdefs.ErrInvalidArgument, "input %q: capture is not available", key)
	}
	f, err := o.newBackingFile(sanitize(key))
	if err != nil {
		return nil, err
	}
	p.track(f)

	var frame types.Frame
	var werr error
	ref, err := o.frames.CaptureFrame(streamID, func(fr *types.Frame) {
		frame = types.Frame{Format: fr.Format, Width: fr.Width, Height: fr.Height, SequenceNbr: fr.SequenceNbr}
		_, werr = f.WriteAt(fr.Data, 0)
	})
	if err != nil {
		return nil, err
	}
	if p.frameRef == 0 {
		p.frameRef = ref
	}
	if werr != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, werr, "input %q: copy frame", key)
	}
	if frame.Format != types.FormatNV12 {
		return nil, errdefs.Kindf(errdefs.ErrInvalidArgument,
			"input %q: stream %d delivers %s frames, inference needs nv12", key, streamID, frame.Format)
	}

	// The frame's own resolution wins over the shape in the request.
	if frame.Width > 0 && frame.Height > 0 {
		dims = []int{1, frame.Height, frame.Width, 3}
	}
	size := int64(types.FormatNV12.FrameSize(frame.Width, frame.Height))
	o.log.Debug("Inference", "[%s] input %q: stream %d frame ref=%d seq=%d %dx%d",
		p.id, key, streamID, ref, frame.SequenceNbr, frame.Width, frame.Height)
	return &inputSource{name: key, kind: preprocess.SourceStream, file: f, dims: dims, size: size}, nil
}

// setupInputs creates the model's input tensors and binds each to its source,
// through a conversion stage when the source does not fit.
func (o *Orchestrator) setupInputs(p *pendingJob, model *accel.Model) error {
	inputs, err := o.conn.CreateModelInputs(model)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrInferenceJob, err, "failed to create input tensors")
	}
	p.inputs = inputs
	if len(inputs) != len(p.sources) {
		return errdefs.Kindf(errdefs.ErrInputCountMismatch, "model has %d input tensors, request %d", len(inputs), len(p.sources))
	}

	for i, src := range p.sources {
		t := inputs[i]
		plan, err := preprocess.PlanInput(preprocess.Input{Source: src.kind, Dims: src.dims, Size: src.size}, t.TensorSpec)
		if err != nil {
			return errdefs.Wrapf(errdefs.ErrInvalidArgument, err, "input %q", src.name)
		}
		o.log.Debug("Inference", "[%s] input %q -> %q %s %v: %s", p.id, src.name, t.Name, t.DataType, t.Dims, plan)

		if plan.Direct {
			t.SetFile(src.file)
			continue
		}

		dst, err := o.newBackingFile("pp-" + sanitize(src.name))
		if err != nil {
			return err
		}
		p.track(dst)
		st, err := preprocess.Build(o.conn, plan, src.file, dst)
		if err != nil {
			return err
		}
		p.stages = append(p.stages, st)
		t.SetFile(dst)
	}
	return nil
}

func (o *Orchestrator) setupOutputs(p *pendingJob, model *accel.Model) error {
	outputs, err := o.conn.CreateModelOutputs(model)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrInferenceJob, err, "failed to create output tensors")
	}
	p.outputs = outputs
	if len(outputs) == 0 {
		return errdefs.Kindf(errdefs.ErrInferenceJob, "model %s has no outputs", model.Name)
	}
	for i, t := range outputs {
		f, err := o.newBackingFile("out-" + sanitize(outputName(t, i)))
		if err != nil {
			return err
		}
		p.track(f)
		t.SetFile(f)
	}
	return nil
}

func checkOutputFilter(filter []string, model *accel.Model) error {
	for _, name := range filter {
		found := false
		for i, spec := range model.Outputs {
			if outputName(&accel.Tensor{TensorSpec: spec}, i) == name {
				found = true
				break
			}
		}
		if !found {
			return errdefs.Kindf(errdefs.ErrInvalidArgument, "model %s has no output %q", model.Name, name)
		}
	}
	return nil
}

func outputName(t *accel.Tensor, i int) string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("output%d", i)
}

func wanted(filter []string, name string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}

// sanitize makes a tensor name usable in a file name.
func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator || r < ' ' {
			return '_'
		}
		return r
	}, name)
	if name == "" {
		return "input"
	}
	return name
}
