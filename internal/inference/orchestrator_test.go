package inference

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel/soft"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/capture/testpattern"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/streams"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/wire"
)

type loadCall struct {
	chip   accel.Chip
	params *accel.Map
}

// recordingConn remembers every LoadModel call. With failConversions set,
// jobs of conversion models fail.
type recordingConn struct {
	*soft.Conn

	mu              sync.Mutex
	loads           []loadCall
	failConversions bool
}

func (r *recordingConn) RunJob(job *accel.Job) error {
	if r.failConversions && job.Model.Name == "preprocess" {
		return errors.New("conversion chip fault")
	}
	return r.Conn.RunJob(job)
}

func (r *recordingConn) LoadModel(file string, chip accel.Chip, access accel.AccessMode, name string, params *accel.Map) (*accel.Model, error) {
	r.mu.Lock()
	r.loads = append(r.loads, loadCall{chip: chip, params: params})
	r.mu.Unlock()
	return r.Conn.LoadModel(file, chip, access, name, params)
}

func (r *recordingConn) conversions() []loadCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []loadCall
	for _, l := range r.loads {
		if l.chip == accel.ChipLibYUV {
			out = append(out, l)
		}
	}
	return out
}

type fixture struct {
	orch  *Orchestrator
	conn  *recordingConn
	stats *metrics.Metrics
	dir   string
}

func newFixture(t *testing.T, frames FrameSource, mutate func(*Config)) *fixture {
	t.Helper()
	sc, err := soft.Connect(soft.Options{})
	require.NoError(t, err)
	conn := &recordingConn{Conn: sc}
	m := metrics.New()
	cfg := Config{Chip: accel.ChipTFLiteCPU, TempDir: t.TempDir(), ShmDir: t.TempDir(), Metrics: m}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{orch: New(conn, frames, cfg), conn: conn, stats: m, dir: t.TempDir()}
}

func (f *fixture) model(t *testing.T, mf *soft.ModelFile) string {
	t.Helper()
	path := filepath.Join(f.dir, mf.Name+".yaml")
	require.NoError(t, soft.WriteModelFile(path, mf))
	return path
}

func (f *fixture) assertNoLeaks(t *testing.T) {
	t.Helper()
	st := f.conn.Stats()
	assert.Zero(t, st.LiveTensors, "tensors")
	assert.Zero(t, st.LiveJobs, "jobs")
	assert.Equal(t, len(f.orch.Models()), st.LiveModels, "only cached models stay loaded")
}

func meanModel(name string) *soft.ModelFile {
	return &soft.ModelFile{
		Name:    name,
		Op:      soft.OpChannelMean,
		Inputs:  []soft.TensorFile{{Name: "image", DType: "uint8", Layout: "nhwc", Dims: []int{1, 2, 2, 3}}},
		Outputs: []soft.TensorFile{{Name: "mean", DType: "float32", Dims: []int{1, 3}}},
	}
}

func imageTensor(h, w int, data []byte) *wire.Tensor {
	return &wire.Tensor{
		DType:   wire.DT_UINT8,
		Shape:   wire.TensorShape{Dims: []wire.Dim{{Size: 1}, {Size: int64(h)}, {Size: int64(w)}, {Size: 3}}},
		Content: data,
	}
}

func request(model string, inputs map[string]*wire.Tensor) *wire.PredictRequest {
	return &wire.PredictRequest{ModelSpec: &wire.ModelSpec{Name: model, SignatureName: "serving_default"}, Inputs: inputs}
}

func floats(t *testing.T, tensor *wire.Tensor) []float32 {
	t.Helper()
	require.Zero(t, len(tensor.Content)%4)
	out := make([]float32, len(tensor.Content)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(tensor.Content[4*i:]))
	}
	return out
}

var pixels = []byte{
	10, 20, 30, 20, 40, 60,
	30, 60, 90, 40, 80, 120,
}

func TestPredictDirect(t *testing.T) {
	f := newFixture(t, nil, nil)
	path := f.model(t, meanModel("mean"))

	resp, err := f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": imageTensor(2, 2, pixels)}))
	require.NoError(t, err)

	require.Contains(t, resp.Outputs, "mean")
	out := resp.Outputs["mean"]
	assert.Equal(t, wire.DT_FLOAT, out.DType)
	assert.Equal(t, []int64{1, 3}, out.Shape.Sizes())
	assert.Equal(t, "size", out.Shape.Dims[0].Name)
	assert.Equal(t, []float32{25, 50, 75}, floats(t, out))
	assert.Equal(t, path, resp.ModelSpec.Name)
	assert.Equal(t, "serving_default", resp.ModelSpec.SignatureName)
	assert.Zero(t, resp.FrameReference)

	assert.Empty(t, f.conn.conversions(), "same dims need no conversion")
	assert.Equal(t, uint64(1), f.stats.InferenceSucceeded.Load())
	assert.Zero(t, f.stats.PreprocessJobs.Load())
	assert.Zero(t, f.stats.ActiveRequests.Load())
	f.assertNoLeaks(t)
}

func TestLazyLoadIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	path := f.model(t, meanModel("mean"))

	for i := 0; i < 3; i++ {
		_, err := f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": imageTensor(2, 2, pixels)}))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.conn.Stats().LoadCalls[accel.ChipTFLiteCPU])
	assert.Equal(t, uint64(1), f.stats.ModelsLoaded.Load())

	models := f.orch.Models()
	require.Len(t, models, 1)
	assert.Equal(t, "mean.yaml", models[0].Name)
	assert.Equal(t, path, models[0].Path)
}

func TestInputCountMismatch(t *testing.T) {
	f := newFixture(t, nil, nil)
	path := f.model(t, meanModel("mean"))

	_, err := f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{
		"a": imageTensor(2, 2, pixels),
		"b": imageTensor(2, 2, pixels),
	}))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrInputCountMismatch))
	assert.Zero(t, f.conn.Stats().JobsRun)
	f.assertNoLeaks(t)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.orch.Predict(context.Background(), nil)
	assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument))
	_, err = f.orch.Predict(context.Background(), &wire.PredictRequest{})
	assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument))

	_, err = f.orch.Predict(context.Background(), request(filepath.Join(f.dir, "missing.yaml"), nil))
	assert.True(t, errdefs.Is(err, errdefs.ErrModelNotFound))

	path := f.model(t, meanModel("mean"))
	req := request(path, map[string]*wire.Tensor{"image": imageTensor(2, 2, pixels)})
	req.OutputFilter = []string{"logits"}
	_, err = f.orch.Predict(context.Background(), req)
	assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument))

	// Content shorter than the declared shape.
	_, err = f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": imageTensor(2, 2, pixels[:6])}))
	assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.orch.Predict(ctx, request(path, map[string]*wire.Tensor{"image": imageTensor(2, 2, pixels)}))
	assert.ErrorIs(t, err, context.Canceled)

	f.assertNoLeaks(t)
	assert.Error(t, New(nil, nil, Config{}).Preload([]string{path}))
}

func TestOutputFilter(t *testing.T) {
	f := newFixture(t, nil, nil)
	mf := meanModel("two")
	mf.Op = soft.OpIdentity
	mf.Outputs = []soft.TensorFile{{Name: "copy", DType: "uint8", Dims: []int{1, 12}}}
	path := f.model(t, mf)

	req := request(path, map[string]*wire.Tensor{"image": imageTensor(2, 2, pixels)})
	req.OutputFilter = []string{"copy"}
	resp, err := f.orch.Predict(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Outputs, 1)
	assert.Equal(t, pixels, resp.Outputs["copy"].Content)
}

func TestPredictConvertsInlineImage(t *testing.T) {
	f := newFixture(t, nil, nil)
	path := f.model(t, meanModel("mean"))

	img := make([]byte, 4*4*3)
	for i := range img {
		img[i] = 100
	}
	resp, err := f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": imageTensor(4, 4, img)}))
	require.NoError(t, err)

	loads := f.conn.conversions()
	require.Len(t, loads, 1)
	format, err := loads[0].params.GetStr(accel.ParamInputFormat)
	require.NoError(t, err)
	assert.Equal(t, accel.FormatRGBInterleaved, format)
	w, h, err := loads[0].params.GetIntArr2(accel.ParamInputSize)
	require.NoError(t, err)
	assert.Equal(t, [2]int64{4, 4}, [2]int64{w, h})
	w, h, err = loads[0].params.GetIntArr2(accel.ParamOutputSize)
	require.NoError(t, err)
	assert.Equal(t, [2]int64{2, 2}, [2]int64{w, h})

	for _, v := range floats(t, resp.Outputs["mean"]) {
		assert.InDelta(t, 100, v, 1)
	}
	assert.Equal(t, uint64(1), f.stats.PreprocessJobs.Load())
	f.assertNoLeaks(t)
}

func TestPredictFromStream(t *testing.T) {
	reg := streams.New(testpattern.New(testpattern.Options{}), streams.Config{MaxCachedFrames: 3})
	t.Cleanup(reg.Close)
	id, err := reg.OpenStream(types.StreamSettings{Format: types.FormatNV12, Width: 16, Height: 8, Framerate: 30})
	require.NoError(t, err)

	f := newFixture(t, reg, nil)
	path := f.model(t, meanModel("mean"))

	for want := uint32(1); want <= 2; want++ {
		req := request(path, map[string]*wire.Tensor{"image": {DType: wire.DT_UINT8}})
		req.StreamID = id
		resp, err := f.orch.Predict(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, want, resp.FrameReference)
	}

	loads := f.conn.conversions()
	require.Len(t, loads, 2, "one conversion model per request")
	format, err := loads[0].params.GetStr(accel.ParamInputFormat)
	require.NoError(t, err)
	assert.Equal(t, accel.FormatNV12, format)
	w, h, err := loads[0].params.GetIntArr2(accel.ParamInputSize)
	require.NoError(t, err)
	assert.Equal(t, [2]int64{16, 8}, [2]int64{w, h})

	// The frame stays cached for later GetFrame lookups.
	_, err = reg.CachedFrame(id, 2)
	assert.NoError(t, err)
	f.assertNoLeaks(t)
}

func TestStreamFrameBinding(t *testing.T) {
	reg := streams.New(testpattern.New(testpattern.Options{}), streams.Config{})
	t.Cleanup(reg.Close)
	id, err := reg.OpenStream(types.StreamSettings{Format: types.FormatNV12, Width: 2, Height: 2})
	require.NoError(t, err)

	f := newFixture(t, reg, nil)
	rgb := f.model(t, meanModel("mean"))
	yuv := f.model(t, &soft.ModelFile{
		Name:    "yuv",
		Inputs:  []soft.TensorFile{{Name: "frame", DType: "uint8", Layout: "420sp", Dims: []int{1, 2, 2}}},
		Outputs: []soft.TensorFile{{Name: "copy", DType: "uint8", Dims: []int{1, 6}}},
	})
	shape := wire.TensorShape{Dims: []wire.Dim{{Size: 1}, {Size: 2}, {Size: 2}, {Size: 3}}}

	// Same resolution as the RGB model: the NV12 frame is still converted.
	req := request(rgb, map[string]*wire.Tensor{"image": {DType: wire.DT_UINT8, Shape: shape}})
	req.StreamID = id
	_, err = f.orch.Predict(context.Background(), req)
	require.NoError(t, err)
	loads := f.conn.conversions()
	require.Len(t, loads, 1)
	w, h, err := loads[0].params.GetIntArr2(accel.ParamOutputSize)
	require.NoError(t, err)
	assert.Equal(t, [2]int64{2, 2}, [2]int64{w, h})

	// A model that takes NV12 at the frame's size gets the frame as is.
	req = request(yuv, map[string]*wire.Tensor{"frame": {DType: wire.DT_UINT8, Shape: shape}})
	req.StreamID = id
	resp, err := f.orch.Predict(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, f.conn.conversions(), 1, "no conversion for the NV12 model")
	frame, err := reg.CachedFrame(id, uint64(resp.FrameReference))
	require.NoError(t, err)
	assert.Equal(t, frame.Data, resp.Outputs["copy"].Content)
	f.assertNoLeaks(t)
}

func TestPredictStreamErrors(t *testing.T) {
	reg := streams.New(testpattern.New(testpattern.Options{}), streams.Config{})
	t.Cleanup(reg.Close)
	jpeg, err := reg.OpenStream(types.StreamSettings{Format: types.FormatJPEG, Width: 16, Height: 8})
	require.NoError(t, err)

	f := newFixture(t, reg, nil)
	path := f.model(t, meanModel("mean"))

	req := request(path, map[string]*wire.Tensor{"image": {DType: wire.DT_UINT8}})
	req.StreamID = 42
	_, err = f.orch.Predict(context.Background(), req)
	assert.True(t, errdefs.Is(err, errdefs.ErrCapture))

	req.StreamID = jpeg
	_, err = f.orch.Predict(context.Background(), req)
	assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument))

	noCapture := newFixture(t, nil, nil)
	req.ModelSpec.Name = noCapture.model(t, meanModel("mean"))
	_, err = noCapture.orch.Predict(context.Background(), req)
	assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument))
	f.assertNoLeaks(t)
}

func TestPredictFromSharedMemory(t *testing.T) {
	f := newFixture(t, nil, nil)
	path := f.model(t, meanModel("mean"))
	require.NoError(t, os.WriteFile(filepath.Join(f.orch.cfg.ShmDir, "frame0"), pixels, 0o600))

	in := &wire.Tensor{
		DType:     wire.DT_STRING,
		Shape:     wire.TensorShape{Dims: []wire.Dim{{Size: 1}, {Size: 2}, {Size: 2}, {Size: 3}}},
		StringVal: [][]byte{[]byte("/frame0")},
	}
	resp, err := f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": in}))
	require.NoError(t, err)
	assert.Equal(t, []float32{25, 50, 75}, floats(t, resp.Outputs["mean"]))
	assert.Empty(t, f.conn.conversions())

	in.StringVal = [][]byte{[]byte("missing")}
	_, err = f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": in}))
	assert.True(t, errdefs.Is(err, errdefs.ErrIO))

	in.StringVal = [][]byte{[]byte("../etc/passwd")}
	_, err = f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": in}))
	assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument))
	f.assertNoLeaks(t)
}

func TestFailingJobReleasesEverything(t *testing.T) {
	f := newFixture(t, nil, nil)
	mf := meanModel("broken")
	mf.Op = soft.OpFail
	path := f.model(t, mf)

	_, err := f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": imageTensor(4, 4, make([]byte, 48))}))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ErrInferenceJob))
	assert.Equal(t, "inference_job", errdefs.Class(err))
	assert.Zero(t, f.stats.InferenceSucceeded.Load())
	f.assertNoLeaks(t)
}

func TestPreprocessingFailureAbortsRequest(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.conn.failConversions = true
	path := f.model(t, meanModel("mean"))

	resp, err := f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": imageTensor(4, 4, make([]byte, 48))}))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, errdefs.Is(err, errdefs.ErrPreprocessing))
	assert.Equal(t, "preprocessing", errdefs.Class(err))
	assert.Len(t, f.conn.conversions(), 1)
	assert.Zero(t, f.stats.InferenceSucceeded.Load())
	f.assertNoLeaks(t)

	// A matching input needs no conversion and still works.
	resp, err = f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": imageTensor(2, 2, pixels)}))
	require.NoError(t, err)
	assert.Equal(t, []float32{25, 50, 75}, floats(t, resp.Outputs["mean"]))
}

func TestRejectsDegenerateShapes(t *testing.T) {
	f := newFixture(t, nil, nil)
	path := f.model(t, meanModel("mean"))

	for _, dims := range [][]int64{
		{1, 1 << 31, 1 << 31, 0},
		{1, 1 << 31, 1 << 31, 1},
		{1, 4, 4, 0},
		{1, -4, 4, 3},
	} {
		in := &wire.Tensor{DType: wire.DT_UINT8}
		for _, d := range dims {
			in.Shape.Dims = append(in.Shape.Dims, wire.Dim{Size: d})
		}
		resp, err := f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": in}))
		assert.Nil(t, resp)
		assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument), "%v: %v", dims, err)
	}

	// A shape larger than the shared memory object.
	require.NoError(t, os.WriteFile(filepath.Join(f.orch.cfg.ShmDir, "small"), pixels, 0o600))
	shm := &wire.Tensor{
		DType:     wire.DT_STRING,
		Shape:     wire.TensorShape{Dims: []wire.Dim{{Size: 1}, {Size: 480}, {Size: 640}, {Size: 3}}},
		StringVal: [][]byte{[]byte("/small")},
	}
	_, err := f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": shm}))
	assert.True(t, errdefs.Is(err, errdefs.ErrInvalidArgument))

	assert.Empty(t, f.conn.conversions())
	f.assertNoLeaks(t)
}

func TestMemfdBackingFiles(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) { c.UseMemfd = true })
	path := f.model(t, meanModel("mean"))

	resp, err := f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": imageTensor(2, 2, pixels)}))
	require.NoError(t, err)
	assert.Equal(t, []float32{25, 50, 75}, floats(t, resp.Outputs["mean"]))

	entries, err := os.ReadDir(f.orch.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentPredict(t *testing.T) {
	f := newFixture(t, nil, nil)
	path := f.model(t, meanModel("mean"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Predict(context.Background(), request(path, map[string]*wire.Tensor{"image": imageTensor(2, 2, pixels)}))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.conn.Stats().LoadCalls[accel.ChipTFLiteCPU])
	assert.Equal(t, 8, f.conn.Stats().JobsRun)
	f.assertNoLeaks(t)
}

func TestCloseUnloadsModels(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.orch.Preload([]string{f.model(t, meanModel("a")), f.model(t, meanModel("b"))}))
	assert.Len(t, f.orch.Models(), 2)
	require.NoError(t, f.orch.LogChips())

	require.NoError(t, f.orch.Close())
	assert.Zero(t, f.conn.Stats().LiveModels)
	assert.Empty(t, f.orch.Models())
	assert.Zero(t, f.stats.ModelsLoaded.Load())
}
