package rpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/accel/soft"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/capture/testpattern"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/inference"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/streams"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/wire"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	client  *Client
	server  *Server
	streams *streams.Registry
	dir     string
}

func startServer(t *testing.T, withInference bool) *harness {
	t.Helper()
	m := metrics.New()
	reg := streams.New(testpattern.New(testpattern.Options{Now: func() time.Time { return epoch }}), streams.Config{MaxCachedFrames: 3, Metrics: m})
	t.Cleanup(reg.Close)

	var predictor PredictionServer
	if withInference {
		conn, err := soft.Connect(soft.Options{})
		require.NoError(t, err)
		orch := inference.New(conn, reg, inference.Config{Chip: accel.ChipTFLiteCPU, TempDir: t.TempDir(), Metrics: m})
		t.Cleanup(func() { orch.Close() })
		predictor = orch
	}

	srv, client := serve(t, predictor, reg, m)
	return &harness{client: client, server: srv, streams: reg, dir: t.TempDir()}
}

func serve(t *testing.T, predictor PredictionServer, reg *streams.Registry, m *metrics.Metrics) (*Server, *Client) {
	t.Helper()
	srv, err := New(predictor, reg, Config{Metrics: m})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestCaptureService(t *testing.T) {
	h := startServer(t, false)
	c := ctx(t)

	id, err := h.client.NewStream(c, &wire.StreamSettings{Format: uint32(types.FormatNV12), Width: 32, Height: 16, Framerate: 30})
	require.NoError(t, err)
	assert.NotZero(t, id)

	frame, err := h.client.GetFrame(c, id, 0)
	require.NoError(t, err)
	assert.Equal(t, "nv12", frame.Type)
	assert.Equal(t, uint64(types.FormatNV12.FrameSize(32, 16)), frame.Size)
	assert.Len(t, frame.Data, int(frame.Size))
	assert.Equal(t, epoch.UnixMicro(), frame.Timestamp)
	assert.Equal(t, uint32(1), frame.SequenceNbr)

	// Fresh frames are not cached.
	assert.Empty(t, h.streams.Streams()[0].Refs)

	_, err = h.client.GetFrame(c, id, 1)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "getting frame from previous inference call failed")

	ref, err := h.streams.CaptureFrame(id, nil)
	require.NoError(t, err)
	cached, err := h.client.GetFrame(c, id, uint32(ref))
	require.NoError(t, err)
	assert.Equal(t, frame.Size, cached.Size)

	require.NoError(t, h.client.DeleteStream(c, id))
	err = h.client.DeleteStream(c, id)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = h.client.GetFrame(c, id, 0)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "stream not found")

	_, err = h.client.NewStream(c, &wire.StreamSettings{Format: uint32(types.FormatNV12)})
	assert.Equal(t, codes.Internal, status.Code(err), "zero resolution fails in the capture backend")
}

func TestParameterService(t *testing.T) {
	h := startServer(t, false)

	values, err := h.client.GetValues(ctx(t), []string{"key1", "key3", "nokey", "key5"})
	require.NoError(t, err)
	assert.Equal(t, []string{"value1", "value3", "", "value5"}, values)
}

func TestPredictionDisabledWithoutChip(t *testing.T) {
	h := startServer(t, false)
	assert.NotContains(t, h.server.Services(), PredictionService)

	_, err := h.client.Predict(ctx(t), &wire.PredictRequest{ModelSpec: &wire.ModelSpec{Name: "m"}})
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	st, err := h.client.Health(ctx(t), CaptureService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
	_, err = h.client.Health(ctx(t), PredictionService)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestPredictOverStream(t *testing.T) {
	h := startServer(t, true)
	assert.Contains(t, h.server.Services(), PredictionService)
	c := ctx(t)

	path := filepath.Join(h.dir, "mean.yaml")
	require.NoError(t, soft.WriteModelFile(path, &soft.ModelFile{
		Name:    "mean",
		Op:      soft.OpChannelMean,
		Inputs:  []soft.TensorFile{{Name: "image", DType: "uint8", Layout: "nhwc", Dims: []int{1, 4, 4, 3}}},
		Outputs: []soft.TensorFile{{Name: "mean", DType: "float32", Dims: []int{1, 3}}},
	}))

	id, err := h.client.NewStream(c, &wire.StreamSettings{Format: uint32(types.FormatNV12), Width: 32, Height: 16})
	require.NoError(t, err)

	req := &wire.PredictRequest{
		ModelSpec: &wire.ModelSpec{Name: path, SignatureName: "serving_default"},
		Inputs:    map[string]*wire.Tensor{"image": {DType: wire.DT_UINT8}},
		StreamID:  id,
	}
	resp, err := h.client.Predict(c, req)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), resp.FrameReference)
	assert.Equal(t, "serving_default", resp.ModelSpec.SignatureName)
	require.Contains(t, resp.Outputs, "mean")
	assert.Equal(t, wire.DT_FLOAT, resp.Outputs["mean"].DType)
	assert.Len(t, resp.Outputs["mean"].Content, 12)

	// The frame used for inference can be fetched afterwards.
	frame, err := h.client.GetFrame(c, id, resp.FrameReference)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), frame.SequenceNbr)

	req.Inputs["extra"] = &wire.Tensor{DType: wire.DT_UINT8}
	_, err = h.client.Predict(c, req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.Predict(c, &wire.PredictRequest{ModelSpec: &wire.ModelSpec{Name: filepath.Join(h.dir, "none.yaml")}})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestTLSConfigErrors(t *testing.T) {
	_, err := New(nil, nil, Config{CertFile: filepath.Join(t.TempDir(), "cert.pem"), KeyFile: filepath.Join(t.TempDir(), "key.pem")})
	assert.Error(t, err)
}

type panickingPredictor struct{}

func (panickingPredictor) Predict(context.Context, *wire.PredictRequest) (*wire.PredictResponse, error) {
	panic("runtime error: makeslice: len out of range")
}

func TestHandlerPanicBecomesInternal(t *testing.T) {
	m := metrics.New()
	_, client := serve(t, panickingPredictor{}, nil, m)
	c := ctx(t)

	_, err := client.Predict(c, &wire.PredictRequest{ModelSpec: &wire.ModelSpec{Name: "m"}})
	assert.Equal(t, codes.Internal, status.Code(err))

	// The server keeps serving.
	_, err = client.Predict(c, &wire.PredictRequest{ModelSpec: &wire.ModelSpec{Name: "m"}})
	assert.Equal(t, codes.Internal, status.Code(err))
	values, err := client.GetValues(c, []string{"key2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"value2"}, values)
}
