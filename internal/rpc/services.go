package rpc

import (
	"context"
	"io"

	"google.golang.org/grpc"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/paramstore"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/streams"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/types"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/wire"
)

// Service names as seen on the wire.
const (
	PredictionService = "tensorflow.serving.PredictionService"
	CaptureService    = "videocapture.v1.VideoCapture"
	ParameterService  = "keyvaluestore.v1.Parameter"
)

// Full method names.
const (
	MethodPredict      = "/" + PredictionService + "/Predict"
	MethodNewStream    = "/" + CaptureService + "/NewStream"
	MethodDeleteStream = "/" + CaptureService + "/DeleteStream"
	MethodGetFrame     = "/" + CaptureService + "/GetFrame"
	MethodGetValues    = "/" + ParameterService + "/GetValues"
)

// PredictionServer runs inference requests.
type PredictionServer interface {
	Predict(ctx context.Context, req *wire.PredictRequest) (*wire.PredictResponse, error)
}

// CaptureServer manages capture streams and serves frames.
type CaptureServer interface {
	NewStream(ctx context.Context, req *wire.NewStreamRequest) (*wire.NewStreamResponse, error)
	DeleteStream(ctx context.Context, req *wire.DeleteStreamRequest) (*wire.DeleteStreamResponse, error)
	GetFrame(ctx context.Context, req *wire.GetFrameRequest) (*wire.GetFrameResponse, error)
}

// ParameterServer answers key/value lookups on a bidirectional stream.
type ParameterServer interface {
	GetValues(stream grpc.ServerStream) error
}

// unary builds a grpc.MethodHandler for one request/response pair.
func unary[Req any, PReq interface {
	*Req
	wire.Message
}, Resp any](fullMethod string, call func(srv interface{}, ctx context.Context, req PReq) (Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv, ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var predictionServiceDesc = grpc.ServiceDesc{
	ServiceName: PredictionService,
	HandlerType: (*PredictionServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Predict",
			Handler: unary(MethodPredict, func(srv interface{}, ctx context.Context, req *wire.PredictRequest) (*wire.PredictResponse, error) {
				return srv.(PredictionServer).Predict(ctx, req)
			}),
		},
	},
	Metadata: "schema.proto",
}

var captureServiceDesc = grpc.ServiceDesc{
	ServiceName: CaptureService,
	HandlerType: (*CaptureServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "NewStream",
			Handler: unary(MethodNewStream, func(srv interface{}, ctx context.Context, req *wire.NewStreamRequest) (*wire.NewStreamResponse, error) {
				return srv.(CaptureServer).NewStream(ctx, req)
			}),
		},
		{
			MethodName: "DeleteStream",
			Handler: unary(MethodDeleteStream, func(srv interface{}, ctx context.Context, req *wire.DeleteStreamRequest) (*wire.DeleteStreamResponse, error) {
				return srv.(CaptureServer).DeleteStream(ctx, req)
			}),
		},
		{
			MethodName: "GetFrame",
			Handler: unary(MethodGetFrame, func(srv interface{}, ctx context.Context, req *wire.GetFrameRequest) (*wire.GetFrameResponse, error) {
				return srv.(CaptureServer).GetFrame(ctx, req)
			}),
		},
	},
	Metadata: "schema.proto",
}

var parameterServiceDesc = grpc.ServiceDesc{
	ServiceName: ParameterService,
	HandlerType: (*ParameterServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "GetValues",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(ParameterServer).GetValues(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "schema.proto",
}

// captureService serves the capture API from a stream registry.
type captureService struct {
	streams *streams.Registry
}

func (s *captureService) NewStream(ctx context.Context, req *wire.NewStreamRequest) (*wire.NewStreamResponse, error) {
	if req.Settings == nil {
		return nil, errdefs.Kindf(errdefs.ErrInvalidArgument, "stream settings missing")
	}
	id, err := s.streams.OpenStream(types.StreamSettings{
		Format:    types.FrameFormat(req.Settings.Format),
		Width:     int(req.Settings.Width),
		Height:    int(req.Settings.Height),
		Framerate: int(req.Settings.Framerate),
	})
	if err != nil {
		return nil, err
	}
	return &wire.NewStreamResponse{StreamID: id}, nil
}

func (s *captureService) DeleteStream(ctx context.Context, req *wire.DeleteStreamRequest) (*wire.DeleteStreamResponse, error) {
	if err := s.streams.CloseStream(req.StreamID); err != nil {
		return nil, err
	}
	return &wire.DeleteStreamResponse{}, nil
}

func (s *captureService) GetFrame(ctx context.Context, req *wire.GetFrameRequest) (*wire.GetFrameResponse, error) {
	var (
		frame types.Frame
		err   error
	)
	if req.FrameReference > 0 {
		frame, err = s.streams.CachedFrame(req.StreamID, uint64(req.FrameReference))
		if err != nil && !errdefs.Is(err, errdefs.ErrUnknownStream) {
			return nil, errdefs.Wrap(errdefs.ErrNotFound, err, "getting frame from previous inference call failed")
		}
	} else {
		frame, err = s.streams.FreshFrame(req.StreamID)
	}
	if err != nil {
		return nil, err
	}

	return &wire.GetFrameResponse{
		Data:            frame.Data,
		Size:            uint64(frame.Size()),
		Timestamp:       frame.Timestamp.UnixMicro(),
		CustomTimestamp: frame.CustomTimestamp.Microseconds(),
		SequenceNbr:     frame.SequenceNbr,
		Type:            frame.Format.String(),
	}, nil
}

// parameterService answers from the demo key/value table.
type parameterService struct{}

func (parameterService) GetValues(stream grpc.ServerStream) error {
	for {
		var req wire.KeyValueRequest
		if err := stream.RecvMsg(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := stream.SendMsg(&wire.KeyValueResponse{Value: paramstore.DemoValue(req.Key)}); err != nil {
			return err
		}
	}
}
