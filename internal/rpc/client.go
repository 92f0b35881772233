package rpc

import (
	"context"
	"io"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/wire"
)

// Client calls the gateway services over one connection.
type Client struct {
	cc *grpc.ClientConn
}

// Dial creates a client for target. Callers pass transport credentials.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.Codec{})))
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.cc.Close()
}

func (c *Client) Predict(ctx context.Context, req *wire.PredictRequest) (*wire.PredictResponse, error) {
	resp := new(wire.PredictResponse)
	if err := c.cc.Invoke(ctx, MethodPredict, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) NewStream(ctx context.Context, settings *wire.StreamSettings) (uint32, error) {
	resp := new(wire.NewStreamResponse)
	if err := c.cc.Invoke(ctx, MethodNewStream, &wire.NewStreamRequest{Settings: settings}, resp); err != nil {
		return 0, err
	}
	return resp.StreamID, nil
}

func (c *Client) DeleteStream(ctx context.Context, id uint32) error {
	return c.cc.Invoke(ctx, MethodDeleteStream, &wire.DeleteStreamRequest{StreamID: id}, new(wire.DeleteStreamResponse))
}

// GetFrame fetches a cached frame by reference, or a fresh one when ref is 0.
func (c *Client) GetFrame(ctx context.Context, id, ref uint32) (*wire.GetFrameResponse, error) {
	resp := new(wire.GetFrameResponse)
	if err := c.cc.Invoke(ctx, MethodGetFrame, &wire.GetFrameRequest{StreamID: id, FrameReference: ref}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetValues looks up keys over one parameter stream, in order.
func (c *Client) GetValues(ctx context.Context, keys []string) ([]string, error) {
	stream, err := c.cc.NewStream(ctx, &parameterServiceDesc.Streams[0], MethodGetValues)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := stream.SendMsg(&wire.KeyValueRequest{Key: k}); err != nil {
			return nil, err
		}
		var resp wire.KeyValueResponse
		if err := stream.RecvMsg(&resp); err != nil {
			return nil, err
		}
		values = append(values, resp.Value)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	if err := stream.RecvMsg(new(wire.KeyValueResponse)); err != io.EOF {
		return values, err
	}
	return values, nil
}

// Health reports the serving status of service ("" for the whole server).
func (c *Client) Health(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.cc).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}
