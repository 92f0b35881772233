package rpc

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
)

type requestIDKey struct{}

// RequestID returns the id the server assigned to the call in ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func withRequestID(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(ctx, requestIDKey{}, id), id
}

// finish converts err to a status, then logs and counts the call.
func (s *Server) finish(id, method string, start time.Time, err error) error {
	err = errdefs.ToStatus(err)
	code := status.Code(err)
	s.metrics.ObserveRPC(method, code.String())
	if err != nil {
		s.log.Warn("RPC", "[%s] %s failed after %v: %s", id, method, time.Since(start), err)
	} else {
		s.log.Debug("RPC", "[%s] %s %s in %v", id, method, code, time.Since(start))
	}
	return err
}

// recovered logs a handler panic and reports it as Internal.
func (s *Server) recovered(id, method string, r interface{}) error {
	s.log.Error("RPC", "[%s] %s panicked: %v\n%s", id, method, r, debug.Stack())
	return status.Errorf(codes.Internal, "internal error in %s", method)
}

func (s *Server) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	start := time.Now()
	ctx, id := withRequestID(ctx)
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, s.recovered(id, info.FullMethod, r)
		}
		if err = s.finish(id, info.FullMethod, start, err); err != nil {
			resp = nil
		}
	}()
	return handler(ctx, req)
}

type idStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *idStream) Context() context.Context { return s.ctx }

func (s *Server) streamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	start := time.Now()
	ctx, id := withRequestID(ss.Context())
	defer func() {
		if r := recover(); r != nil {
			err = s.recovered(id, info.FullMethod, r)
		}
		err = s.finish(id, info.FullMethod, start, err)
	}()
	return handler(srv, &idStream{ServerStream: ss, ctx: ctx})
}
