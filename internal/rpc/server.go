// Package rpc exposes the gateway over gRPC: inference, video capture, the
// key/value parameter service and the standard health service.
package rpc

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/errdefs"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/internal/streams"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/inference-server/pkg/wire"
)

// Config configures a Server.
type Config struct {
	CertFile string
	KeyFile  string
	Log      *logger.Logger
	Metrics  *metrics.Metrics
}

// Server is the gateway's gRPC server.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	services []string
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// New builds a server. predictor may be nil, in which case the prediction
// service is not registered; capture and parameters are always served.
func New(predictor PredictionServer, reg *streams.Registry, cfg Config) (*Server, error) {
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	s := &Server{log: cfg.Log, metrics: cfg.Metrics, health: health.NewServer()}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(wire.Codec{}),
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrInvalidArgument, err, "failed to load TLS credentials")
		}
		opts = append(opts, grpc.Creds(creds))
		s.log.Info("RPC", "TLS enabled (cert=%s)", cfg.CertFile)
	} else {
		s.log.Info("RPC", "TLS disabled, serving insecure")
	}
	s.grpc = grpc.NewServer(opts...)

	if predictor != nil {
		s.register(&predictionServiceDesc, predictor)
	}
	if reg != nil {
		s.register(&captureServiceDesc, &captureService{streams: reg})
	}
	s.register(&parameterServiceDesc, parameterService{})
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s, nil
}

func (s *Server) register(desc *grpc.ServiceDesc, impl interface{}) {
	s.grpc.RegisterService(desc, impl)
	s.health.SetServingStatus(desc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.services = append(s.services, desc.ServiceName)
	s.log.Info("RPC", "Registered %s", desc.ServiceName)
}

// Services lists the registered application services.
func (s *Server) Services() []string {
	return append([]string(nil), s.services...)
}

// Serve accepts connections on lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("RPC", "Listening on %s", lis.Addr())
	if err := s.grpc.Serve(lis); err != nil {
		return errdefs.Wrap(errdefs.ErrUnavailable, err, "gRPC server error")
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is done, then stops
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrUnavailable, err, "failed to listen on %s", addr)
	}

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	return s.Serve(lis)
}

// GracefulStop marks every service NOT_SERVING and waits for in-flight
// calls to finish.
func (s *Server) GracefulStop() {
	s.log.Info("RPC", "Shutting down gRPC server")
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Stop closes all connections immediately.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}
