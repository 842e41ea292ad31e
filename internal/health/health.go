package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name probes query for gateway readiness.
const Service = "ocrsdk.gateway"

// Server exposes the standard gRPC health protocol. The gateway reports
// NOT_SERVING until the OCR SDK installation has been activated.
type Server struct {
	grpcServer *grpc.Server
	health     *grpchealth.Server
	logger     *zap.Logger
	serving    atomic.Bool
}

// NewServer returns a health server in the NOT_SERVING state.
func NewServer(logger *zap.Logger) *Server {
	h := grpchealth.NewServer()
	h.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, h)
	return &Server{grpcServer: g, health: h, logger: logger.Named("health")}
}

// MarkServing flips the gateway to SERVING.
func (s *Server) MarkServing() {
	s.serving.Store(true)
	s.health.SetServingStatus(Service, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("gateway ready")
}

// Serving reports whether MarkServing has been called.
func (s *Server) Serving() bool {
	return s.serving.Load()
}

// Serve accepts probe connections on listener until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.grpcServer.Serve(listener)
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		return <-errCh
	}
}
