package streaming

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

type Server struct {
	address string
	service *ExpanderService
	grpc    *grpc.Server
	logger  *zap.Logger
}

func NewServer(address string, service *ExpanderService, logger *zap.Logger) *Server {
	s := &Server{
		address: address,
		service: service,
		logger:  logger,
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	RegisterExpanderServer(s.grpc, service)
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("gRPC listen failed: %w", err)
	}
	s.Serve(ln)
	return nil
}

func (s *Server) Serve(ln net.Listener) {
	s.logger.Info("gRPC server listening", zap.String("address", ln.Addr().String()))

	go func() {
		if err := s.grpc.Serve(ln); err != nil {
			s.logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()
}

// Shutdown ends open streams and stops gracefully, forcing the stop when ctx
// expires first.
func (s *Server) Shutdown(ctx context.Context) {
	s.service.Close()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("gRPC graceful stop timed out")
		s.grpc.Stop()
	}
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	s.logger.Debug("gRPC call",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("duration", time.Since(start)))

	return resp, err
}
