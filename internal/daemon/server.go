package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/thistory/internal/bus"
	"github.com/matheus3301/thistory/internal/profile"
	"github.com/matheus3301/thistory/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reporting the archive.
const ServiceName = "thistory.Archive"

// Server manages the gRPC control plane of a profile daemon.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the profile's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, hs *health.Server) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.Profile)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// WatchState keeps the health status in step with the daemon state until ctx
// is done: SERVING while running, NOT_SERVING otherwise.
func (s *Server) WatchState(ctx context.Context, m *status.Machine, b *bus.Bus) {
	ch, unsub := b.Subscribe(bus.DaemonStateChanged, 16)
	s.setServing(m.Current())
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					s.setServing(change.To)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Server) setServing(st status.State) {
	code := healthpb.HealthCheckResponse_NOT_SERVING
	if st == status.Running {
		code = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", code)
	s.health.SetServingStatus(ServiceName, code)
	s.logger.Debug("health status", zap.String("state", string(st)), zap.Stringer("health", code))
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
