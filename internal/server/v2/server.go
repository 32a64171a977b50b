package v2

import (
	"context"
	"net"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/setavenger/blindbit-electrum/internal/logging"
)

// NewGRPCServer registers the health service and reflection.
func NewGRPCServer(hs *HealthService) *grpc.Server {
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs.srv)

	// Enable reflection for debugging
	reflection.Register(grpcServer)
	return grpcServer
}

// RunGRPCServer serves on host until ctx is cancelled.
func RunGRPCServer(ctx context.Context, host string, hs *HealthService) error {
	lis, err := net.Listen("tcp", host)
	if err != nil {
		logging.L.Err(err).Msg("failed to listen for gRPC")
		return err
	}
	return Serve(ctx, lis, hs)
}

func Serve(ctx context.Context, lis net.Listener, hs *HealthService) error {
	grpcServer := NewGRPCServer(hs)

	errCh := make(chan error, 1)
	go func() {
		logging.L.Info().Msgf("Starting gRPC server on host %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logging.L.Err(err).Msg("failed to serve gRPC")
		}
		return err
	case <-ctx.Done():
	}
	hs.Shutdown()
	grpcServer.GracefulStop()
	return nil
}
