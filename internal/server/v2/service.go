// Package v2 is the gRPC endpoint of blindbit-electrum. It serves the
// standard grpc.health.v1 service backed by the indexer state.
package v2

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/setavenger/blindbit-electrum/internal/clock"
	"github.com/setavenger/blindbit-electrum/internal/indexer"
	"github.com/setavenger/blindbit-electrum/internal/logging"
)

// IndexerService is the health service name reporting whether the index follows the node tip.
const IndexerService = "blindbit.electrum.Indexer"

type StatusSource interface {
	Status() indexer.Status
}

// HealthService mirrors the indexer status into a grpc health server.
// The overall service ("") is SERVING unless indexing hit a fatal error.
// IndexerService is SERVING only while synced and in contact with the node.
type HealthService struct {
	srv    *health.Server
	status StatusSource
}

func NewHealthService(status StatusSource) *HealthService {
	hs := &HealthService{srv: health.NewServer(), status: status}
	hs.Update()
	return hs
}

func servingStatus(st indexer.Status) (overall, idx healthpb.HealthCheckResponse_ServingStatus) {
	overall, idx = healthpb.HealthCheckResponse_SERVING, healthpb.HealthCheckResponse_SERVING
	if st.Err != nil || st.State == indexer.Fatal {
		return healthpb.HealthCheckResponse_NOT_SERVING, healthpb.HealthCheckResponse_NOT_SERVING
	}
	if st.State != indexer.Synced || st.Stalled {
		idx = healthpb.HealthCheckResponse_NOT_SERVING
	}
	return overall, idx
}

// Update reads the indexer status once and publishes it.
func (hs *HealthService) Update() {
	overall, idx := servingStatus(hs.status.Status())
	hs.srv.SetServingStatus("", overall)
	hs.srv.SetServingStatus(IndexerService, idx)
}

// Run refreshes the published status every interval until ctx is done.
func (hs *HealthService) Run(ctx context.Context, interval time.Duration) error {
	err := clock.Every(ctx, interval, nil, func(context.Context) error {
		hs.Update()
		return nil
	})
	logging.L.Debug().Err(err).Msg("grpc health updates stopped")
	return err
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (hs *HealthService) Shutdown() {
	hs.srv.Shutdown()
}
