package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tokenbroker.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer publishes store readiness through grpc.health.v1.Health, both for the
// overall server ("") and for the broker service name.
type HealthServer struct {
	health    *health.Server
	readiness readinessChecker
}

// NewHealthServer starts in NOT_SERVING until the first Refresh.
func NewHealthServer(r readinessChecker) *HealthServer {
	h := &HealthServer{health: health.NewServer(), readiness: r}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
}

// Refresh probes readiness once and updates the serving status.
func (h *HealthServer) Refresh(ctx context.Context) error {
	err := h.readiness.Check(ctx)
	if err != nil {
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run refreshes every interval until ctx is done, then marks the server as shutting
// down.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		if err := h.Refresh(probeCtx); err != nil && ctx.Err() == nil {
			obs.Error("readiness_probe_failed", err, nil)
		}
		cancel()
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(serviceName, status)
}
