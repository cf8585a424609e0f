package grpcserver

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const probeTimeout = 500 * time.Millisecond

// Pinger is a dependency whose reachability decides the serving status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WatchHealth probes checks every interval and publishes the overall status
// on hs until ctx is done.
func WatchHealth(ctx context.Context, hs *health.Server, checks map[string]Pinger, interval time.Duration, logger *slog.Logger) {
	hs.SetServingStatus("", probe(ctx, checks, logger))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			hs.SetServingStatus("", probe(ctx, checks, logger))
		}
	}
}

func probe(ctx context.Context, checks map[string]Pinger, logger *slog.Logger) healthpb.HealthCheckResponse_ServingStatus {
	for name, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := c.Ping(cctx)
		cancel()

		if err != nil {
			logger.Warn("dependency not ready", slog.String("dependency", name), slog.String("error", err.Error()))
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}
