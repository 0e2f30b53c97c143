package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the archive.
const ServiceName = "nim.archive"

func (s *Server) newGRPCServer() *grpc.Server {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, s.health)
	return gs
}

// watchHealth pushes the archive's readiness into the gRPC health service
// until ctx is done.
func (s *Server) watchHealth(ctx context.Context) {
	s.updateHealth(ctx)

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateHealth(ctx)
		}
	}
}

func (s *Server) updateHealth(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if !serving(s.router.Health(checkCtx)) {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// serving reports whether both tiers answered. A loading embedder only
// degrades search and still serves.
func serving(checks map[string]string) bool {
	return checks["record_store"] == "ok" && checks["vector_index"] == "ok"
}
