package observability

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const HealthService = "shiptrack.Aggregator"

// HealthServer exposes grpc.health.v1.Health for orchestrators.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
}

func NewHealthServer(addr string) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health listen %s: %w", addr, err)
	}
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{grpc: gs, health: hs, lis: lis}, nil
}

func (h *HealthServer) Addr() string { return h.lis.Addr().String() }

func (h *HealthServer) Start(logger *slog.Logger) {
	go func() {
		logger.Info("grpc health listening", "addr", h.Addr())
		if err := h.grpc.Serve(h.lis); err != nil {
			logger.Error("grpc health server failed", "error", err)
		}
	}()
}

func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(HealthService, status)
	h.health.SetServingStatus("", status)
}

// Stop flips every service to NOT_SERVING and stops the listener.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
