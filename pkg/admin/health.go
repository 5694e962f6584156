package admin

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health serves the standard gRPC health checking protocol. It reports
// NOT_SERVING until SetServing(true) is called.
type Health struct {
	server *grpc.Server
	health *health.Server
}

func NewHealth() *Health {
	h := &Health{
		server: grpc.NewServer(),
		health: health.NewServer(),
	}
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(h.server, h.health)
	return h
}

func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

// Serve blocks until Stop is called or lis fails.
func (h *Health) Serve(lis net.Listener) error {
	return h.server.Serve(lis)
}

// Stop marks every service as not serving and stops the server.
func (h *Health) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
