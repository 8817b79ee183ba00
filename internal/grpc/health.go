package server

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// HealthChecker implements the gRPC health checking protocol. Every source is
// a service of its own; the empty service name reports the whole process,
// which is serving while no source is failing.
type HealthChecker struct {
	grpc_health_v1.UnimplementedHealthServer
	mu     sync.RWMutex
	status map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
}

func NewHealthChecker(sources ...string) *HealthChecker {
	h := &HealthChecker{
		status: make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus),
	}
	h.status[""] = grpc_health_v1.HealthCheckResponse_SERVING
	for _, s := range sources {
		h.status[s] = grpc_health_v1.HealthCheckResponse_UNKNOWN
	}
	return h
}

func (h *HealthChecker) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if status, ok := h.status[req.Service]; ok {
		return &grpc_health_v1.HealthCheckResponse{
			Status: status,
		}, nil
	}

	return nil, status.Error(codes.NotFound, "unknown service")
}

func (h *HealthChecker) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watching is not supported")
}

// SetServingStatus sets the serving status of a service
func (h *HealthChecker) SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[service] = status
	h.updateOverallLocked()
}

// SetSourceStatus records the outcome of a source's last cycle.
func (h *HealthChecker) SetSourceStatus(source string, healthy bool) {
	st := grpc_health_v1.HealthCheckResponse_SERVING
	if !healthy {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.SetServingStatus(source, st)
}

// Statuses returns the serving status of every service by name.
func (h *HealthChecker) Statuses() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.status))
	for svc, st := range h.status {
		name := svc
		if name == "" {
			name = "overall"
		}
		out[name] = st.String()
	}
	return out
}

func (h *HealthChecker) updateOverallLocked() {
	overall := grpc_health_v1.HealthCheckResponse_SERVING
	for svc, st := range h.status {
		if svc != "" && st == grpc_health_v1.HealthCheckResponse_NOT_SERVING {
			overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}
	h.status[""] = overall
}
