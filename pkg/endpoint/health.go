package endpoint

import (
	"sync"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthReporter mirrors endpoint readiness into a gRPC health server. Each
// endpoint is reported under its own service name; the empty service name is
// SERVING only while every observed endpoint is Ready.
type HealthReporter struct {
	server *health.Server

	mu     sync.Mutex
	states map[string]State
}

var _ StateObserver = (*HealthReporter)(nil)

func NewHealthReporter(server *health.Server) *HealthReporter {
	if server == nil {
		server = health.NewServer()
	}
	h := &HealthReporter{
		server: server,
		states: map[string]State{},
	}
	server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *HealthReporter) Server() *health.Server {
	return h.server
}

func (h *HealthReporter) ObserveState(name string, state State) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.states[name] = state
	h.server.SetServingStatus(name, servingStatus(state))

	overall := healthpb.HealthCheckResponse_SERVING
	for _, s := range h.states {
		if s != Ready {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	h.server.SetServingStatus("", overall)
}

// Shutdown marks every service NOT_SERVING, for use during graceful stop.
func (h *HealthReporter) Shutdown() {
	h.server.Shutdown()
}

func servingStatus(s State) healthpb.HealthCheckResponse_ServingStatus {
	if s == Ready {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
