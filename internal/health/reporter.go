// Package health exposes provider circuit state over the gRPC health protocol.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/promptcraft/chat-gateway/internal/router"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix is prepended to provider names to form gRPC service names.
const ServicePrefix = "promptcraft.provider."

// Reporter mirrors the health tracker into a grpc health.Server. The empty
// service name reports the gateway itself.
type Reporter struct {
	server  *health.Server
	tracker *router.HealthTracker
	names   func() []string
	known   map[string]bool
}

func NewReporter(tracker *router.HealthTracker, names func() []string) *Reporter {
	r := &Reporter{
		server:  health.NewServer(),
		tracker: tracker,
		names:   names,
		known:   make(map[string]bool),
	}
	r.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return r
}

// Register attaches the health service to s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.server)
}

// Server returns the underlying health server.
func (r *Reporter) Server() *health.Server { return r.server }

// Sync publishes the current state of every provider. Providers that
// disappeared from the registry are reported as SERVICE_UNKNOWN.
func (r *Reporter) Sync() {
	current := make(map[string]bool)
	for _, name := range r.names() {
		current[name] = true
		r.server.SetServingStatus(ServicePrefix+name, statusFor(r.tracker.State(name)))
	}
	for name := range r.known {
		if !current[name] {
			r.server.SetServingStatus(ServicePrefix+name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	r.known = current
}

// Run syncs every interval until ctx is done, then marks everything
// NOT_SERVING so clients drain before shutdown.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r.Sync()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			slog.Info("grpc health reporter stopped")
			return
		case <-ticker.C:
			r.Sync()
		}
	}
}

func statusFor(state router.CircuitState) healthpb.HealthCheckResponse_ServingStatus {
	if state == router.StateOpen {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
