package grpcsvc

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Probe checks one backing dependency
type Probe func(ctx context.Context) error

// HealthServer reports the service as SERVING while every probe passes
type HealthServer struct {
	service  string
	probes   map[string]Probe
	interval time.Duration
	health   *health.Server
	logger   *slog.Logger
}

func NewHealthServer(service string, probes map[string]Probe, interval time.Duration, logger *slog.Logger) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &HealthServer{
		service:  service,
		probes:   probes,
		interval: interval,
		health:   health.NewServer(),
		logger:   logger,
	}
	h.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health and reflection services to a gRPC server
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
	reflection.Register(s)
}

// Check runs every probe once and updates the serving status
func (h *HealthServer) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, span := otel.Tracer("donor-service").Start(ctx, "HealthProbe")
	defer span.End()

	status := healthpb.HealthCheckResponse_SERVING
	for name, probe := range h.probes {
		probeCtx, cancel := context.WithTimeout(ctx, h.interval/2)
		err := probe(probeCtx)
		cancel()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Probe failed")
			h.logger.Warn("Health probe failed", "probe", name, "error", err, "app", "donor-service")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	span.SetAttributes(attribute.String("status", status.String()))
	h.health.SetServingStatus(h.service, status)
	h.health.SetServingStatus("", status)
	return status
}

// Run probes on an interval until ctx is cancelled, then reports NOT_SERVING
func (h *HealthServer) Run(ctx context.Context) {
	h.Check(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}
