package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"donor-service/domain"
	"donor-service/metrics"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultReaperSchedule runs the sweep at the top of every hour
const DefaultReaperSchedule = "0 * * * *"

// Reaper marks requests past their expiry as expired. Requests are never deleted,
// so running it again without new expiries changes nothing.
type Reaper struct {
	requests domain.RequestRepository
	schedule string
	now      func() time.Time
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewReaper creates a new Reaper running on the given cron schedule
func NewReaper(requests domain.RequestRepository, schedule string, logger *slog.Logger) *Reaper {
	if schedule == "" {
		schedule = DefaultReaperSchedule
	}
	return &Reaper{
		requests: requests,
		schedule: schedule,
		now:      time.Now,
		tracer:   otel.Tracer("donor-service"),
		logger:   logger,
	}
}

// RunOnce performs a single sweep and returns the number of requests expired
func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "ReaperRunOnce")
	defer span.End()

	n, err := r.requests.ExpireStale(ctx, r.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to expire requests")
		return 0, fmt.Errorf("failed to expire requests: %w", err)
	}
	span.SetAttributes(attribute.Int64("expired", n))
	metrics.RecordExpired(n)
	r.logger.Info("Expired stale requests", "count", n, "app", "donor-service")
	return n, nil
}

// Start schedules RunOnce until ctx is cancelled
func (r *Reaper) Start(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(r.logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("Expiry sweep failed", "error", err, "app", "donor-service")
		}
	}); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.schedule, err)
	}

	c.Start()
	r.logger.Info("Expiry reaper started", "schedule", r.schedule, "app", "donor-service")
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		r.logger.Info("Expiry reaper stopped", "app", "donor-service")
	}()
	return nil
}
