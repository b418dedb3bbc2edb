package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"donor-service/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const reasonMissingToken = "missing notification token"

// DeliveryFailure is a single donor that could not be notified
type DeliveryFailure struct {
	DonorID string `json:"donorId"`
	Reason  string `json:"reason"`
}

// Outcome is the delivery result for one donor, in dispatch order
type Outcome struct {
	DonorID      string
	DistanceKm   float64
	Token        string
	MessageID    string
	Delivered    bool
	Reason       string
	Unregistered bool

	fatal bool
}

// DispatchReport aggregates the result of a fan-out
type DispatchReport struct {
	SentCount int               `json:"sentCount"`
	Failures  []DeliveryFailure `json:"failures"`
	Outcomes  []Outcome         `json:"-"`
}

// NotifiedDonors converts the outcomes into the request's audit records
func (r DispatchReport) NotifiedDonors() []domain.NotifiedDonor {
	out := make([]domain.NotifiedDonor, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		out = append(out, domain.NotifiedDonor{
			DonorID:    o.DonorID,
			DistanceKm: o.DistanceKm,
			Delivered:  o.Delivered,
			Reason:     o.Reason,
		})
	}
	return out
}

// Config bounds the fan-out
type Config struct {
	Timeout       time.Duration
	Concurrency   int
	RatePerSecond float64
}

// Dispatcher fans push notifications out to matched donors
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	limit   int
	limiter *rate.Limiter
	now     func() time.Time
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. A zero RatePerSecond disables rate limiting.
func NewDispatcher(sender Sender, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Concurrency)
	}
	return &Dispatcher{
		sender:  sender,
		timeout: cfg.Timeout,
		limit:   cfg.Concurrency,
		limiter: limiter,
		now:     time.Now,
		tracer:  otel.Tracer("donor-service"),
		logger:  logger,
	}
}

// Dispatch sends one message per donor. Individual failures are collected in the
// report; only ErrBackendUnavailable is returned, together with the partial report.
func (d *Dispatcher) Dispatch(ctx context.Context, donors []domain.EligibleDonor, req *domain.BloodRequest) (DispatchReport, error) {
	ctx, span := d.tracer.Start(ctx, "Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("requestID", req.ID),
		attribute.Int("donors", len(donors)),
	)

	if len(donors) == 0 {
		return DispatchReport{Failures: []DeliveryFailure{}}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		fatalOnce sync.Once
		fatalErr  error
	)
	outcomes := make([]Outcome, len(donors))
	now := d.now()

	g := new(errgroup.Group)
	g.SetLimit(d.limit)
	for i, donor := range donors {
		g.Go(func() error {
			outcomes[i] = d.send(ctx, req, donor, now)
			if outcomes[i].fatal {
				fatalOnce.Do(func() {
					fatalErr = fmt.Errorf("%w: %s", ErrBackendUnavailable, outcomes[i].Reason)
					cancel()
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	report := DispatchReport{Failures: []DeliveryFailure{}, Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Delivered {
			report.SentCount++
			continue
		}
		report.Failures = append(report.Failures, DeliveryFailure{DonorID: o.DonorID, Reason: o.Reason})
	}

	span.SetAttributes(
		attribute.Int("sent", report.SentCount),
		attribute.Int("failed", len(report.Failures)),
	)
	if fatalErr != nil {
		span.RecordError(fatalErr)
		span.SetStatus(codes.Error, "Notification backend unavailable")
		d.logger.Error("Notification backend unavailable", "error", fatalErr, "requestID", req.ID, "app", "donor-service")
		return report, fatalErr
	}
	return report, nil
}

func (d *Dispatcher) send(ctx context.Context, req *domain.BloodRequest, donor domain.EligibleDonor, now time.Time) Outcome {
	out := Outcome{
		DonorID:    donor.DonorID,
		DistanceKm: donor.DistanceKm,
		Token:      donor.Info.NotificationToken,
	}
	if out.Token == "" {
		out.Reason = reasonMissingToken
		return out
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			out.Reason = err.Error()
			return out
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	id, err := d.sender.Send(sendCtx, NearbyRequestMessage(req, donor, now))
	if err != nil {
		out.Reason = err.Error()
		out.Unregistered = errors.Is(err, ErrTokenUnregistered)
		out.fatal = errors.Is(err, ErrBackendUnavailable)
		d.logger.Warn("Failed to notify donor", "donorID", donor.DonorID, "error", err, "app", "donor-service")
		return out
	}
	out.MessageID = id
	out.Delivered = true
	return out
}
