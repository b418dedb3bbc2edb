package kafka

import (
	"context"
	"log/slog"
	"time"

	"donor-service/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const outboxBatchSize = 100

// EventPublisher delivers one outbox event
type EventPublisher interface {
	PublishOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error
}

// OutboxProcessor relays unprocessed outbox events to Kafka
type OutboxProcessor struct {
	repo      domain.OutboxRepository
	publisher EventPublisher
	interval  time.Duration
	logger    *slog.Logger
}

// NewOutboxProcessor creates a new OutboxProcessor
func NewOutboxProcessor(repo domain.OutboxRepository, publisher EventPublisher, interval time.Duration, logger *slog.Logger) *OutboxProcessor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OutboxProcessor{
		repo:      repo,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
	}
}

// Start polls the outbox until ctx is cancelled
func (p *OutboxProcessor) Start(ctx context.Context) error {
	p.logger.Info("Outbox processor started", "interval", p.interval, "app", "donor-service")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping outbox processor", "app", "donor-service")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil {
				p.logger.Error("Failed to process outbox events", "error", err, "app", "donor-service")
			}
		}
	}
}

// ProcessOnce publishes one batch and returns how many events were marked processed.
// An event that fails to publish stays in the outbox for the next poll.
func (p *OutboxProcessor) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("donor-service").Start(ctx, "ProcessOutboxEvents")
	defer span.End()

	events, err := p.repo.GetUnprocessedOutboxEvents(ctx, outboxBatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to get unprocessed outbox events")
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	processed := 0
	for _, event := range events {
		if err := p.publisher.PublishOutboxEvent(ctx, event); err != nil {
			span.RecordError(err)
			p.logger.Error("Failed to publish outbox event", "eventID", event.ID, "error", err, "app", "donor-service")
			continue
		}
		if err := p.repo.MarkOutboxEventProcessed(ctx, event.ID); err != nil {
			span.RecordError(err)
			p.logger.Error("Failed to mark outbox event as processed", "eventID", event.ID, "error", err, "app", "donor-service")
			continue
		}
		processed++
	}

	span.SetAttributes(
		attribute.Int("fetchedEventCount", len(events)),
		attribute.Int("processedEventCount", processed),
	)
	p.logger.Info("Processed outbox events", "fetched", len(events), "processed", processed, "app", "donor-service")
	return processed, nil
}
