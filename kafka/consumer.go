package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"donor-service/domain"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/hamba/avro/v2"
	"github.com/riferrei/srclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errInvalidTokenEvent = errors.New("invalid token event")

// TokenUpdater stores a user's refreshed push token
type TokenUpdater interface {
	UpdateNotificationToken(ctx context.Context, id, token string) error
}

// SchemaSource fetches writer schemas by registry id
type SchemaSource interface {
	GetSchema(schemaID int) (*srclient.Schema, error)
}

const (
	minRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff = 30 * time.Second
)

// messageSource is the part of *kafka.Consumer the token consumer drives
type messageSource interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, ignoredTimeoutMs int) error
	Close() error
}

// Consumer applies donor push-token refreshes published by the mobile backend
type Consumer struct {
	kafkaConsumer messageSource
	backoff       time.Duration
	registry      SchemaSource
	topic         string
	users         TokenUpdater
	logger        *slog.Logger
	tracer        trace.Tracer

	mu      sync.Mutex
	schemas map[int]avro.Schema
	local   avro.Schema
}

func NewConsumer(bootstrapServers, schemaRegistryURL, topic, groupID string, users TokenUpdater, logger *slog.Logger) (*Consumer, error) {
	config := &kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	}
	c, err := kafka.NewConsumer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	consumer, err := newTokenConsumer(srclient.CreateSchemaRegistryClient(schemaRegistryURL), users, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	consumer.kafkaConsumer = c
	consumer.topic = topic
	return consumer, nil
}

func newTokenConsumer(registry SchemaSource, users TokenUpdater, logger *slog.Logger) (*Consumer, error) {
	_, local, err := loadSchema(tokenEventSchemaFile)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		backoff:  minRetryBackoff,
		registry: registry,
		users:    users,
		logger:   logger,
		tracer:   otel.Tracer("donor-service"),
		schemas:  make(map[int]avro.Schema),
		local:    local,
	}, nil
}

// Start consumes until ctx is cancelled. Offsets are committed only after the
// token write succeeds or the message is found to be unprocessable. A message
// that fails transiently is replayed from its own offset after a backoff, so
// later messages on the partition never commit past it.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.kafkaConsumer.SubscribeTopics([]string{c.topic}, nil); err != nil {
		c.logger.Error("Failed to subscribe to topic", "topic", c.topic, "error", err, "app", "donor-service")
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	c.logger.Info("Subscribed to Kafka topic", "topic", c.topic, "app", "donor-service")

	backoff := c.backoff
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context canceled, stopping Kafka consumer", "app", "donor-service")
			return ctx.Err()
		default:
		}

		msg, err := c.kafkaConsumer.ReadMessage(time.Second)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			c.logger.Error("Error reading Kafka message", "error", err, "app", "donor-service")
			continue
		}

		if err := c.handleMessage(ctx, msg.Value); err != nil {
			if !unprocessable(err) {
				c.logger.Error("Failed to apply token event, replaying",
					"offset", msg.TopicPartition.Offset,
					"backoff", backoff,
					"error", err,
					"app", "donor-service")
				if err := c.kafkaConsumer.Seek(msg.TopicPartition, 0); err != nil {
					c.logger.Error("Failed to rewind Kafka partition", "offset", msg.TopicPartition.Offset, "error", err, "app", "donor-service")
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxRetryBackoff)
				continue
			}
			c.logger.Warn("Skipping unprocessable token event", "offset", msg.TopicPartition.Offset, "error", err, "app", "donor-service")
		}
		backoff = c.backoff

		if _, err := c.kafkaConsumer.CommitMessage(msg); err != nil {
			c.logger.Error("Failed to commit Kafka offset",
				"topic", *msg.TopicPartition.Topic,
				"partition", msg.TopicPartition.Partition,
				"offset", msg.TopicPartition.Offset,
				"error", err,
				"app", "donor-service")
		}
	}
}

// unprocessable reports errors that replaying the message cannot fix
func unprocessable(err error) bool {
	return errors.Is(err, errInvalidFrame) ||
		errors.Is(err, errInvalidTokenEvent) ||
		errors.Is(err, domain.ErrNotFound)
}

// handleMessage decodes one framed token event and stores the token
func (c *Consumer) handleMessage(ctx context.Context, value []byte) error {
	ctx, span := c.tracer.Start(ctx, "ProcessTokenEvent")
	defer span.End()

	schemaID, body, err := unframe(value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid message framing")
		return err
	}
	span.SetAttributes(attribute.Int("schemaID", schemaID))

	writer, err := c.schemaFor(schemaID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to resolve schema")
		return err
	}

	var event DonorTokenEvent
	if err := avro.Unmarshal(writer, body, &event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode event")
		return fmt.Errorf("%w: %v", errInvalidTokenEvent, err)
	}
	if event.UserID == "" {
		return fmt.Errorf("%w: missing user_id", errInvalidTokenEvent)
	}

	span.SetAttributes(attribute.String("userID", event.UserID))
	if err := c.users.UpdateNotificationToken(ctx, event.UserID, event.Token); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to update token")
		return fmt.Errorf("failed to update token for %s: %w", event.UserID, err)
	}
	c.logger.Info("Updated notification token", "userID", event.UserID, "app", "donor-service")
	return nil
}

// schemaFor returns the writer schema for an id, falling back to the embedded
// schema when the registry is unreachable
func (c *Consumer) schemaFor(schemaID int) (avro.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[schemaID]; ok {
		return s, nil
	}
	if c.registry == nil {
		return c.local, nil
	}

	obj, err := c.registry.GetSchema(schemaID)
	if err != nil {
		c.logger.Warn("Schema registry lookup failed, using embedded schema", "schemaID", schemaID, "error", err, "app", "donor-service")
		return c.local, nil
	}
	s, err := avro.Parse(obj.Schema())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse schema %d: %v", errInvalidTokenEvent, schemaID, err)
	}
	c.schemas[schemaID] = s
	return s, nil
}

// Close shuts down the Kafka consumer
func (c *Consumer) Close() {
	c.logger.Info("Closing Kafka consumer", "app", "donor-service")
	if c.kafkaConsumer != nil {
		c.kafkaConsumer.Close()
	}
}
