package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"donor-service/domain"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/hamba/avro/v2"
	"github.com/riferrei/srclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Producer publishes request lifecycle events as registry-framed Avro
type Producer struct {
	kafkaProducer *kafka.Producer
	schema        avro.Schema
	SchemaID      int
	topic         string
	logger        *slog.Logger
	tracer        trace.Tracer
}

func NewProducer(bootstrapServers, schemaRegistryURL, topic string, logger *slog.Logger) (*Producer, error) {
	config := &kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"compression.type":   "snappy",
		"enable.idempotence": true,
	}
	p, err := kafka.NewProducer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	schemaStr, schema, err := loadSchema(requestEventSchemaFile)
	if err != nil {
		p.Close()
		return nil, err
	}

	srClient := srclient.CreateSchemaRegistryClient(schemaRegistryURL)
	schemaObj, err := srClient.CreateSchema(topic+"-value", schemaStr, srclient.Avro)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to register schema: %w", err)
	}
	logger.Info("Schema registered", "subject", topic+"-value", "schemaID", schemaObj.ID(), "app", "donor-service")

	return &Producer{
		kafkaProducer: p,
		schema:        schema,
		SchemaID:      schemaObj.ID(),
		topic:         topic,
		logger:        logger,
		tracer:        otel.Tracer("donor-service"),
	}, nil
}

// encode serializes an outbox event into a framed Avro message
func encode(schema avro.Schema, schemaID int, event *domain.OutboxEvent) ([]byte, error) {
	payload, err := avro.Marshal(schema, newBloodRequestEvent(event))
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return frame(schemaID, payload), nil
}

// PublishOutboxEvent publishes an outbox event keyed by request id and waits for delivery
func (p *Producer) PublishOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	_, span := p.tracer.Start(ctx, "PublishOutboxEvent")
	defer span.End()

	value, err := encode(p.schema, p.SchemaID, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to encode event")
		return err
	}

	deliveryChan := make(chan kafka.Event, 1)
	err = p.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.RequestID),
		Value:          value,
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(event.EventType)}},
	}, deliveryChan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to produce message")
		p.logger.Error("Failed to produce message", "eventID", event.ID, "error", err, "app", "donor-service")
		return fmt.Errorf("failed to produce message: %w", err)
	}

	var m *kafka.Message
	select {
	case e := <-deliveryChan:
		m = e.(*kafka.Message)
	case <-ctx.Done():
		return ctx.Err()
	}
	if m.TopicPartition.Error != nil {
		span.RecordError(m.TopicPartition.Error)
		span.SetStatus(codes.Error, "Delivery failed")
		p.logger.Error("Delivery failed", "eventID", event.ID, "error", m.TopicPartition.Error, "app", "donor-service")
		return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
	}

	p.logger.Info("Published outbox event",
		"eventID", event.ID,
		"eventType", event.EventType,
		"topic", *m.TopicPartition.Topic,
		"partition", m.TopicPartition.Partition,
		"offset", m.TopicPartition.Offset,
		"app", "donor-service")
	span.SetAttributes(
		attribute.String("eventID", event.ID),
		attribute.String("eventType", event.EventType),
		attribute.String("topic", *m.TopicPartition.Topic),
		attribute.Int("partition", int(m.TopicPartition.Partition)),
		attribute.Int64("offset", int64(m.TopicPartition.Offset)),
	)
	return nil
}

// Close flushes pending messages and shuts down the producer
func (p *Producer) Close() {
	p.logger.Info("Closing Kafka producer", "app", "donor-service")
	p.kafkaProducer.Flush(5000)
	p.kafkaProducer.Close()
}
