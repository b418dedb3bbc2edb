package kafka

import (
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"donor-service/domain"

	"github.com/hamba/avro/v2"
)

//go:embed schemas/*.avsc
var schemaFS embed.FS

const (
	requestEventSchemaFile = "schemas/blood_request_event.avsc"
	tokenEventSchemaFile   = "schemas/donor_token_event.avsc"
)

// magicByte prefixes every Confluent-framed message
const magicByte byte = 0

var errInvalidFrame = errors.New("invalid message framing")

// BloodRequestEvent mirrors blood_request_event.avsc
type BloodRequestEvent struct {
	ID        string    `avro:"id"`
	EventType string    `avro:"event_type"`
	RequestID string    `avro:"request_id"`
	BloodType string    `avro:"blood_type"`
	Status    string    `avro:"status"`
	DonorID   *string   `avro:"donor_id"`
	CreatedAt time.Time `avro:"created_at"`
}

// DonorTokenEvent mirrors donor_token_event.avsc
type DonorTokenEvent struct {
	UserID    string    `avro:"user_id"`
	Token     string    `avro:"token"`
	UpdatedAt time.Time `avro:"updated_at"`
}

func newBloodRequestEvent(e *domain.OutboxEvent) BloodRequestEvent {
	ev := BloodRequestEvent{
		ID:        e.ID,
		EventType: e.EventType,
		RequestID: e.RequestID,
		BloodType: string(e.BloodType),
		Status:    string(e.Status),
		CreatedAt: e.CreatedAt,
	}
	if e.DonorID != "" {
		donorID := e.DonorID
		ev.DonorID = &donorID
	}
	return ev
}

func loadSchema(name string) (string, avro.Schema, error) {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	schema, err := avro.Parse(string(raw))
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return string(raw), schema, nil
}

// frame wraps an Avro payload in the registry wire format: magic byte, 4-byte schema id, body
func frame(schemaID int, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = magicByte
	binary.BigEndian.PutUint32(out[1:5], uint32(schemaID))
	copy(out[5:], payload)
	return out
}

// unframe splits a wire-format message into schema id and Avro body
func unframe(msg []byte) (int, []byte, error) {
	if len(msg) < 5 {
		return 0, nil, fmt.Errorf("%w: length %d", errInvalidFrame, len(msg))
	}
	if msg[0] != magicByte {
		return 0, nil, fmt.Errorf("%w: magic byte %d", errInvalidFrame, msg[0])
	}
	return int(binary.BigEndian.Uint32(msg[1:5])), msg[5:], nil
}
