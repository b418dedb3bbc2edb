package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"donor-service/domain"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/hamba/avro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFrame_WireFormat(t *testing.T) {
	msg := frame(258, []byte{0xAA, 0xBB})
	assert.Equal(t, []byte{0, 0, 0, 1, 2, 0xAA, 0xBB}, msg)

	id, body, err := unframe(msg)
	require.NoError(t, err)
	assert.Equal(t, 258, id)
	assert.Equal(t, []byte{0xAA, 0xBB}, body)
}

func TestUnframe_Invalid(t *testing.T) {
	_, _, err := unframe([]byte{0, 1})
	assert.ErrorIs(t, err, errInvalidFrame)

	_, _, err = unframe([]byte{9, 0, 0, 0, 1})
	assert.ErrorIs(t, err, errInvalidFrame)
}

func TestEncode_RequestEvent(t *testing.T) {
	_, schema, err := loadSchema(requestEventSchemaFile)
	require.NoError(t, err)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg, err := encode(schema, 7, &domain.OutboxEvent{
		ID:        "evt-1",
		EventType: domain.EventDonorAccepted,
		RequestID: "req-1",
		BloodType: domain.ONegative,
		Status:    domain.StatusCompleted,
		DonorID:   "donor-1",
		CreatedAt: created,
	})
	require.NoError(t, err)

	id, body, err := unframe(msg)
	require.NoError(t, err)
	assert.Equal(t, 7, id)

	var decoded BloodRequestEvent
	require.NoError(t, avro.Unmarshal(schema, body, &decoded))
	assert.Equal(t, "req-1", decoded.RequestID)
	assert.Equal(t, "completed", decoded.Status)
	require.NotNil(t, decoded.DonorID)
	assert.Equal(t, "donor-1", *decoded.DonorID)
	assert.True(t, created.Equal(decoded.CreatedAt))
}

func TestNewBloodRequestEvent_NoDonor(t *testing.T) {
	ev := newBloodRequestEvent(&domain.OutboxEvent{ID: "e", EventType: domain.EventRequestCreated})
	assert.Nil(t, ev.DonorID)
}

// fakeOutbox is an in-memory OutboxRepository
type fakeOutbox struct {
	mu        sync.Mutex
	events    []*domain.OutboxEvent
	processed map[string]bool
}

func (f *fakeOutbox) GetUnprocessedOutboxEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.OutboxEvent
	for _, e := range f.events {
		if !f.processed[e.ID] && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeOutbox) MarkOutboxEventProcessed(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[eventID] = true
	return nil
}

type fakePublisher struct {
	published []string
	failOn    map[string]bool
}

func (f *fakePublisher) PublishOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	if f.failOn[event.ID] {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, event.ID)
	return nil
}

func TestOutboxProcessor_ProcessOnce(t *testing.T) {
	repo := &fakeOutbox{
		events:    []*domain.OutboxEvent{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		processed: map[string]bool{},
	}
	pub := &fakePublisher{failOn: map[string]bool{"b": true}}
	p := NewOutboxProcessor(repo, pub, time.Second, discardLogger())

	n, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "c"}, pub.published)
	assert.False(t, repo.processed["b"])

	pub.failOn = nil
	n, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, repo.processed["b"])

	n, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type fakeTokens struct {
	tokens map[string]string
	err    error
}

func (f *fakeTokens) UpdateNotificationToken(ctx context.Context, id, token string) error {
	if f.err != nil {
		return f.err
	}
	f.tokens[id] = token
	return nil
}

func tokenMessage(t *testing.T, ev DonorTokenEvent) []byte {
	t.Helper()
	_, schema, err := loadSchema(tokenEventSchemaFile)
	require.NoError(t, err)
	body, err := avro.Marshal(schema, ev)
	require.NoError(t, err)
	return frame(3, body)
}

func TestConsumer_HandleMessage(t *testing.T) {
	tokens := &fakeTokens{tokens: map[string]string{}}
	c, err := newTokenConsumer(nil, tokens, discardLogger())
	require.NoError(t, err)

	msg := tokenMessage(t, DonorTokenEvent{UserID: "u1", Token: "fresh", UpdatedAt: time.Now()})
	require.NoError(t, c.handleMessage(context.Background(), msg))
	assert.Equal(t, "fresh", tokens.tokens["u1"])
}

func TestConsumer_HandleMessageRejectsBadInput(t *testing.T) {
	tokens := &fakeTokens{tokens: map[string]string{}}
	c, err := newTokenConsumer(nil, tokens, discardLogger())
	require.NoError(t, err)

	err = c.handleMessage(context.Background(), []byte{1, 2})
	assert.ErrorIs(t, err, errInvalidFrame)

	msg := tokenMessage(t, DonorTokenEvent{Token: "orphan", UpdatedAt: time.Now()})
	err = c.handleMessage(context.Background(), msg)
	assert.ErrorIs(t, err, errInvalidTokenEvent)
	assert.Empty(t, tokens.tokens)
}

func TestConsumer_HandleMessageStoreError(t *testing.T) {
	tokens := &fakeTokens{err: domain.ErrNotFound}
	c, err := newTokenConsumer(nil, tokens, discardLogger())
	require.NoError(t, err)

	msg := tokenMessage(t, DonorTokenEvent{UserID: "ghost", Token: "t", UpdatedAt: time.Now()})
	err = c.handleMessage(context.Background(), msg)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NotErrorIs(t, err, errInvalidTokenEvent)
}

// flakyTokens fails the first failures updates, then stores tokens
type flakyTokens struct {
	mu       sync.Mutex
	failures int
	calls    int
	tokens   map[string]string
}

func (f *flakyTokens) UpdateNotificationToken(ctx context.Context, id, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("mongo: connection reset")
	}
	f.tokens[id] = token
	return nil
}

func (f *flakyTokens) get(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[id]
	return t, ok
}

// fakeSource replays a fixed partition log and honours Seek
type fakeSource struct {
	mu        sync.Mutex
	log       []*kafka.Message
	pos       int
	committed []kafka.Offset
}

func (f *fakeSource) SubscribeTopics(topics []string, cb kafka.RebalanceCb) error { return nil }

func (f *fakeSource) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= len(f.log) {
		time.Sleep(time.Millisecond)
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
	m := f.log[f.pos]
	f.pos++
	return m, nil
}

func (f *fakeSource) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, m.TopicPartition.Offset)
	return nil, nil
}

func (f *fakeSource) Seek(tp kafka.TopicPartition, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.log {
		if m.TopicPartition.Offset == tp.Offset {
			f.pos = i
			return nil
		}
	}
	return errors.New("offset out of range")
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) commits() []kafka.Offset {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Offset(nil), f.committed...)
}

func TestConsumer_ReplaysTransientFailure(t *testing.T) {
	topic := "donor-token-events"
	at := func(offset kafka.Offset, ev DonorTokenEvent) *kafka.Message {
		return &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: offset},
			Value:          tokenMessage(t, ev),
		}
	}
	source := &fakeSource{log: []*kafka.Message{
		at(5, DonorTokenEvent{UserID: "u1", Token: "refreshed", UpdatedAt: time.Now()}),
		at(6, DonorTokenEvent{UserID: "u2", Token: "other", UpdatedAt: time.Now()}),
	}}
	tokens := &flakyTokens{failures: 1, tokens: map[string]string{}}

	c, err := newTokenConsumer(nil, tokens, discardLogger())
	require.NoError(t, err)
	c.kafkaConsumer = source
	c.topic = topic
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return len(source.commits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	token, ok := tokens.get("u1")
	assert.True(t, ok)
	assert.Equal(t, "refreshed", token)
	token, _ = tokens.get("u2")
	assert.Equal(t, "other", token)
	assert.Equal(t, []kafka.Offset{5, 6}, source.commits())
}

func TestConsumer_SkipsUnknownUser(t *testing.T) {
	topic := "donor-token-events"
	source := &fakeSource{log: []*kafka.Message{{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Offset: 9},
		Value:          tokenMessage(t, DonorTokenEvent{UserID: "ghost", Token: "t", UpdatedAt: time.Now()}),
	}}}
	c, err := newTokenConsumer(nil, &fakeTokens{err: domain.ErrNotFound}, discardLogger())
	require.NoError(t, err)
	c.kafkaConsumer = source
	c.topic = topic

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	require.Eventually(t, func() bool { return len(source.commits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []kafka.Offset{9}, source.commits())
}
