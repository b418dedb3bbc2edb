package domain

import (
	"context"
	"time"
)

// Mutation changes a request inside a transactional scope. A returned event is
// written to the outbox in the same transaction.
type Mutation func(req *BloodRequest) (*OutboxEvent, error)

// RequestRepository persists blood requests and their outbox events
type RequestRepository interface {
	CreateRequest(ctx context.Context, req *BloodRequest, event *OutboxEvent) error
	GetRequestByID(ctx context.Context, id string) (*BloodRequest, error)
	RecordDispatch(ctx context.Context, id string, notified []NotifiedDonor, sent, failed int) error
	UpdateRequest(ctx context.Context, id string, mutate Mutation) (*BloodRequest, error)
	FindActive(ctx context.Context, bloodTypes []BloodType, now time.Time, limit int) ([]*BloodRequest, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// OutboxRepository exposes pending lifecycle events for publication
type OutboxRepository interface {
	GetUnprocessedOutboxEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkOutboxEventProcessed(ctx context.Context, eventID string) error
}

// UserRepository reads and updates the donor-relevant user fields
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
	FindDonorCandidates(ctx context.Context, bloodTypes []BloodType, lastDonationBefore time.Time) ([]*User, error)
	SetLastDonationDate(ctx context.Context, id string, at time.Time) error
	UpdateNotificationToken(ctx context.Context, id, token string) error
	ClearNotificationToken(ctx context.Context, id, token string) error
}
