package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "donor-service"

// MongoRequestRepository implements RequestRepository and OutboxRepository
type MongoRequestRepository struct {
	RequestCollection *mongo.Collection
	OutboxCollection  *mongo.Collection
}

// NewMongoRequestRepository creates a new MongoRequestRepository
func NewMongoRequestRepository(client *mongo.Client, database string) *MongoRequestRepository {
	return &MongoRequestRepository{
		RequestCollection: client.Database(database).Collection("blood_requests"),
		OutboxCollection:  client.Database(database).Collection("outbox"),
	}
}

// EnsureIndexes creates the indexes used by the lifecycle queries
func (r *MongoRequestRepository) EnsureIndexes(ctx context.Context) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoEnsureRequestIndexes")
	defer span.End()

	_, err := r.RequestCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expiresAt", Value: 1}}},
		{Keys: bson.D{{Key: "bloodType", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create request indexes")
		return fmt.Errorf("failed to create request indexes: %w", err)
	}
	_, err = r.OutboxCollection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "processed", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create outbox index")
		return fmt.Errorf("failed to create outbox index: %w", err)
	}
	return nil
}

// CreateRequest inserts a request and its creation event in one transaction
func (r *MongoRequestRepository) CreateRequest(ctx context.Context, req *BloodRequest, event *OutboxEvent) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoCreateRequest")
	defer span.End()

	session, err := r.RequestCollection.Database().Client().StartSession()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to start MongoDB session")
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := r.RequestCollection.InsertOne(sc, req); err != nil {
			return nil, fmt.Errorf("failed to insert request: %w", err)
		}
		if event != nil {
			if _, err := r.OutboxCollection.InsertOne(sc, event); err != nil {
				return nil, fmt.Errorf("failed to save outbox event: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Transaction failed")
		return err
	}
	span.SetAttributes(
		attribute.String("requestID", req.ID),
		attribute.String("bloodType", string(req.BloodType)),
	)
	return nil
}

// GetRequestByID retrieves a request by ID
func (r *MongoRequestRepository) GetRequestByID(ctx context.Context, id string) (*BloodRequest, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoGetRequestByID")
	defer span.End()

	var req BloodRequest
	err := r.RequestCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find request")
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to find request: %w", err)
	}
	span.SetAttributes(attribute.String("requestID", id))
	return &req, nil
}

// RecordDispatch stores the notification outcome on the request
func (r *MongoRequestRepository) RecordDispatch(ctx context.Context, id string, notified []NotifiedDonor, sent, failed int) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoRecordDispatch")
	defer span.End()

	if notified == nil {
		notified = []NotifiedDonor{}
	}
	res, err := r.RequestCollection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"notifiedDonors":      notified,
			"notificationsSent":   sent,
			"notificationsFailed": failed,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to record dispatch")
		return fmt.Errorf("failed to record dispatch: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	span.SetAttributes(
		attribute.String("requestID", id),
		attribute.Int("sent", sent),
		attribute.Int("failed", failed),
	)
	return nil
}

// UpdateRequest runs mutate against the current request inside a transaction.
// The write is guarded by the version read in the same transaction.
func (r *MongoRequestRepository) UpdateRequest(ctx context.Context, id string, mutate Mutation) (*BloodRequest, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoUpdateRequest")
	defer span.End()

	session, err := r.RequestCollection.Database().Client().StartSession()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to start MongoDB session")
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var req BloodRequest
		if err := r.RequestCollection.FindOne(sc, bson.M{"_id": id}).Decode(&req); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
			}
			return nil, fmt.Errorf("failed to find request: %w", err)
		}

		version := req.Version
		event, err := mutate(&req)
		if err != nil {
			return nil, err
		}
		req.Version = version + 1

		res, err := r.RequestCollection.UpdateOne(sc,
			bson.M{"_id": id, "version": version},
			bson.M{"$set": bson.M{
				"status":    req.Status,
				"donations": req.Donations,
				"version":   req.Version,
			}},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update request: %w", err)
		}
		if res.MatchedCount == 0 {
			return nil, fmt.Errorf("%w: request %s was modified concurrently", ErrConcurrencyConflict, id)
		}

		if event != nil {
			if _, err := r.OutboxCollection.InsertOne(sc, event); err != nil {
				return nil, fmt.Errorf("failed to save outbox event: %w", err)
			}
		}
		return &req, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Transaction failed")
		return nil, err
	}

	req := result.(*BloodRequest)
	span.SetAttributes(
		attribute.String("requestID", id),
		attribute.String("status", string(req.Status)),
		attribute.Int64("version", req.Version),
	)
	return req, nil
}

// FindActive lists open, unexpired requests for the given blood types, newest first
func (r *MongoRequestRepository) FindActive(ctx context.Context, bloodTypes []BloodType, now time.Time, limit int) ([]*BloodRequest, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoFindActiveRequests")
	defer span.End()

	filter := bson.M{
		"status":    bson.M{"$in": []RequestStatus{StatusLooking, StatusPartiallyFulfilled}},
		"bloodType": bson.M{"$in": bloodTypes},
		"expiresAt": bson.M{"$gt": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(int64(limit))

	cursor, err := r.RequestCollection.Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find active requests")
		return nil, fmt.Errorf("failed to find active requests: %w", err)
	}
	defer cursor.Close(ctx)

	var requests []*BloodRequest
	for cursor.Next(ctx) {
		var req BloodRequest
		if err := cursor.Decode(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to decode request")
			return nil, fmt.Errorf("failed to decode request: %w", err)
		}
		requests = append(requests, &req)
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Cursor error")
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	span.SetAttributes(attribute.Int("requestCount", len(requests)))
	return requests, nil
}

// ExpireStale marks open requests past their expiry as expired
func (r *MongoRequestRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoExpireStale")
	defer span.End()

	res, err := r.RequestCollection.UpdateMany(ctx,
		bson.M{
			"expiresAt": bson.M{"$lt": now},
			"status":    bson.M{"$in": []RequestStatus{StatusLooking, StatusPartiallyFulfilled}},
		},
		bson.M{
			"$set": bson.M{"status": StatusExpired},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to expire requests")
		return 0, fmt.Errorf("failed to expire requests: %w", err)
	}
	span.SetAttributes(attribute.Int64("expiredCount", res.ModifiedCount))
	return res.ModifiedCount, nil
}

// GetUnprocessedOutboxEvents retrieves unprocessed outbox events, oldest first
func (r *MongoRequestRepository) GetUnprocessedOutboxEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoGetUnprocessedOutboxEvents")
	defer span.End()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))
	cursor, err := r.OutboxCollection.Find(ctx, bson.M{"processed": false}, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find unprocessed outbox events")
		return nil, fmt.Errorf("failed to find unprocessed outbox events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*OutboxEvent
	for cursor.Next(ctx) {
		var event OutboxEvent
		if err := cursor.Decode(&event); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to decode outbox event")
			return nil, fmt.Errorf("failed to decode outbox event: %w", err)
		}
		events = append(events, &event)
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Cursor error")
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	span.SetAttributes(attribute.Int("eventCount", len(events)))
	return events, nil
}

// MarkOutboxEventProcessed marks an outbox event as processed
func (r *MongoRequestRepository) MarkOutboxEventProcessed(ctx context.Context, eventID string) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoMarkOutboxEventProcessed")
	defer span.End()

	now := time.Now()
	_, err := r.OutboxCollection.UpdateOne(ctx, bson.M{"_id": eventID}, bson.M{
		"$set": bson.M{
			"processed":    true,
			"processed_at": now,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to mark outbox event as processed")
		return err
	}
	span.SetAttributes(attribute.String("eventID", eventID))
	return nil
}
