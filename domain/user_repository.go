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

// MongoUserRepository implements UserRepository
type MongoUserRepository struct {
	UserCollection *mongo.Collection
}

// NewMongoUserRepository creates a new MongoUserRepository
func NewMongoUserRepository(client *mongo.Client, database string) *MongoUserRepository {
	return &MongoUserRepository{
		UserCollection: client.Database(database).Collection("users"),
	}
}

// EnsureIndexes creates the donor lookup index
func (r *MongoUserRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.UserCollection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "isDonor", Value: 1}, {Key: "bloodGroup", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create user index: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID
func (r *MongoUserRepository) GetUserByID(ctx context.Context, id string) (*User, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoGetUserByID")
	defer span.End()

	var user User
	err := r.UserCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find user")
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	span.SetAttributes(attribute.String("userID", id))
	return &user, nil
}

// FindDonorCandidates returns opted-in donors of the given blood types that hold a
// notification token and last donated before the cutoff (or never)
func (r *MongoUserRepository) FindDonorCandidates(ctx context.Context, bloodTypes []BloodType, lastDonationBefore time.Time) ([]*User, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoFindDonorCandidates")
	defer span.End()

	filter := bson.M{
		"isDonor":           true,
		"bloodGroup":        bson.M{"$in": bloodTypes},
		"notificationToken": bson.M{"$exists": true, "$nin": bson.A{nil, ""}},
		"$or": bson.A{
			bson.M{"lastDonationDate": bson.M{"$exists": false}},
			bson.M{"lastDonationDate": nil},
			bson.M{"lastDonationDate": bson.M{"$lte": lastDonationBefore}},
		},
	}
	opts := options.Find().SetProjection(bson.M{
		"_id":               1,
		"username":          1,
		"phone":             1,
		"bloodGroup":        1,
		"isDonor":           1,
		"notificationToken": 1,
		"lastDonationDate":  1,
	})

	cursor, err := r.UserCollection.Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find donor candidates")
		return nil, fmt.Errorf("failed to find donor candidates: %w", err)
	}
	defer cursor.Close(ctx)

	var users []*User
	if err := cursor.All(ctx, &users); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode donor candidates")
		return nil, fmt.Errorf("failed to decode donor candidates: %w", err)
	}
	span.SetAttributes(attribute.Int("candidateCount", len(users)))
	return users, nil
}

// SetLastDonationDate records the donor's most recent donation
func (r *MongoUserRepository) SetLastDonationDate(ctx context.Context, id string, at time.Time) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoSetLastDonationDate")
	defer span.End()

	res, err := r.UserCollection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"lastDonationDate": at}})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to set last donation date")
		return fmt.Errorf("failed to set last donation date: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	span.SetAttributes(attribute.String("userID", id))
	return nil
}

// UpdateNotificationToken stores a refreshed push token
func (r *MongoUserRepository) UpdateNotificationToken(ctx context.Context, id, token string) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoUpdateNotificationToken")
	defer span.End()

	res, err := r.UserCollection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"notificationToken": token}})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to update notification token")
		return fmt.Errorf("failed to update notification token: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	span.SetAttributes(attribute.String("userID", id))
	return nil
}

// ClearNotificationToken removes token from the user if it is still the current one
func (r *MongoUserRepository) ClearNotificationToken(ctx context.Context, id, token string) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "MongoClearNotificationToken")
	defer span.End()

	_, err := r.UserCollection.UpdateOne(ctx,
		bson.M{"_id": id, "notificationToken": token},
		bson.M{"$unset": bson.M{"notificationToken": ""}},
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to clear notification token")
		return fmt.Errorf("failed to clear notification token: %w", err)
	}
	span.SetAttributes(attribute.String("userID", id))
	return nil
}
