// Package location reads donor positions from the Redis location hash.
// Entries are written by the mobile clients; this service never writes them.
package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"donor-service/domain"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHashKey is the Redis hash holding one field per donor id
const DefaultHashKey = "userLocations"

// KV abstracts the hash reads so tests can replace Redis
type KV interface {
	HMGet(ctx context.Context, key string, fields ...string) ([]interface{}, error)
}

// RedisKV is the go-redis implementation of KV
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) HMGet(ctx context.Context, key string, fields ...string) ([]interface{}, error) {
	return r.client.HMGet(ctx, key, fields...).Result()
}

// record is the JSON value stored per donor; timestamp is unix milliseconds
type record struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
}

// Store looks up donor locations
type Store struct {
	kv      KV
	hashKey string
	maxAge  time.Duration
	now     func() time.Time
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewStore creates a Store. A zero maxAge accepts locations of any age.
func NewStore(kv KV, hashKey string, maxAge time.Duration, logger *slog.Logger) *Store {
	if hashKey == "" {
		hashKey = DefaultHashKey
	}
	return &Store{
		kv:      kv,
		hashKey: hashKey,
		maxAge:  maxAge,
		now:     time.Now,
		tracer:  otel.Tracer("donor-service"),
		logger:  logger,
	}
}

// LocationOf returns the donor's location, or nil when none is usable
func (s *Store) LocationOf(ctx context.Context, donorID string) (*domain.DonorLocation, error) {
	locs, err := s.LocationsOf(ctx, []string{donorID})
	if err != nil {
		return nil, err
	}
	loc, ok := locs[donorID]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

// LocationsOf fetches locations for many donors in one round trip.
// Donors without a usable entry are absent from the result.
func (s *Store) LocationsOf(ctx context.Context, donorIDs []string) (map[string]domain.DonorLocation, error) {
	ctx, span := s.tracer.Start(ctx, "RedisLocationsOf")
	defer span.End()

	out := make(map[string]domain.DonorLocation, len(donorIDs))
	if len(donorIDs) == 0 {
		return out, nil
	}

	values, err := s.kv.HMGet(ctx, s.hashKey, donorIDs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to read locations")
		return nil, fmt.Errorf("failed to read locations: %w", err)
	}

	now := s.now()
	for i, v := range values {
		if i >= len(donorIDs) || v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("Skipping malformed location entry", "donorID", donorIDs[i], "error", err, "app", "donor-service")
			continue
		}
		updatedAt := time.UnixMilli(rec.Timestamp)
		if s.maxAge > 0 && rec.Timestamp > 0 && now.Sub(updatedAt) > s.maxAge {
			continue
		}
		out[donorIDs[i]] = domain.DonorLocation{
			DonorID:   donorIDs[i],
			Location:  domain.Location{Latitude: rec.Latitude, Longitude: rec.Longitude},
			UpdatedAt: updatedAt,
		}
	}

	span.SetAttributes(
		attribute.Int("requested", len(donorIDs)),
		attribute.Int("found", len(out)),
	)
	return out, nil
}
