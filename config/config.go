// Package config loads service settings from the environment, with an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the service
type Config struct {
	ServiceName    string
	ServiceAddress string
	ServicePort    int
	GRPCPort       int
	LogFile        string
	LogLevel       string
	JaegerEndpoint string

	MongoURI        string
	MongoDatabase   string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	LocationHashKey string
	LocationMaxAge  time.Duration

	ConsulAddress         string
	KafkaBootstrapServers string
	SchemaRegistryURL     string
	RequestEventsTopic    string
	TokenEventsTopic      string
	TokenConsumerGroup    string

	GoogleMapsAPIKey string
	GeocodeURL       string
	GeocodeTimeout   time.Duration

	FirebaseCredentialsFile string
	PushTimeout             time.Duration
	PushConcurrency         int
	PushRatePerSecond       float64

	MatchRadiusKm    float64
	RequestTTL       time.Duration
	DonationCooldown time.Duration
	AcceptancePolicy string
	ReaperSchedule   string
	OutboxInterval   time.Duration
}

// Load reads the configuration. envFile is loaded first when it exists;
// variables already set in the environment take precedence.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	r := &reader{}
	cfg := &Config{
		ServiceName:    r.str("SERVICE_NAME", "donor-service"),
		ServiceAddress: r.str("SERVICE_ADDRESS", "donor-service"),
		ServicePort:    r.integer("SERVICE_PORT", 8087),
		GRPCPort:       r.integer("GRPC_PORT", 50052),
		LogFile:        r.str("LOG_FILE", "/var/log/donor-service/donor-service.log"),
		LogLevel:       r.str("LOG_LEVEL", "info"),
		JaegerEndpoint: r.str("JAEGER_ENDPOINT", "jaeger:4318"),

		MongoURI:        r.str("MONGO_URI", "mongodb://mongodb:27017/donordb?replicaSet=rs0"),
		MongoDatabase:   r.str("MONGO_DATABASE", "donordb"),
		RedisAddr:       r.str("REDIS_ADDR", "redis:6379"),
		RedisPassword:   r.str("REDIS_PASSWORD", ""),
		RedisDB:         r.integer("REDIS_DB", 0),
		LocationHashKey: r.str("LOCATION_HASH_KEY", "userLocations"),
		LocationMaxAge:  r.duration("LOCATION_MAX_AGE", 0),

		ConsulAddress:         r.str("CONSUL_ADDRESS", "consul:8500"),
		KafkaBootstrapServers: r.str("KAFKA_BOOTSTRAP_SERVERS", ""),
		SchemaRegistryURL:     r.str("SCHEMA_REGISTRY_URL", "http://schema-registry:8081"),
		RequestEventsTopic:    r.str("REQUEST_EVENTS_TOPIC", "blood-request-events"),
		TokenEventsTopic:      r.str("TOKEN_EVENTS_TOPIC", "donor-token-events"),
		TokenConsumerGroup:    r.str("TOKEN_CONSUMER_GROUP", "donor-service-tokens"),

		GoogleMapsAPIKey: r.str("GOOGLE_MAPS_API_KEY", ""),
		GeocodeURL:       r.str("GEOCODE_URL", "https://maps.googleapis.com/maps/api/geocode/json"),
		GeocodeTimeout:   r.duration("GEOCODE_TIMEOUT", 5*time.Second),

		FirebaseCredentialsFile: r.str("FIREBASE_CREDENTIALS_FILE", ""),
		PushTimeout:             r.duration("PUSH_TIMEOUT", 5*time.Second),
		PushConcurrency:         r.integer("PUSH_CONCURRENCY", 8),
		PushRatePerSecond:       r.number("PUSH_RATE_PER_SECOND", 50),

		MatchRadiusKm:    r.number("MATCH_RADIUS_KM", 10),
		RequestTTL:       r.duration("REQUEST_TTL", 48*time.Hour),
		DonationCooldown: r.duration("DONATION_COOLDOWN", 90*24*time.Hour),
		AcceptancePolicy: r.str("ACCEPTANCE_POLICY", "single"),
		ReaperSchedule:   r.str("REAPER_SCHEDULE", "0 * * * *"),
		OutboxInterval:   r.duration("OUTBOX_INTERVAL", 5*time.Second),
	}
	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	if cfg.MatchRadiusKm <= 0 {
		return nil, fmt.Errorf("MATCH_RADIUS_KM must be positive, got %v", cfg.MatchRadiusKm)
	}
	if cfg.RequestTTL <= 0 {
		return nil, fmt.Errorf("REQUEST_TTL must be positive, got %s", cfg.RequestTTL)
	}
	return cfg, nil
}

// reader collects parse errors so every bad variable is reported at once
type reader struct {
	errs []error
}

func (r *reader) str(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (r *reader) integer(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return n
}

func (r *reader) number(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return f
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return d
}
