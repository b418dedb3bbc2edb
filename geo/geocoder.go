package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"donor-service/domain"
	"donor-service/metrics"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultGeocodeURL is the Google Geocoding API endpoint
const DefaultGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

// ErrGeocodeFailure is returned when an address cannot be resolved
var ErrGeocodeFailure = errors.New("geocode failure")

// Client resolves free-text addresses to coordinates through the geocoding provider
type Client struct {
	apiKey     string
	timeout    time.Duration
	httpClient *resty.Client
	cache      *Cache
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewClient creates a geocoding client backed by the given cache
func NewClient(baseURL, apiKey string, timeout time.Duration, cache *Cache, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultGeocodeURL
	}
	if cache == nil {
		cache = NewCache()
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetRetryCount(1).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json")
	return &Client{
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: httpClient,
		cache:      cache,
		tracer:     otel.Tracer("donor-service"),
		logger:     logger,
	}
}

type geocodeResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

// Resolve returns the coordinates of address, using the cache when possible
func (c *Client) Resolve(ctx context.Context, address string) (domain.Location, error) {
	ctx, span := c.tracer.Start(ctx, "GeocodeResolve")
	defer span.End()
	span.SetAttributes(attribute.String("address", address))

	if strings.TrimSpace(address) == "" {
		err := fmt.Errorf("%w: empty address", ErrGeocodeFailure)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Location{}, err
	}

	if loc, ok := c.cache.Get(address); ok {
		metrics.RecordGeocodeLookup(true)
		span.SetAttributes(attribute.Bool("cacheHit", true))
		return loc, nil
	}
	metrics.RecordGeocodeLookup(false)
	span.SetAttributes(attribute.Bool("cacheHit", false))

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	params := map[string]string{"address": address}
	if c.apiKey != "" {
		params["key"] = c.apiKey
	}
	headers := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, headers)

	var body geocodeResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(params).
		SetResult(&body).
		ForceContentType("application/json").
		Get("")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to call geocoding provider")
		c.logger.Error("Failed to call geocoding provider", "error", err, "app", "donor-service")
		return domain.Location{}, fmt.Errorf("%w: %v", ErrGeocodeFailure, err)
	}

	if resp.StatusCode() != http.StatusOK {
		err := fmt.Errorf("%w: provider returned status %d", ErrGeocodeFailure, resp.StatusCode())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("Geocoding provider error", "status_code", resp.StatusCode(), "app", "donor-service")
		return domain.Location{}, err
	}
	if len(body.Results) == 0 {
		err := fmt.Errorf("%w: no results (status %s)", ErrGeocodeFailure, body.Status)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("Geocoding returned no results", "status", body.Status, "message", body.ErrorMessage, "app", "donor-service")
		return domain.Location{}, err
	}

	first := body.Results[0].Geometry.Location
	loc := domain.Location{Latitude: first.Lat, Longitude: first.Lng}
	c.cache.Put(address, loc)

	span.SetAttributes(
		attribute.Float64("latitude", loc.Latitude),
		attribute.Float64("longitude", loc.Longitude),
	)
	return loc, nil
}
