package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"donor-service/domain"
	"donor-service/geo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRadiusKm is the matching radius used when none is configured
const DefaultRadiusKm = 10.0

// Matcher selects the donors to notify for a request
type Matcher struct {
	directory *DonorDirectory
	radiusKm  float64
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewMatcher creates a new Matcher. A non-positive radius selects DefaultRadiusKm.
func NewMatcher(directory *DonorDirectory, radiusKm float64, logger *slog.Logger) *Matcher {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	return &Matcher{
		directory: directory,
		radiusKm:  radiusKm,
		tracer:    otel.Tracer("donor-service"),
		logger:    logger,
	}
}

// Match returns compatible donors within the radius of the hospital, closest first.
// The requester is never matched and every donor appears at most once.
func (m *Matcher) Match(ctx context.Context, req *domain.BloodRequest) ([]domain.EligibleDonor, error) {
	ctx, span := m.tracer.Start(ctx, "Match")
	defer span.End()
	span.SetAttributes(
		attribute.String("requestID", req.ID),
		attribute.String("bloodType", string(req.BloodType)),
		attribute.Float64("radiusKm", m.radiusKm),
	)

	fail := func(msg string, err error) ([]domain.EligibleDonor, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return nil, fmt.Errorf("%w: %v", domain.ErrEligibilityComputation, err)
	}

	compatible, err := domain.CompatibleDonors(req.BloodType)
	if err != nil {
		return fail("Invalid blood type", err)
	}

	candidates, err := m.directory.EligibleCandidates(ctx, compatible)
	if err != nil {
		return fail("Failed to load candidates", err)
	}

	seen := make(map[string]struct{}, len(candidates))
	unique := make([]*domain.User, 0, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == nil || c.ID == "" || c.ID == req.RequesterID {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		unique = append(unique, c)
		ids = append(ids, c.ID)
	}

	locations, err := m.directory.LocationsOf(ctx, ids)
	if err != nil {
		return fail("Failed to load locations", err)
	}

	matched := make([]domain.EligibleDonor, 0, len(unique))
	for _, c := range unique {
		loc, ok := locations[c.ID]
		if !ok {
			continue
		}
		distance := geo.Between(req.HospitalLocation, loc.Location)
		if distance > m.radiusKm {
			continue
		}
		matched = append(matched, domain.EligibleDonor{
			DonorID:    c.ID,
			DistanceKm: distance,
			Info: domain.DonorInfo{
				Username:          c.Username,
				Phone:             c.Phone,
				BloodType:         c.BloodType,
				NotificationToken: c.NotificationToken,
			},
		})
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].DistanceKm != matched[j].DistanceKm {
			return matched[i].DistanceKm < matched[j].DistanceKm
		}
		return matched[i].DonorID < matched[j].DonorID
	})

	span.SetAttributes(
		attribute.Int("candidates", len(unique)),
		attribute.Int("located", len(locations)),
		attribute.Int("matched", len(matched)),
	)
	m.logger.Info("Matched donors", "requestID", req.ID, "candidates", len(unique), "matched", len(matched), "app", "donor-service")
	return matched, nil
}
