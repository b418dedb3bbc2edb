package service

import (
	"context"
	"fmt"
	"time"

	"donor-service/domain"
)

// LocationSource is the read side of the donor location store
type LocationSource interface {
	LocationOf(ctx context.Context, donorID string) (*domain.DonorLocation, error)
	LocationsOf(ctx context.Context, donorIDs []string) (map[string]domain.DonorLocation, error)
}

// DonorDirectory answers who may donate and where they are
type DonorDirectory struct {
	users     domain.UserRepository
	locations LocationSource
	cooldown  time.Duration
	now       func() time.Time
}

// NewDonorDirectory creates a new DonorDirectory
func NewDonorDirectory(users domain.UserRepository, locations LocationSource, cooldown time.Duration) *DonorDirectory {
	return &DonorDirectory{
		users:     users,
		locations: locations,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// EligibleCandidates returns opted-in donors of the given types that have a push
// token and are outside the donation cooldown
func (d *DonorDirectory) EligibleCandidates(ctx context.Context, compatible []domain.BloodType) ([]*domain.User, error) {
	if len(compatible) == 0 {
		return nil, nil
	}
	users, err := d.users.FindDonorCandidates(ctx, compatible, d.now().Add(-d.cooldown))
	if err != nil {
		return nil, fmt.Errorf("failed to find donor candidates: %w", err)
	}
	return users, nil
}

// LocationOf returns nil without error when the donor has no known location
func (d *DonorDirectory) LocationOf(ctx context.Context, donorID string) (*domain.DonorLocation, error) {
	return d.locations.LocationOf(ctx, donorID)
}

// LocationsOf is the batched form of LocationOf
func (d *DonorDirectory) LocationsOf(ctx context.Context, donorIDs []string) (map[string]domain.DonorLocation, error) {
	return d.locations.LocationsOf(ctx, donorIDs)
}
