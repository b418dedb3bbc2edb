// Package service implements the blood request lifecycle: creation with donor
// matching and notification, acceptance, listing and expiry.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"donor-service/domain"
	"donor-service/metrics"
	"donor-service/notify"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Policy decides how many donors a request accepts
type Policy string

const (
	// PolicySingle completes a request on its first acceptance
	PolicySingle Policy = "single"
	// PolicyMulti accepts donors until UnitsRequired are committed
	PolicyMulti Policy = "multi"
)

// ParsePolicy validates a configured policy name. Empty selects PolicySingle.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySingle:
		return PolicySingle, nil
	case PolicyMulti:
		return PolicyMulti, nil
	default:
		return "", fmt.Errorf("unknown acceptance policy %q", s)
	}
}

// Geocoder resolves a hospital address to coordinates
type Geocoder interface {
	Resolve(ctx context.Context, address string) (domain.Location, error)
}

// Dispatcher sends notifications to matched donors
type Dispatcher interface {
	Dispatch(ctx context.Context, donors []domain.EligibleDonor, req *domain.BloodRequest) (notify.DispatchReport, error)
}

// Config holds the lifecycle tunables
type Config struct {
	RequestTTL       time.Duration
	DonationCooldown time.Duration
	Policy           Policy
	ActiveLimit      int
	PushTimeout      time.Duration
}

// Dependencies are the collaborators of Service
type Dependencies struct {
	Requests   domain.RequestRepository
	Users      domain.UserRepository
	Geocoder   Geocoder
	Matcher    *Matcher
	Dispatcher Dispatcher
	Sender     notify.Sender
	Reaper     *Reaper
}

// Service owns the state machine of blood requests
type Service struct {
	requests   domain.RequestRepository
	users      domain.UserRepository
	geocoder   Geocoder
	matcher    *Matcher
	dispatcher Dispatcher
	sender     notify.Sender
	reaper     *Reaper
	cfg        Config
	now        func() time.Time
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewService creates a new Service
func NewService(deps Dependencies, cfg Config, logger *slog.Logger) *Service {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 48 * time.Hour
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicySingle
	}
	if cfg.ActiveLimit <= 0 {
		cfg.ActiveLimit = 20
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	return &Service{
		requests:   deps.Requests,
		users:      deps.Users,
		geocoder:   deps.Geocoder,
		matcher:    deps.Matcher,
		dispatcher: deps.Dispatcher,
		sender:     deps.Sender,
		reaper:     deps.Reaper,
		cfg:        cfg,
		now:        time.Now,
		tracer:     otel.Tracer("donor-service"),
		logger:     logger,
	}
}

// CreateRequestInput is the caller-supplied part of a new request
type CreateRequestInput struct {
	BloodType       string `json:"bloodType"`
	Description     string `json:"description"`
	UnitsRequired   int    `json:"unitsRequired"`
	ContactPhone    string `json:"contactPhone"`
	HospitalAddress string `json:"hospitalAddress"`
	RequesterID     string `json:"requesterId"`
}

// Validate returns a *domain.ValidationError naming every bad field
func (in CreateRequestInput) Validate() error {
	var fields []string
	if _, err := domain.ParseBloodType(in.BloodType); err != nil {
		fields = append(fields, "bloodType")
	}
	if in.UnitsRequired <= 0 {
		fields = append(fields, "unitsRequired")
	}
	if strings.TrimSpace(in.ContactPhone) == "" {
		fields = append(fields, "contactPhone")
	}
	if strings.TrimSpace(in.HospitalAddress) == "" {
		fields = append(fields, "hospitalAddress")
	}
	if strings.TrimSpace(in.RequesterID) == "" {
		fields = append(fields, "requesterId")
	}
	if len(fields) > 0 {
		return &domain.ValidationError{Fields: fields}
	}
	return nil
}

// CreateResult reports the outcome of CreateRequest
type CreateResult struct {
	Request             *domain.BloodRequest
	DonorsFound         int
	NotificationsSent   int
	NotificationsFailed int
}

// CreateRequest validates, geocodes and persists a request, then notifies matched
// donors. Once persisted the request is returned even if notification fails.
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (*CreateResult, error) {
	ctx, span := s.tracer.Start(ctx, "CreateRequest")
	defer span.End()

	if err := in.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid request")
		return nil, err
	}
	bloodType, _ := domain.ParseBloodType(in.BloodType)
	address := strings.TrimSpace(in.HospitalAddress)

	hospital, err := s.geocoder.Resolve(ctx, address)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to resolve hospital address")
		return nil, fmt.Errorf("%w: %v", domain.ErrLocationResolution, err)
	}

	now := s.now()
	req := &domain.BloodRequest{
		ID:               uuid.NewString(),
		RequesterID:      in.RequesterID,
		BloodType:        bloodType,
		Description:      in.Description,
		HospitalAddress:  address,
		HospitalLocation: hospital,
		UnitsRequired:    in.UnitsRequired,
		ContactPhone:     strings.TrimSpace(in.ContactPhone),
		Status:           domain.StatusLooking,
		NotifiedDonors:   []domain.NotifiedDonor{},
		Donations:        []domain.Donation{},
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.RequestTTL),
	}
	event := &domain.OutboxEvent{
		ID:        uuid.NewString(),
		EventType: domain.EventRequestCreated,
		RequestID: req.ID,
		BloodType: req.BloodType,
		Status:    req.Status,
		CreatedAt: now,
	}
	if err := s.requests.CreateRequest(ctx, req, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to persist request")
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	span.SetAttributes(
		attribute.String("requestID", req.ID),
		attribute.String("bloodType", string(req.BloodType)),
	)
	metrics.RecordRequestCreated(string(req.BloodType))
	s.logger.Info("Blood request created", "requestID", req.ID, "bloodType", req.BloodType, "app", "donor-service")

	donors, err := s.matcher.Match(ctx, req)
	if err != nil {
		s.logger.Error("Failed to match donors", "requestID", req.ID, "error", err, "app", "donor-service")
		donors = nil
	}
	metrics.RecordDonorsMatched(len(donors))

	report, err := s.dispatcher.Dispatch(ctx, donors, req)
	if err != nil {
		s.logger.Error("Notification dispatch aborted", "requestID", req.ID, "error", err, "app", "donor-service")
	}
	metrics.RecordNotifications(report.SentCount, len(report.Failures))

	req.NotifiedDonors = report.NotifiedDonors()
	req.NotificationsSent = report.SentCount
	req.NotificationsFailed = len(report.Failures)
	if err := s.requests.RecordDispatch(ctx, req.ID, req.NotifiedDonors, req.NotificationsSent, req.NotificationsFailed); err != nil {
		s.logger.Error("Failed to record dispatch report", "requestID", req.ID, "error", err, "app", "donor-service")
	}
	s.clearUnregisteredTokens(ctx, report)

	span.SetAttributes(
		attribute.Int("donorsFound", len(donors)),
		attribute.Int("notificationsSent", report.SentCount),
	)
	return &CreateResult{
		Request:             req,
		DonorsFound:         len(donors),
		NotificationsSent:   report.SentCount,
		NotificationsFailed: len(report.Failures),
	}, nil
}

func (s *Service) clearUnregisteredTokens(ctx context.Context, report notify.DispatchReport) {
	for _, o := range report.Outcomes {
		if !o.Unregistered {
			continue
		}
		if err := s.users.ClearNotificationToken(ctx, o.DonorID, o.Token); err != nil {
			s.logger.Warn("Failed to clear unregistered token", "donorID", o.DonorID, "error", err, "app", "donor-service")
		}
	}
}

// AcceptResult reports a successful acceptance
type AcceptResult struct {
	RequestID string               `json:"requestId"`
	Donation  domain.Donation      `json:"donation"`
	Status    domain.RequestStatus `json:"status"`
}

// AcceptRequest records donorID as a donor for the request. The capacity checks and
// the append happen inside one repository transaction, so concurrent acceptors
// cannot both succeed beyond the policy's limit.
func (s *Service) AcceptRequest(ctx context.Context, requestID, donorID string) (result *AcceptResult, err error) {
	ctx, span := s.tracer.Start(ctx, "AcceptRequest")
	defer span.End()
	span.SetAttributes(
		attribute.String("requestID", requestID),
		attribute.String("donorID", donorID),
		attribute.String("policy", string(s.cfg.Policy)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Acceptance rejected")
			metrics.RecordAcceptance(domain.ErrorCode(err))
			return
		}
		metrics.RecordAcceptance("accepted")
	}()

	if strings.TrimSpace(requestID) == "" || strings.TrimSpace(donorID) == "" {
		var fields []string
		if strings.TrimSpace(requestID) == "" {
			fields = append(fields, "requestId")
		}
		if strings.TrimSpace(donorID) == "" {
			fields = append(fields, "donorId")
		}
		return nil, &domain.ValidationError{Fields: fields}
	}

	current, err := s.requests.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", requestID, err)
	}
	donor, err := s.users.GetUserByID(ctx, donorID)
	if err != nil {
		return nil, fmt.Errorf("donor %s: %w", donorID, err)
	}
	// checked ahead of cooldown: an accepted donor already has a fresh lastDonationDate
	if current.HasDonor(donorID) {
		return nil, domain.ErrAlreadyAccepted
	}
	if current.RequesterID == donorID {
		return nil, domain.ErrSelfDonation
	}

	now := s.now()
	if !donor.CooledDown(now, s.cfg.DonationCooldown) {
		return nil, fmt.Errorf("%w: last donation on %s", domain.ErrDonorIneligible, donor.LastDonationDate.Format(time.DateOnly))
	}

	var donation domain.Donation
	updated, err := s.requests.UpdateRequest(ctx, requestID, func(req *domain.BloodRequest) (*domain.OutboxEvent, error) {
		d, err := s.accept(req, donorID, now)
		if err != nil {
			return nil, err
		}
		donation = d
		return &domain.OutboxEvent{
			ID:        uuid.NewString(),
			EventType: domain.EventDonorAccepted,
			RequestID: req.ID,
			BloodType: req.BloodType,
			Status:    req.Status,
			DonorID:   donorID,
			CreatedAt: now,
		}, nil
	})
	if err != nil {
		s.logger.Warn("Acceptance rejected", "requestID", requestID, "donorID", donorID, "error", err, "app", "donor-service")
		return nil, err
	}

	if err := s.users.SetLastDonationDate(ctx, donorID, now); err != nil {
		s.logger.Error("Failed to update last donation date", "donorID", donorID, "error", err, "app", "donor-service")
	}
	s.notifyRequester(ctx, updated, donor)

	s.logger.Info("Donor accepted request", "requestID", requestID, "donorID", donorID, "status", updated.Status, "app", "donor-service")
	return &AcceptResult{RequestID: updated.ID, Donation: donation, Status: updated.Status}, nil
}

// accept applies the acceptance checks in order and appends the donation
func (s *Service) accept(req *domain.BloodRequest, donorID string, now time.Time) (domain.Donation, error) {
	if req.HasDonor(donorID) {
		return domain.Donation{}, domain.ErrAlreadyAccepted
	}
	if req.RequesterID == donorID {
		return domain.Donation{}, domain.ErrSelfDonation
	}
	if req.IsExpired(now) {
		return domain.Donation{}, fmt.Errorf("%w: request expired", domain.ErrConcurrencyConflict)
	}

	committed := req.UnitsCommitted()
	switch s.cfg.Policy {
	case PolicyMulti:
		if committed >= req.UnitsRequired {
			return domain.Donation{}, fmt.Errorf("%w: all units committed", domain.ErrConcurrencyConflict)
		}
	default:
		if len(req.ActiveDonations()) > 0 {
			return domain.Donation{}, fmt.Errorf("%w: request already has a donor", domain.ErrConcurrencyConflict)
		}
	}
	if req.Status.Terminal() {
		return domain.Donation{}, fmt.Errorf("%w: request is %s", domain.ErrConcurrencyConflict, req.Status)
	}

	next := domain.StatusCompleted
	if s.cfg.Policy == PolicyMulti && committed+1 < req.UnitsRequired {
		next = domain.StatusPartiallyFulfilled
	}
	if next != req.Status && !domain.CanTransition(req.Status, next) {
		return domain.Donation{}, fmt.Errorf("%w: cannot move from %s to %s", domain.ErrConcurrencyConflict, req.Status, next)
	}

	donation := domain.Donation{
		ID:           uuid.NewString(),
		DonorID:      donorID,
		UnitsDonated: 1,
		DonatedAt:    now,
		Status:       domain.DonationScheduled,
	}
	req.Donations = append(req.Donations, donation)
	req.Status = next
	return donation, nil
}

func (s *Service) notifyRequester(ctx context.Context, req *domain.BloodRequest, donor *domain.User) {
	if s.sender == nil {
		return
	}
	requester, err := s.users.GetUserByID(ctx, req.RequesterID)
	if err != nil {
		s.logger.Warn("Failed to load requester", "requesterID", req.RequesterID, "error", err, "app", "donor-service")
		return
	}
	if requester.NotificationToken == "" {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
	defer cancel()
	if _, err := s.sender.Send(sendCtx, notify.DonorAcceptedMessage(req, donor, requester.NotificationToken)); err != nil {
		s.logger.Warn("Failed to notify requester", "requesterID", req.RequesterID, "error", err, "app", "donor-service")
		if errors.Is(err, notify.ErrTokenUnregistered) {
			if err := s.users.ClearNotificationToken(ctx, requester.ID, requester.NotificationToken); err != nil {
				s.logger.Warn("Failed to clear unregistered token", "donorID", requester.ID, "error", err, "app", "donor-service")
			}
		}
	}
}

// GetActiveRequests lists open requests the user's blood type can serve, newest first
func (s *Service) GetActiveRequests(ctx context.Context, userID string) ([]*domain.BloodRequest, error) {
	ctx, span := s.tracer.Start(ctx, "GetActiveRequests")
	defer span.End()
	span.SetAttributes(attribute.String("userID", userID))

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to load user")
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	recipients, err := domain.RecipientsOf(user.BloodType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid user blood type")
		return nil, err
	}

	requests, err := s.requests.FindActive(ctx, recipients, s.now(), s.cfg.ActiveLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find active requests")
		return nil, fmt.Errorf("failed to find active requests: %w", err)
	}
	span.SetAttributes(attribute.Int("count", len(requests)))
	return requests, nil
}

// RequestDetails is a request with its remaining lifetime
type RequestDetails struct {
	Request        *domain.BloodRequest `json:"request"`
	HoursRemaining int                  `json:"hoursRemaining"`
	IsExpired      bool                 `json:"isExpired"`
}

// GetRequestDetails returns a single request
func (s *Service) GetRequestDetails(ctx context.Context, requestID string) (*RequestDetails, error) {
	ctx, span := s.tracer.Start(ctx, "GetRequestDetails")
	defer span.End()
	span.SetAttributes(attribute.String("requestID", requestID))

	req, err := s.requests.GetRequestByID(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to get request")
		return nil, fmt.Errorf("request %s: %w", requestID, err)
	}

	now := s.now()
	hours := int(req.ExpiresAt.Sub(now) / time.Hour)
	if hours < 0 {
		hours = 0
	}
	return &RequestDetails{
		Request:        req,
		HoursRemaining: hours,
		IsExpired:      req.IsExpired(now),
	}, nil
}

// CleanupExpired runs one expiry sweep
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.reaper.RunOnce(ctx)
}
