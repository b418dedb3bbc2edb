package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"donor-service/domain"
	"donor-service/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRequests is an in-memory RequestRepository. UpdateRequest holds the lock for
// the whole read-mutate-write, mirroring the transactional store.
type memRequests struct {
	mu          sync.Mutex
	requests    map[string]*domain.BloodRequest
	events      []*domain.OutboxEvent
	dispatchErr error
}

func newMemRequests() *memRequests {
	return &memRequests{requests: make(map[string]*domain.BloodRequest)}
}

func cloneRequest(r *domain.BloodRequest) *domain.BloodRequest {
	c := *r
	c.Donations = append([]domain.Donation(nil), r.Donations...)
	c.NotifiedDonors = append([]domain.NotifiedDonor(nil), r.NotifiedDonors...)
	return &c
}

func (m *memRequests) put(r *domain.BloodRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = cloneRequest(r)
}

func (m *memRequests) get(id string) *domain.BloodRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.requests[id]; ok {
		return cloneRequest(r)
	}
	return nil
}

func (m *memRequests) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *memRequests) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.EventType)
	}
	return out
}

func (m *memRequests) CreateRequest(ctx context.Context, req *domain.BloodRequest, event *domain.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = cloneRequest(req)
	if event != nil {
		m.events = append(m.events, event)
	}
	return nil
}

func (m *memRequests) GetRequestByID(ctx context.Context, id string) (*domain.BloodRequest, error) {
	if r := m.get(id); r != nil {
		return r, nil
	}
	return nil, domain.ErrNotFound
}

func (m *memRequests) RecordDispatch(ctx context.Context, id string, notified []domain.NotifiedDonor, sent, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dispatchErr != nil {
		return m.dispatchErr
	}
	r, ok := m.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.NotifiedDonors = append([]domain.NotifiedDonor(nil), notified...)
	r.NotificationsSent = sent
	r.NotificationsFailed = failed
	return nil
}

func (m *memRequests) UpdateRequest(ctx context.Context, id string, mutate domain.Mutation) (*domain.BloodRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	next := cloneRequest(current)
	event, err := mutate(next)
	if err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	m.requests[id] = next
	if event != nil {
		m.events = append(m.events, event)
	}
	return cloneRequest(next), nil
}

func (m *memRequests) FindActive(ctx context.Context, bloodTypes []domain.BloodType, now time.Time, limit int) ([]*domain.BloodRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[domain.BloodType]bool, len(bloodTypes))
	for _, bt := range bloodTypes {
		allowed[bt] = true
	}
	var out []*domain.BloodRequest
	for _, r := range m.requests {
		open := r.Status == domain.StatusLooking || r.Status == domain.StatusPartiallyFulfilled
		if open && allowed[r.BloodType] && r.ExpiresAt.After(now) {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRequests) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.requests {
		open := r.Status == domain.StatusLooking || r.Status == domain.StatusPartiallyFulfilled
		if open && r.ExpiresAt.Before(now) {
			r.Status = domain.StatusExpired
			r.Version++
			n++
		}
	}
	return n, nil
}

// memUsers is an in-memory UserRepository
type memUsers struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	duplicate bool
}

func newMemUsers(users ...*domain.User) *memUsers {
	m := &memUsers{users: make(map[string]*domain.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) user(id string) *domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *m.users[id]
	return &u
}

func (m *memUsers) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *memUsers) FindDonorCandidates(ctx context.Context, bloodTypes []domain.BloodType, lastDonationBefore time.Time) ([]*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[domain.BloodType]bool, len(bloodTypes))
	for _, bt := range bloodTypes {
		allowed[bt] = true
	}
	var out []*domain.User
	for _, u := range m.users {
		if !u.IsDonor || !allowed[u.BloodType] || u.NotificationToken == "" {
			continue
		}
		if u.LastDonationDate != nil && u.LastDonationDate.After(lastDonationBefore) {
			continue
		}
		c := *u
		out = append(out, &c)
		if m.duplicate {
			d := *u
			out = append(out, &d)
		}
	}
	return out, nil
}

func (m *memUsers) SetLastDonationDate(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	u.LastDonationDate = &at
	return nil
}

func (m *memUsers) UpdateNotificationToken(ctx context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	u.NotificationToken = token
	return nil
}

func (m *memUsers) ClearNotificationToken(ctx context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok && u.NotificationToken == token {
		u.NotificationToken = ""
	}
	return nil
}

// memLocations is an in-memory LocationSource
type memLocations struct {
	locations map[string]domain.Location
	err       error
}

func (m *memLocations) LocationOf(ctx context.Context, donorID string) (*domain.DonorLocation, error) {
	locs, err := m.LocationsOf(ctx, []string{donorID})
	if err != nil {
		return nil, err
	}
	if loc, ok := locs[donorID]; ok {
		return &loc, nil
	}
	return nil, nil
}

func (m *memLocations) LocationsOf(ctx context.Context, donorIDs []string) (map[string]domain.DonorLocation, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]domain.DonorLocation)
	for _, id := range donorIDs {
		if loc, ok := m.locations[id]; ok {
			out[id] = domain.DonorLocation{DonorID: id, Location: loc}
		}
	}
	return out, nil
}

// fakeGeocoder resolves from a fixed table
type fakeGeocoder struct {
	table map[string]domain.Location
	err   error
}

func (f *fakeGeocoder) Resolve(ctx context.Context, address string) (domain.Location, error) {
	if f.err != nil {
		return domain.Location{}, f.err
	}
	loc, ok := f.table[address]
	if !ok {
		return domain.Location{}, errNoResults
	}
	return loc, nil
}

// recordingSender captures push messages
type recordingSender struct {
	mu       sync.Mutex
	messages []*notify.Message
	failures map[string]error
}

func (r *recordingSender) Send(ctx context.Context, msg *notify.Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	if err, ok := r.failures[msg.Token]; ok {
		return "", err
	}
	return "id-" + msg.Token, nil
}

func (r *recordingSender) tokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.messages {
		out = append(out, m.Token)
	}
	return out
}

func (r *recordingSender) ofType(kind string) []*notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*notify.Message
	for _, m := range r.messages {
		if m.Data["type"] == kind {
			out = append(out, m)
		}
	}
	return out
}
