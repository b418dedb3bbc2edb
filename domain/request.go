package domain

import "time"

// RequestStatus is the lifecycle state of a blood request
type RequestStatus string

const (
	StatusLooking            RequestStatus = "looking"
	StatusPartiallyFulfilled RequestStatus = "partially_fulfilled"
	StatusCompleted          RequestStatus = "completed"
	StatusExpired            RequestStatus = "expired"
)

// Terminal reports whether no further transition is possible
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

var statusRank = map[RequestStatus]int{
	StatusLooking:            0,
	StatusPartiallyFulfilled: 1,
	StatusCompleted:          2,
}

// CanTransition reports whether a request may move from one status to another.
// Statuses only move forward; any non-terminal status may expire.
func CanTransition(from, to RequestStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusExpired {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Donation statuses
const (
	DonationScheduled = "scheduled"
	DonationCompleted = "completed"
	DonationCancelled = "cancelled"
)

// Location represents geographic coordinates
type Location struct {
	Latitude  float64 `json:"latitude" bson:"latitude"`
	Longitude float64 `json:"longitude" bson:"longitude"`
}

// Donation is a donor's commitment against a request
type Donation struct {
	ID           string    `json:"id" bson:"id"`
	DonorID      string    `json:"donorId" bson:"donorId"`
	UnitsDonated int       `json:"unitsDonated" bson:"unitsDonated"`
	DonatedAt    time.Time `json:"donatedAt" bson:"donatedAt"`
	Status       string    `json:"status" bson:"status"`
}

// NotifiedDonor records the delivery outcome for one notified donor
type NotifiedDonor struct {
	DonorID    string  `json:"donorId" bson:"donorId"`
	DistanceKm float64 `json:"distanceKm" bson:"distanceKm"`
	Delivered  bool    `json:"delivered" bson:"delivered"`
	Reason     string  `json:"reason,omitempty" bson:"reason,omitempty"`
}

// BloodRequest represents a recipient's open call for donation
type BloodRequest struct {
	ID                  string          `json:"id" bson:"_id"`
	RequesterID         string          `json:"requesterId" bson:"requesterId"`
	BloodType           BloodType       `json:"bloodType" bson:"bloodType"`
	Description         string          `json:"description" bson:"description"`
	HospitalAddress     string          `json:"hospitalAddress" bson:"hospitalAddress"`
	HospitalLocation    Location        `json:"hospitalLocation" bson:"hospitalLocation"`
	UnitsRequired       int             `json:"unitsRequired" bson:"unitsRequired"`
	ContactPhone        string          `json:"contactPhone" bson:"contactPhone"`
	Status              RequestStatus   `json:"status" bson:"status"`
	NotifiedDonors      []NotifiedDonor `json:"notifiedDonors" bson:"notifiedDonors"`
	NotificationsSent   int             `json:"notificationsSent" bson:"notificationsSent"`
	NotificationsFailed int             `json:"notificationsFailed" bson:"notificationsFailed"`
	Donations           []Donation      `json:"donations" bson:"donations"`
	CreatedAt           time.Time       `json:"createdAt" bson:"createdAt"`
	ExpiresAt           time.Time       `json:"expiresAt" bson:"expiresAt"`
	Version             int64           `json:"-" bson:"version"`
}

// IsExpired reports whether the request is past its expiry at now
func (r *BloodRequest) IsExpired(now time.Time) bool {
	return r.Status == StatusExpired || now.After(r.ExpiresAt)
}

// ActiveDonations returns donations that were not cancelled
func (r *BloodRequest) ActiveDonations() []Donation {
	var active []Donation
	for _, d := range r.Donations {
		if d.Status != DonationCancelled {
			active = append(active, d)
		}
	}
	return active
}

// UnitsCommitted sums the units of non-cancelled donations
func (r *BloodRequest) UnitsCommitted() int {
	total := 0
	for _, d := range r.ActiveDonations() {
		total += d.UnitsDonated
	}
	return total
}

// HasDonor reports whether donorID already holds a non-cancelled donation
func (r *BloodRequest) HasDonor(donorID string) bool {
	for _, d := range r.ActiveDonations() {
		if d.DonorID == donorID {
			return true
		}
	}
	return false
}

// User is the donor-relevant projection of a user profile
type User struct {
	ID                string     `json:"id" bson:"_id"`
	Username          string     `json:"username" bson:"username"`
	Phone             string     `json:"phone" bson:"phone"`
	BloodType         BloodType  `json:"bloodGroup" bson:"bloodGroup"`
	IsDonor           bool       `json:"isDonor" bson:"isDonor"`
	NotificationToken string     `json:"-" bson:"notificationToken,omitempty"`
	LastDonationDate  *time.Time `json:"lastDonationDate,omitempty" bson:"lastDonationDate,omitempty"`
}

// CooledDown reports whether the user's last donation is at least cooldown before now
func (u *User) CooledDown(now time.Time, cooldown time.Duration) bool {
	return u.LastDonationDate == nil || now.Sub(*u.LastDonationDate) >= cooldown
}

// Outbox event types
const (
	EventRequestCreated = "request.created"
	EventDonorAccepted  = "donor.accepted"
)

// OutboxEvent represents an event in the outbox collection
type OutboxEvent struct {
	ID          string        `bson:"_id" json:"id"`
	EventType   string        `bson:"event_type" json:"event_type"`
	RequestID   string        `bson:"request_id" json:"request_id"`
	BloodType   BloodType     `bson:"blood_type" json:"blood_type"`
	Status      RequestStatus `bson:"status" json:"status"`
	DonorID     string        `bson:"donor_id,omitempty" json:"donor_id,omitempty"`
	CreatedAt   time.Time     `bson:"created_at" json:"created_at"`
	Processed   bool          `bson:"processed" json:"processed"`
	ProcessedAt *time.Time    `bson:"processed_at" json:"processed_at,omitempty"`
}

// DonorLocation is a donor's last reported position from the location store
type DonorLocation struct {
	DonorID   string
	Location  Location
	UpdatedAt time.Time
}
