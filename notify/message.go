package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"donor-service/domain"
)

var (
	// ErrBackendUnavailable means the push backend cannot be used at all (e.g. bad credentials)
	ErrBackendUnavailable = errors.New("notification backend unavailable")
	// ErrTokenUnregistered means the device token is no longer valid
	ErrTokenUnregistered = errors.New("notification token unregistered")
)

// Client routing tags carried in the data payload
const (
	TypeBloodRequestNearby = "BLOOD_REQUEST_NEARBY"
	TypeDonorAccepted      = "DONOR_ACCEPTED"
)

// Message is a single push notification
type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// Sender delivers one push message and returns the provider's message id
type Sender interface {
	Send(ctx context.Context, msg *Message) (string, error)
}

// NearbyRequestMessage builds the notification sent to a matched donor
func NearbyRequestMessage(req *domain.BloodRequest, donor domain.EligibleDonor, now time.Time) *Message {
	distance := strconv.FormatFloat(donor.DistanceKm, 'f', 2, 64)
	return &Message{
		Token: donor.Info.NotificationToken,
		Title: fmt.Sprintf("%s Blood Needed", req.BloodType),
		Body:  fmt.Sprintf("%d unit(s) needed at %s, %s km away", req.UnitsRequired, req.HospitalAddress, distance),
		Data: map[string]string{
			"requestId":       req.ID,
			"bloodType":       string(req.BloodType),
			"hospitalAddress": req.HospitalAddress,
			"unitRequired":    strconv.Itoa(req.UnitsRequired),
			"distanceKm":      distance,
			"type":            TypeBloodRequestNearby,
			"timestamp":       strconv.FormatInt(now.UnixMilli(), 10),
		},
	}
}

// DonorAcceptedMessage builds the notification sent to the requester after an acceptance
func DonorAcceptedMessage(req *domain.BloodRequest, donor *domain.User, token string) *Message {
	return &Message{
		Token: token,
		Title: "Donor Found!",
		Body:  fmt.Sprintf("%s has accepted your blood request", donor.Username),
		Data: map[string]string{
			"type":       TypeDonorAccepted,
			"requestId":  req.ID,
			"donorId":    donor.ID,
			"donorName":  donor.Username,
			"donorPhone": donor.Phone,
		},
	}
}
