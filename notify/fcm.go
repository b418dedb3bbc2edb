package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMSender delivers messages through Firebase Cloud Messaging
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender initializes a Firebase app from a service-account credentials file.
// An empty path falls back to application default credentials.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize firebase app: %v", ErrBackendUnavailable, err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create messaging client: %v", ErrBackendUnavailable, err)
	}
	return &FCMSender{client: client}, nil
}

func (s *FCMSender) Send(ctx context.Context, msg *Message) (string, error) {
	badge := 1
	id, err := s.client.Send(ctx, &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "blood_requests",
				Sound:     "default",
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default", Badge: &badge},
			},
		},
	})
	if err != nil {
		return "", classifyFCMError(err)
	}
	return id, nil
}

// classifyFCMError maps provider errors onto the dispatcher's error kinds
func classifyFCMError(err error) error {
	switch {
	case messaging.IsUnregistered(err):
		return fmt.Errorf("%w: %v", ErrTokenUnregistered, err)
	case errorutils.IsUnauthenticated(err),
		errorutils.IsPermissionDenied(err),
		messaging.IsThirdPartyAuthError(err),
		messaging.IsSenderIDMismatch(err):
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	default:
		return err
	}
}
