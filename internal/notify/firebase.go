package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

const permissionCheckTopic = "permission-check"

// FirebaseSender delivers push messages through FCM.
type FirebaseSender struct {
	client *messaging.Client
}

func NewFirebaseSender(ctx context.Context, credentialsPath string) (*FirebaseSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}

	return &FirebaseSender{client: client}, nil
}

// CheckPermission validates the credentials with a dry run send.
func (s *FirebaseSender) CheckPermission(ctx context.Context) error {
	_, err := s.client.SendDryRun(ctx, &messaging.Message{
		Topic: permissionCheckTopic,
		Data:  map[string]string{"type": "permission_check"},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPushPermissionDenied, err)
	}
	return nil
}

func (s *FirebaseSender) Send(ctx context.Context, msg PushMessage) (string, error) {
	priority := messaging.PriorityDefault
	if msg.RequireInteraction {
		priority = messaging.PriorityHigh
	}

	android := &messaging.AndroidNotification{
		Tag:      msg.Tag,
		Priority: priority,
	}
	if msg.Sound {
		android.DefaultSound = true
	}

	message := &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority:     "high",
			Notification: android,
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title:              msg.Title,
				Body:               msg.Body,
				Tag:                msg.Tag,
				RequireInteraction: msg.RequireInteraction,
				Silent:             !msg.Sound,
			},
		},
	}

	id, err := s.client.Send(ctx, message)
	if err != nil {
		if messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err) {
			return "", fmt.Errorf("%w: %v", ErrInvalidDeviceToken, err)
		}
		return "", fmt.Errorf("send push: %w", err)
	}
	return id, nil
}
