// README: Firebase Cloud Messaging delivery. Each user's devices subscribe to the topic user_<id>.
package notify

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/messaging"

	"sakay/internal/types"
)

// Sender is the subset of *messaging.Client used here.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCM struct {
	client Sender
}

func NewFCM(client Sender) *FCM {
	return &FCM{client: client}
}

func UserTopic(id types.ID) string {
	return "user_" + string(id)
}

func (f *FCM) Notify(ctx context.Context, msg Message) error {
	if msg.RecipientID == "" {
		return errors.New("notify: missing recipient")
	}
	if _, err := f.client.Send(ctx, buildMessage(msg)); err != nil {
		return fmt.Errorf("fcm send to %s: %w", msg.RecipientID, err)
	}
	return nil
}

func buildMessage(msg Message) *messaging.Message {
	priority := "normal"
	if msg.Priority == PriorityHigh {
		priority = "high"
	}
	return &messaging.Message{
		Topic: UserTopic(msg.RecipientID),
		Data:  msg.Data,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: priority,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": apnsPriority(msg.Priority)},
		},
	}
}

func apnsPriority(p Priority) string {
	if p == PriorityHigh {
		return "10"
	}
	return "5"
}
