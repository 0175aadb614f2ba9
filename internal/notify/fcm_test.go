package notify

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"
)

type stubSender struct {
	got *messaging.Message
	err error
}

func (s *stubSender) Send(_ context.Context, m *messaging.Message) (string, error) {
	s.got = m
	return "projects/x/messages/1", s.err
}

func TestFCM_BuildsTopicMessage(t *testing.T) {
	sender := &stubSender{}
	fcm := NewFCM(sender)

	err := fcm.Notify(context.Background(), Message{
		RecipientID: "p1",
		Title:       "Driver on the way",
		Body:        "Your tricycle has been accepted",
		Data:        map[string]string{"trip_id": "t1", "status": "driver_accepted"},
		Priority:    PriorityHigh,
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	m := sender.got
	if m.Topic != "user_p1" {
		t.Errorf("topic = %s", m.Topic)
	}
	if m.Android.Priority != "high" || m.APNS.Headers["apns-priority"] != "10" {
		t.Errorf("priority not propagated: %+v %+v", m.Android, m.APNS.Headers)
	}
	if m.Data["trip_id"] != "t1" || m.Notification.Title != "Driver on the way" {
		t.Errorf("unexpected message %+v", m)
	}
}

func TestFCM_Errors(t *testing.T) {
	fcm := NewFCM(&stubSender{err: errors.New("quota")})
	if err := fcm.Notify(context.Background(), Message{RecipientID: "p1"}); err == nil {
		t.Fatal("expected send error")
	}
	if err := fcm.Notify(context.Background(), Message{}); err == nil {
		t.Fatal("expected missing recipient error")
	}
}
