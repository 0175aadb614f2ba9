// README: Push delivery contract and a logging implementation.
package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"sakay/internal/types"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Message is what the engine hands to push delivery after a transition commits.
type Message struct {
	RecipientID types.ID
	Title       string
	Body        string
	Data        map[string]string
	Priority    Priority
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Log writes messages to the logger instead of delivering them.
type Log struct {
	log logrus.FieldLogger
}

func NewLog(log logrus.FieldLogger) *Log {
	return &Log{log: log.WithField("component", "notify.log")}
}

func (l *Log) Notify(_ context.Context, msg Message) error {
	l.log.WithFields(logrus.Fields{
		"recipient": msg.RecipientID,
		"title":     msg.Title,
		"priority":  msg.Priority,
		"data":      msg.Data,
	}).Info(msg.Body)
	return nil
}
