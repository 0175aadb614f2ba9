// README: Trip lifecycle events on a RabbitMQ topic exchange. Routing key is trip.<status>.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"sakay/internal/modules/trip"
	"sakay/internal/types"
)

const (
	DefaultExchange = "ride_topic"
	publishTimeout  = 5 * time.Second
)

var ErrNotConfirmed = errors.New("events: broker did not confirm publish")

// Channel is the subset of *amqp.Channel used for publishing.
type Channel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	IsClosed() bool
	Close() error
}

// Message is the JSON body consumers receive.
type Message struct {
	EventID string `json:"event_id"`
	trip.LifecycleEvent
}

type RabbitPublisher struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
	log      logrus.FieldLogger
}

// NewRabbitPublisher opens a confirm-mode channel on conn and declares the topic exchange.
func NewRabbitPublisher(conn *amqp.Connection, exchange string, log logrus.FieldLogger) (*RabbitPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	return newRabbitPublisher(ch, exchange, log), nil
}

func newRabbitPublisher(ch Channel, exchange string, log logrus.FieldLogger) *RabbitPublisher {
	return &RabbitPublisher{ch: ch, exchange: exchange, log: log.WithField("component", "events.rabbitmq")}
}

func RoutingKey(status trip.Status) string {
	return "trip." + string(status)
}

// PublishTripEvent publishes ev and waits for the broker confirm.
func (p *RabbitPublisher) PublishTripEvent(ctx context.Context, ev trip.LifecycleEvent) error {
	msg := Message{EventID: string(types.NewID()), LifecycleEvent: ev}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch.IsClosed() {
		return errors.New("events: rabbitmq channel is closed")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, RoutingKey(ev.To), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.EventID,
		Timestamp:    ev.At,
		Type:         RoutingKey(ev.To),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", RoutingKey(ev.To), err)
	}
	// nil when the channel is not in confirm mode
	if dc == nil {
		return nil
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !ok {
		return ErrNotConfirmed
	}
	p.log.WithFields(logrus.Fields{"trip_id": ev.TripID, "routing_key": RoutingKey(ev.To)}).Debug("lifecycle event published")
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}
