// README: Driver location stream over Kafka. Messages are keyed by driver id so one driver's pings stay ordered.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"sakay/internal/modules/presence"
	"sakay/internal/observability"
	"sakay/internal/types"
)

const (
	DefaultTopic    = "driver-locations"
	writeTimeout    = 2 * time.Second
	initialBackoff  = time.Second
	maxBackoff      = 30 * time.Second
	applyAttempts   = 3
	applyRetryDelay = 200 * time.Millisecond
)

// LocationMessage is one driver ping on the stream.
type LocationMessage struct {
	DriverID types.ID  `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	SentAt   time.Time `json:"sent_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
}

func NewProducer(brokers []string, topic string) *Producer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Producer{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}}
}

func (p *Producer) PublishLocation(ctx context.Context, driverID types.ID, point types.Point) error {
	if driverID == "" || !point.Valid() {
		return presence.ErrInvalidPoint
	}
	b, err := json.Marshal(LocationMessage{DriverID: driverID, Lat: point.Lat, Lng: point.Lng, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(driverID), Value: b})
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// LocationSink applies a ping, normally *presence.Registry.
type LocationSink interface {
	UpdateLocation(ctx context.Context, driverID types.ID, point types.Point) (*presence.Presence, error)
}

type Consumer struct {
	reader messageReader
	sink   LocationSink
	log    logrus.FieldLogger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewConsumer(brokers []string, topic, groupID string, sink LocationSink, log logrus.FieldLogger) *Consumer {
	if topic == "" {
		topic = DefaultTopic
	}
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: groupID, MinBytes: 10e3, MaxBytes: 10e6})
	return newConsumer(r, sink, log)
}

func newConsumer(r messageReader, sink LocationSink, log logrus.FieldLogger) *Consumer {
	return &Consumer{reader: r, sink: sink, log: log.WithField("component", "ingest.kafka"), sleep: sleepCtx}
}

// Run reads until ctx is done. Read errors back off exponentially up to maxBackoff.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).WithField("backoff", backoff).Warn("kafka read failed")
			if err := c.sleep(ctx, backoff); err != nil {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff
		c.handle(ctx, m)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var msg LocationMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil || msg.DriverID == "" {
		observability.LocationMessages.WithLabelValues("invalid").Inc()
		c.log.WithField("offset", m.Offset).Warn("invalid location message")
		return
	}
	point := types.Point{Lat: msg.Lat, Lng: msg.Lng}
	err := c.applyWithRetry(ctx, msg.DriverID, point)
	switch {
	case err == nil:
		observability.LocationMessages.WithLabelValues("applied").Inc()
	case rejected(err):
		observability.LocationMessages.WithLabelValues("rejected").Inc()
		c.log.WithError(err).WithField("driver_id", msg.DriverID).Debug("location ping rejected")
	default:
		observability.LocationMessages.WithLabelValues("failed").Inc()
		c.log.WithError(err).WithField("driver_id", msg.DriverID).Error("location ping not applied")
	}
}

// applyWithRetry retries only store-level failures; domain rejections return at once.
func (c *Consumer) applyWithRetry(ctx context.Context, driverID types.ID, point types.Point) error {
	delay := applyRetryDelay
	var err error
	for i := 0; i < applyAttempts; i++ {
		if _, err = c.sink.UpdateLocation(ctx, driverID, point); err == nil || rejected(err) {
			return err
		}
		if i == applyAttempts-1 {
			break
		}
		if serr := c.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("apply location: %w", err)
		}
		delay *= 2
	}
	return fmt.Errorf("apply location after %d attempts: %w", applyAttempts, err)
}

func rejected(err error) bool {
	return errors.Is(err, presence.ErrOffline) ||
		errors.Is(err, presence.ErrNotFound) ||
		errors.Is(err, presence.ErrInvalidPoint) ||
		errors.Is(err, presence.ErrBadRequest)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
