// README: Redis Pub/Sub transport so events published in one process reach subscribers in another.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"sakay/internal/types"
)

type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
	log     logrus.FieldLogger
}

type envelope struct {
	Origin  string          `json:"origin"`
	Topic   Topic           `json:"topic"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewRedisBridge attaches itself to hub as its forwarder.
func NewRedisBridge(client *redis.Client, channel string, hub *Hub, log logrus.FieldLogger) *RedisBridge {
	b := &RedisBridge{
		client:  client,
		channel: channel,
		origin:  string(types.NewID()),
		hub:     hub,
		log:     log.WithField("component", "realtime.redis"),
	}
	hub.SetForwarder(b)
	return b
}

func (b *RedisBridge) Forward(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(envelope{Origin: b.origin, Topic: ev.Topic, Kind: ev.Kind, Payload: payload})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Run feeds events from other processes into the local hub until ctx ends.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Payload)
		}
	}
}

func (b *RedisBridge) handle(raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.log.WithError(err).Warn("decode remote event")
		return
	}
	if env.Origin == b.origin {
		return
	}
	if _, err := ParseTopic(string(env.Topic)); err != nil {
		b.log.WithField("topic", env.Topic).Warn("remote event for unknown topic")
		return
	}
	b.hub.deliver(env.Topic, env.Kind, env.Payload)
}
