// README: Polling transport. Re-reads snapshots of subscribed topics and republishes the ones that changed.
package realtime

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	MinPollInterval     = 3 * time.Second
	MaxPollInterval     = 5 * time.Second
	DefaultPollInterval = 4 * time.Second
)

type Poller struct {
	hub      *Hub
	source   SnapshotSource
	interval time.Duration
	log      logrus.FieldLogger
	last     map[Topic]uint64
}

func NewPoller(hub *Hub, source SnapshotSource, interval time.Duration, log logrus.FieldLogger) *Poller {
	switch {
	case interval <= 0:
		interval = DefaultPollInterval
	case interval < MinPollInterval:
		interval = MinPollInterval
	case interval > MaxPollInterval:
		interval = MaxPollInterval
	}
	return &Poller{
		hub:      hub,
		source:   source,
		interval: interval,
		log:      log.WithField("component", "realtime.poller"),
		last:     make(map[Topic]uint64),
	}
}

func (p *Poller) Interval() time.Duration { return p.interval }

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one pass. A topic is republished only when its snapshot fingerprint moved.
func (p *Poller) Poll(ctx context.Context) {
	live := make(map[Topic]struct{})
	for _, topic := range p.hub.Topics() {
		live[topic] = struct{}{}
		snap, err := p.source.Snapshot(ctx, topic)
		if err != nil {
			p.log.WithError(err).WithField("topic", topic).Warn("poll snapshot")
			continue
		}
		sum, err := fingerprint(snap)
		if err != nil {
			p.log.WithError(err).WithField("topic", topic).Warn("fingerprint snapshot")
			continue
		}
		if prev, ok := p.last[topic]; ok && prev == sum {
			continue
		}
		p.last[topic] = sum
		p.hub.deliver(topic, KindSnapshot, snap)
	}
	for topic := range p.last {
		if _, ok := live[topic]; !ok {
			delete(p.last, topic)
		}
	}
}

func fingerprint(v any) (uint64, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64(), nil
}
