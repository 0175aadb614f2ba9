// README: In-process topic hub. Subscribers get the current snapshot first, then latest-wins change events.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sakay/internal/observability"
)

// SnapshotSource reads the current committed state for a topic.
type SnapshotSource interface {
	Snapshot(ctx context.Context, topic Topic) (any, error)
}

type SourceFunc func(ctx context.Context, topic Topic) (any, error)

func (f SourceFunc) Snapshot(ctx context.Context, topic Topic) (any, error) { return f(ctx, topic) }

// Forwarder carries locally published events to other processes.
type Forwarder interface {
	Forward(ctx context.Context, ev Event) error
}

var ErrClosed = errors.New("subscription closed")

type Hub struct {
	mu        sync.Mutex
	topics    map[Topic]*topicState
	source    SnapshotSource
	forwarder Forwarder
	log       logrus.FieldLogger
	now       func() time.Time
}

type topicState struct {
	seq  uint64
	subs map[*Subscription]struct{}
	// version is the newest state version delivered on the topic.
	version    int
	hasVersion bool
}

// admit records the version of payload and reports false when it is older than one already delivered.
func (st *topicState) admit(kind string, payload any) bool {
	v, ok := versionOf(kind, payload)
	if !ok {
		return true
	}
	if st.hasVersion && v < st.version {
		return false
	}
	st.version, st.hasVersion = v, true
	return true
}

func NewHub(source SnapshotSource, log logrus.FieldLogger) *Hub {
	return &Hub{
		topics: make(map[Topic]*topicState),
		source: source,
		log:    log.WithField("component", "realtime"),
		now:    time.Now,
	}
}

func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	h.forwarder = f
	h.mu.Unlock()
}

// Subscription delivers events for one topic through a single-slot mailbox.
type Subscription struct {
	Topic   Topic
	hub     *Hub
	mailbox chan Event
	done    chan struct{}
	once    sync.Once
	// held is an event that arrived while the snapshot was read. It waits behind the snapshot
	// and is replaced by anything newer. Guarded by hub.mu.
	held *Event
}

// C returns the mailbox. Call it for every receive: it releases an event held behind the snapshot
// once the snapshot has been taken.
func (s *Subscription) C() <-chan Event {
	s.hub.release(s)
	return s.mailbox
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Next blocks until an event arrives, the subscription closes, or ctx ends.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	s.hub.release(s)
	select {
	case ev := <-s.mailbox:
		return ev, nil
	case <-s.done:
		return Event{}, ErrClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
		observability.RealtimeSubscribers.Dec()
	})
}

// offer replaces whatever is pending with ev. Callers hold hub.mu.
func (s *Subscription) offer(ev Event) {
	select {
	case s.mailbox <- ev:
		return
	default:
	}
	select {
	case <-s.mailbox:
		observability.RealtimeDropped.Inc()
	default:
	}
	select {
	case s.mailbox <- ev:
	default:
	}
}

// Subscribe registers for topic and queues the current snapshot as the first event.
// The subscription is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, topic Topic) (*Subscription, error) {
	sub := &Subscription{
		Topic:   topic,
		hub:     h,
		mailbox: make(chan Event, 1),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	st := h.state(topic)
	st.subs[sub] = struct{}{}
	seen := st.seq
	h.mu.Unlock()
	observability.RealtimeSubscribers.Inc()

	var snap any
	if h.source != nil {
		var err error
		snap, err = h.source.Snapshot(ctx, topic)
		if err != nil {
			sub.Close()
			return nil, err
		}
	}

	// Anything published while the snapshot was read may be newer than it. The snapshot is
	// labelled with the seq it is known to cover and that event is held behind it.
	h.mu.Lock()
	var newer *Event
	select {
	case ev := <-sub.mailbox:
		newer = &ev
	default:
	}
	if v, ok := versionOf(KindSnapshot, snap); ok {
		if !st.hasVersion || v > st.version {
			st.version, st.hasVersion = v, true
		}
		if newer != nil {
			if nv, ok := versionOf(newer.Kind, newer.Payload); ok && nv < v {
				newer = nil
			}
		}
	}
	sub.offer(Event{Topic: topic, Seq: seen, Kind: KindSnapshot, Payload: snap, At: h.now()})
	sub.held = newer
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish fans an event out to local subscribers and, if configured, to other processes.
func (h *Hub) Publish(ctx context.Context, topic Topic, kind string, payload any) {
	ev := h.deliver(topic, kind, payload)

	h.mu.Lock()
	fwd := h.forwarder
	h.mu.Unlock()
	if fwd == nil {
		return
	}
	if err := fwd.Forward(ctx, ev); err != nil {
		h.log.WithError(err).WithField("topic", topic).Warn("forward event")
	}
}

// deliver fans out locally without forwarding.
func (h *Hub) deliver(topic Topic, kind string, payload any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.topics[topic]
	if !ok {
		return Event{Topic: topic, Kind: kind, Payload: payload, At: h.now()}
	}
	ev := Event{Topic: topic, Kind: kind, Payload: payload, At: h.now()}
	if !st.admit(kind, payload) {
		observability.RealtimeDropped.Inc()
		return ev
	}
	st.seq++
	ev.Seq = st.seq
	for sub := range st.subs {
		if sub.held != nil {
			held := ev
			sub.held = &held
			continue
		}
		sub.offer(ev)
	}
	return ev
}

// release moves a held event into the mailbox once the snapshot ahead of it was taken.
func (h *Hub) release(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.held == nil || len(sub.mailbox) > 0 {
		return
	}
	sub.offer(*sub.held)
	sub.held = nil
}

// Topics lists topics that currently have subscribers.
func (h *Hub) Topics() []Topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Topic, 0, len(h.topics))
	for t := range h.topics {
		out = append(out, t)
	}
	return out
}

func (h *Hub) SubscriberCount(topic Topic) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.topics[topic]; ok {
		return len(st.subs)
	}
	return 0
}

func (h *Hub) state(topic Topic) *topicState {
	st, ok := h.topics[topic]
	if !ok {
		st = &topicState{subs: make(map[*Subscription]struct{})}
		h.topics[topic] = st
	}
	return st
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.topics[sub.Topic]
	if !ok {
		return
	}
	delete(st.subs, sub)
	if len(st.subs) == 0 {
		delete(h.topics, sub.Topic)
	}
}
