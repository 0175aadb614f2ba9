package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"sakay/internal/logging"
)

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

type memSource struct {
	mu    sync.Mutex
	state map[Topic]any
	err   error
}

func (m *memSource) set(topic Topic, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[topic] = v
}

func (m *memSource) Snapshot(_ context.Context, topic Topic) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.state[topic], nil
}

// racingSource publishes an update on the topic while its snapshot is being read.
type racingSource struct {
	hub     *Hub
	snap    any
	update  any
	kind    string
	publish sync.Once
}

func (r *racingSource) Snapshot(ctx context.Context, topic Topic) (any, error) {
	r.publish.Do(func() { r.hub.Publish(ctx, topic, r.kind, r.update) })
	return r.snap, nil
}

type versioned struct {
	status  string
	version int
}

func (v versioned) StateVersion() int { return v.version }

func newSource() *memSource { return &memSource{state: map[Topic]any{}} }

func mustNext(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return ev
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

// ----------------------------------------------------------------------------
// Tests
// ----------------------------------------------------------------------------

func TestSubscribe_SnapshotFirst(t *testing.T) {
	src := newSource()
	src.set(TopicOnlineDrivers, []string{"d1", "d2"})
	hub := NewHub(src, logging.Discard())

	sub, err := hub.Subscribe(context.Background(), TopicOnlineDrivers)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ev := mustNext(t, sub)
	if ev.Kind != KindSnapshot {
		t.Fatalf("first event kind = %s, want snapshot", ev.Kind)
	}
	if got := ev.Payload.([]string); len(got) != 2 {
		t.Fatalf("snapshot payload = %v", got)
	}
	assertNoEvent(t, sub)
}

func TestSubscribe_SnapshotError(t *testing.T) {
	src := newSource()
	src.err = errors.New("store down")
	hub := NewHub(src, logging.Discard())

	if _, err := hub.Subscribe(context.Background(), TopicOnlineDrivers); err == nil {
		t.Fatal("expected error")
	}
	if n := hub.SubscriberCount(TopicOnlineDrivers); n != 0 {
		t.Fatalf("subscriber leaked: %d", n)
	}
}

func TestPublish_OrderedPerTopic(t *testing.T) {
	hub := NewHub(newSource(), logging.Discard())
	topic := TripTopic("t1")
	sub, err := hub.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	snap := mustNext(t, sub)

	var last = snap.Seq
	for i := 0; i < 5; i++ {
		hub.Publish(context.Background(), topic, KindTrip, i)
		ev := mustNext(t, sub)
		if ev.Seq <= last {
			t.Fatalf("seq %d not after %d", ev.Seq, last)
		}
		if ev.Payload.(int) != i {
			t.Fatalf("payload = %v, want %d", ev.Payload, i)
		}
		last = ev.Seq
	}
}

func TestPublish_LatestWinsForSlowReader(t *testing.T) {
	hub := NewHub(newSource(), logging.Discard())
	sub, err := hub.Subscribe(context.Background(), TopicOnlineDrivers)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	mustNext(t, sub)

	for i := 1; i <= 10; i++ {
		hub.Publish(context.Background(), TopicOnlineDrivers, KindPresence, i)
	}
	ev := mustNext(t, sub)
	if ev.Payload.(int) != 10 {
		t.Fatalf("slow reader saw %v, want latest 10", ev.Payload)
	}
	assertNoEvent(t, sub)
}

func TestPublish_NoCrossTopicLeak(t *testing.T) {
	hub := NewHub(newSource(), logging.Discard())
	a, _ := hub.Subscribe(context.Background(), TripTopic("a"))
	b, _ := hub.Subscribe(context.Background(), TripTopic("b"))
	defer a.Close()
	defer b.Close()
	mustNext(t, a)
	mustNext(t, b)

	hub.Publish(context.Background(), TripTopic("a"), KindTrip, "x")
	mustNext(t, a)
	assertNoEvent(t, b)
}

func TestSubscribe_ClosedOnContextCancel(t *testing.T) {
	hub := NewHub(newSource(), logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := hub.Subscribe(ctx, TopicOnlineDrivers)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	if n := hub.SubscriberCount(TopicOnlineDrivers); n != 0 {
		t.Fatalf("subscriber count = %d", n)
	}
}

func TestPublish_ConcurrentMonotonic(t *testing.T) {
	hub := NewHub(newSource(), logging.Discard())
	sub, err := hub.Subscribe(context.Background(), TopicOnlineDrivers)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	first := mustNext(t, sub)

	const writers, perWriter = 4, 200
	start := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < perWriter; i++ {
				hub.Publish(context.Background(), TopicOnlineDrivers, KindPresence, i)
			}
		}()
	}

	done := make(chan struct{})
	var readErr error
	go func() {
		defer close(done)
		last := first.Seq
		for {
			select {
			case ev := <-sub.C():
				if ev.Seq <= last {
					readErr = errors.New("sequence went backwards")
					return
				}
				last = ev.Seq
				if last == writers*perWriter {
					return
				}
			case <-time.After(2 * time.Second):
				return
			}
		}
	}()

	close(start)
	wg.Wait()
	<-done
	if readErr != nil {
		t.Fatal(readErr)
	}
}

func TestPoller_RepublishesOnlyOnChange(t *testing.T) {
	src := newSource()
	src.set(TopicOnlineDrivers, map[string]int{"d1": 1})
	hub := NewHub(src, logging.Discard())
	sub, err := hub.Subscribe(context.Background(), TopicOnlineDrivers)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	mustNext(t, sub)

	p := NewPoller(hub, src, time.Second, logging.Discard())
	if p.Interval() != MinPollInterval {
		t.Fatalf("interval = %s, want clamp to %s", p.Interval(), MinPollInterval)
	}

	p.Poll(context.Background())
	first := mustNext(t, sub)
	if first.Kind != KindSnapshot {
		t.Fatalf("kind = %s", first.Kind)
	}

	p.Poll(context.Background())
	assertNoEvent(t, sub)

	src.set(TopicOnlineDrivers, map[string]int{"d1": 2})
	p.Poll(context.Background())
	ev := mustNext(t, sub)
	if ev.Payload.(map[string]int)["d1"] != 2 || ev.Seq <= first.Seq {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSubscribe_UpdateDuringSnapshotIsKept(t *testing.T) {
	src := &racingSource{snap: "searching", update: "driver_accepted", kind: KindTrip}
	hub := NewHub(src, logging.Discard())
	src.hub = hub
	topic := TripTopic("t1")

	sub, err := hub.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	snap := mustNext(t, sub)
	if snap.Kind != KindSnapshot || snap.Payload != "searching" {
		t.Fatalf("first event = %+v, want searching snapshot", snap)
	}
	ev := mustNext(t, sub)
	if ev.Kind != KindTrip || ev.Payload != "driver_accepted" || ev.Seq <= snap.Seq {
		t.Fatalf("second event = %+v, want driver_accepted after seq %d", ev, snap.Seq)
	}
	assertNoEvent(t, sub)
}

func TestSubscribe_StaleUpdateDuringSnapshotIsDropped(t *testing.T) {
	src := &racingSource{
		snap:   versioned{status: "driver_accepted", version: 3},
		update: versioned{status: "driver_found", version: 2},
		kind:   KindTrip,
	}
	hub := NewHub(src, logging.Discard())
	src.hub = hub

	sub, err := hub.Subscribe(context.Background(), TripTopic("t1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if ev := mustNext(t, sub); ev.Payload.(versioned).version != 3 {
		t.Fatalf("snapshot = %+v", ev)
	}
	assertNoEvent(t, sub)

	hub.Publish(context.Background(), TripTopic("t1"), KindTrip, versioned{status: "driver_found", version: 2})
	assertNoEvent(t, sub)
}

func TestPublish_OlderVersionDropped(t *testing.T) {
	hub := NewHub(newSource(), logging.Discard())
	topic := TripTopic("t1")
	sub, err := hub.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	mustNext(t, sub)

	hub.Publish(context.Background(), topic, KindTrip, versioned{status: "driver_accepted", version: 2})
	hub.Publish(context.Background(), topic, KindTrip, versioned{status: "driver_found", version: 1})

	ev := mustNext(t, sub)
	if got := ev.Payload.(versioned); got.version != 2 {
		t.Fatalf("delivered %+v, want version 2", got)
	}
	assertNoEvent(t, sub)

	// Equal versions still go through, e.g. a rating on a completed trip.
	hub.Publish(context.Background(), topic, KindTrip, versioned{status: "driver_accepted", version: 2})
	if ev := mustNext(t, sub); ev.Payload.(versioned).version != 2 {
		t.Fatalf("same-version event = %+v", ev)
	}

	raw := json.RawMessage(`{"status":"pending","status_version":0}`)
	hub.Publish(context.Background(), topic, KindTrip, raw)
	assertNoEvent(t, sub)
}

func TestRedisBridge_HandleRemoteEvent(t *testing.T) {
	hub := NewHub(newSource(), logging.Discard())
	bridge := NewRedisBridge(nil, "test", hub, logging.Discard())

	sub, err := hub.Subscribe(context.Background(), TripTopic("t9"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	mustNext(t, sub)

	own, _ := json.Marshal(envelope{Origin: bridge.origin, Topic: TripTopic("t9"), Kind: KindTrip, Payload: json.RawMessage(`{"n":1}`)})
	bridge.handle(string(own))
	assertNoEvent(t, sub)

	remote, _ := json.Marshal(envelope{Origin: "other", Topic: TripTopic("t9"), Kind: KindTrip, Payload: json.RawMessage(`{"n":2}`)})
	bridge.handle(string(remote))
	ev := mustNext(t, sub)
	if string(ev.Payload.(json.RawMessage)) != `{"n":2}` {
		t.Fatalf("payload = %s", ev.Payload)
	}

	bad, _ := json.Marshal(envelope{Origin: "other", Topic: "nope", Kind: KindTrip})
	bridge.handle(string(bad))
	assertNoEvent(t, sub)
}

func TestParseTopic(t *testing.T) {
	cases := map[string]bool{
		"drivers:online": true,
		"trip:abc":       true,
		"trip:":          false,
		"drivers":        false,
	}
	for in, ok := range cases {
		_, err := ParseTopic(in)
		if (err == nil) != ok {
			t.Errorf("ParseTopic(%q) err = %v", in, err)
		}
	}
}
