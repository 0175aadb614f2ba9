package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"sakay/internal/logging"
	"sakay/internal/modules/presence"
	"sakay/internal/types"
)

// fakeReader serves queued results, then cancels the run once drained.
type fakeReader struct {
	results []readResult
	cancel  context.CancelFunc
}

type readResult struct {
	msg kafka.Message
	err error
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.results) == 0 {
		f.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.msg, r.err
}

func (f *fakeReader) Close() error { return nil }

type fakeSink struct {
	mu      sync.Mutex
	applied []types.ID
	errs    map[types.ID][]error
	calls   map[types.ID]int
}

func (f *fakeSink) UpdateLocation(_ context.Context, driverID types.ID, _ types.Point) (*presence.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[driverID]++
	if queue := f.errs[driverID]; len(queue) > 0 {
		err := queue[0]
		f.errs[driverID] = queue[1:]
		return nil, err
	}
	f.applied = append(f.applied, driverID)
	return &presence.Presence{DriverID: driverID}, nil
}

func ping(t *testing.T, id types.ID) kafka.Message {
	t.Helper()
	b, err := json.Marshal(LocationMessage{DriverID: id, Lat: 14.6, Lng: 120.98})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Key: []byte(id), Value: b}
}

func TestConsumerRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &fakeSink{
		errs: map[types.ID][]error{
			"flaky":   {errors.New("connection reset")},
			"offline": {presence.ErrOffline},
		},
		calls: map[types.ID]int{},
	}
	reader := &fakeReader{cancel: cancel, results: []readResult{
		{msg: ping(t, "d1")},
		{msg: kafka.Message{Value: []byte("{not json")}},
		{err: errors.New("broker unavailable")},
		{msg: ping(t, "flaky")},
		{msg: ping(t, "offline")},
		{msg: ping(t, "d2")},
	}}
	c := newConsumer(reader, sink, logging.Discard())
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := c.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []types.ID{"d1", "flaky", "d2"}
	if len(sink.applied) != len(want) {
		t.Fatalf("applied %v, want %v", sink.applied, want)
	}
	for i := range want {
		if sink.applied[i] != want[i] {
			t.Fatalf("applied %v, want %v", sink.applied, want)
		}
	}
	if sink.calls["offline"] != 1 {
		t.Fatalf("rejected ping retried %d times", sink.calls["offline"])
	}
	if sink.calls["flaky"] != 2 {
		t.Fatalf("flaky ping attempts = %d, want 2", sink.calls["flaky"])
	}
	// one read backoff, one apply retry
	if len(slept) != 2 || slept[0] != initialBackoff || slept[1] != applyRetryDelay {
		t.Fatalf("unexpected sleeps: %v", slept)
	}
}

func TestApplyWithRetryGivesUp(t *testing.T) {
	boom := errors.New("db down")
	sink := &fakeSink{errs: map[types.ID][]error{"d1": {boom, boom, boom}}, calls: map[types.ID]int{}}
	c := newConsumer(&fakeReader{}, sink, logging.Discard())
	c.sleep = func(context.Context, time.Duration) error { return nil }

	err := c.applyWithRetry(context.Background(), "d1", types.Point{Lat: 14.6, Lng: 120.98})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if sink.calls["d1"] != applyAttempts {
		t.Fatalf("attempts = %d, want %d", sink.calls["d1"], applyAttempts)
	}
}

type recordingWriter struct {
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestProducerKeysByDriver(t *testing.T) {
	w := &recordingWriter{}
	p := &Producer{writer: w}
	if err := p.PublishLocation(context.Background(), "d7", types.Point{Lat: 14.6, Lng: 120.98}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "d7" {
		t.Fatalf("unexpected messages: %+v", w.msgs)
	}
	var got LocationMessage
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DriverID != "d7" || got.Lat != 14.6 {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if err := p.PublishLocation(context.Background(), "d7", types.Point{Lat: 200}); !errors.Is(err, presence.ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
}
