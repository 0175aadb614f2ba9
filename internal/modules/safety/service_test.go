package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sakay/internal/logging"
	"sakay/internal/notify"
	"sakay/internal/types"
)

type mockStore struct {
	mu      sync.Mutex
	history map[types.ID]History
	records []Record
}

func (m *mockStore) DriverHistory(_ context.Context, id types.ID) (History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[id]
	if !ok {
		return History{}, ErrDriverNotFound
	}
	return h, nil
}

func (m *mockStore) AppendSafetyRecord(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *r)
	return nil
}

func (m *mockStore) ListSafetyRecords(_ context.Context, id types.ID) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.DriverID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateSafetyRecordStatus(_ context.Context, id types.ID, status RecordStatus, at time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID != id {
			continue
		}
		if m.records[i].Status != RecordPending {
			return nil, ErrAlreadyClosed
		}
		m.records[i].Status = status
		m.records[i].ResolvedAt = &at
		cp := m.records[i]
		return &cp, nil
	}
	return nil, ErrNotFound
}

type recordingNotifier struct {
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

func newTestService(t *testing.T) (*Service, *mockStore, *recordingNotifier) {
	t.Helper()
	store := &mockStore{history: map[types.ID]History{
		"vet": {CompletedRides: 60, AvgRating: 4.8, RatedTrips: 40, RegisteredAt: evalNow.Add(-400 * day)},
	}}
	n := &recordingNotifier{}
	svc := NewService(store, n, "desk", logging.Discard())
	svc.now = func() time.Time { return evalNow }
	return svc, store, n
}

func TestAssessAndProfileAgree(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Assess(ctx, "vet")
	if err != nil {
		t.Fatal(err)
	}
	if a.Badge != BadgeGreen || a.DriverID != "vet" {
		t.Fatalf("assessment = %+v", a)
	}

	if _, err := svc.Report(ctx, ReportCommand{DriverID: "vet", Kind: KindIncident, ReportedBy: "p1"}); err != nil {
		t.Fatal(err)
	}
	a, _ = svc.Assess(ctx, "vet")
	p, err := svc.Profile(ctx, "vet")
	if err != nil {
		t.Fatal(err)
	}
	if a.Badge != BadgeRed || p.Assessment.Badge != a.Badge {
		t.Fatalf("summary %s and detail %s disagree", a.Badge, p.Assessment.Badge)
	}
	if len(p.Records) != 1 {
		t.Fatalf("records = %d", len(p.Records))
	}
}

func TestReport_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  ReportCommand
		want error
	}{
		{"missing driver", ReportCommand{Kind: KindComplaint, ReportedBy: "p1"}, ErrBadRequest},
		{"unknown kind", ReportCommand{DriverID: "vet", Kind: "praise", ReportedBy: "p1"}, ErrBadRequest},
		{"unknown severity", ReportCommand{DriverID: "vet", Kind: KindComplaint, Severity: "extreme", ReportedBy: "p1"}, ErrBadRequest},
		{"unknown driver", ReportCommand{DriverID: "ghost", Kind: KindComplaint, ReportedBy: "p1"}, ErrDriverNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Report(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestReport_SOSAlertsDesk(t *testing.T) {
	svc, _, n := newTestService(t)
	trip := types.ID("t1")

	r, err := svc.Report(context.Background(), ReportCommand{DriverID: "vet", Kind: KindSOS, TripID: &trip, ReportedBy: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Severity != SeverityHigh || r.Status != RecordPending {
		t.Fatalf("record = %+v", r)
	}
	if len(n.msgs) != 1 {
		t.Fatalf("expected one alert, got %d", len(n.msgs))
	}
	msg := n.msgs[0]
	if msg.RecipientID != "desk" || msg.Priority != notify.PriorityHigh || msg.Data["trip_id"] != "t1" {
		t.Fatalf("alert = %+v", msg)
	}

	if _, err := svc.Report(context.Background(), ReportCommand{DriverID: "vet", Kind: KindComplaint, ReportedBy: "p1"}); err != nil {
		t.Fatal(err)
	}
	if len(n.msgs) != 1 {
		t.Fatal("complaints must not alert the desk")
	}
}

func TestResolve(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.Report(ctx, ReportCommand{DriverID: "vet", Kind: KindIncident, ReportedBy: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(ctx, r.ID, RecordPending); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("reopen: %v", err)
	}
	got, err := svc.Resolve(ctx, r.ID, RecordDismissed)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RecordDismissed || got.ResolvedAt == nil {
		t.Fatalf("record = %+v", got)
	}
	if _, err := svc.Resolve(ctx, r.ID, RecordResolved); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("second resolve: %v", err)
	}
	if _, err := svc.Resolve(ctx, "missing", RecordResolved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}

	a, _ := svc.Assess(ctx, "vet")
	if a.Badge != BadgeGreen {
		t.Fatalf("dismissed incident still counted: %+v", a)
	}
}
