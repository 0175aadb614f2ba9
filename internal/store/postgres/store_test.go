// README: DB-backed tests for the record store (run with -race against SAKAY_TEST_DSN).
package postgres

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"sakay/internal/modules/favorite"
	"sakay/internal/modules/presence"
	"sakay/internal/modules/pricing"
	"sakay/internal/modules/safety"
	"sakay/internal/modules/trip"
	"sakay/internal/types"
)

var (
	quiapo    = types.Point{Lat: 14.5990, Lng: 120.9842}
	intramuro = types.Point{Lat: 14.5896, Lng: 120.9747}
	t0        = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
)

func TestAcceptSameTrip(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	tr := seedTrip(t, store, "p_multi_accept", trip.StatusSearching)

	const attempts = 8
	for i := 0; i < attempts; i++ {
		goOnline(t, store, types.ID(fmt.Sprintf("d%d", i)))
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(did types.ID) {
			defer wg.Done()
			<-start
			_, err := store.AcceptTrip(ctx, trip.AcceptRecord{TripID: tr.ID, DriverID: did, At: t0})
			errs <- err
		}(types.ID(fmt.Sprintf("d%d", i)))
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, trip.ErrAlreadyAccepted) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}

	got, err := store.GetTrip(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if got.Status != trip.StatusDriverAccepted || got.DriverID == nil {
		t.Fatalf("unexpected trip after accept: status=%s driver=%v", got.Status, got.DriverID)
	}
	p, err := store.GetPresence(ctx, *got.DriverID)
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	if p.Occupancy != presence.OccupancyOnRide || p.TripID == nil || *p.TripID != tr.ID {
		t.Fatalf("driver not bound: %+v", p)
	}
}

func TestAcceptUnavailableDriver(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	tr := seedTrip(t, store, "p_offline", trip.StatusSearching)

	_, err := store.AcceptTrip(ctx, trip.AcceptRecord{TripID: tr.ID, DriverID: "ghost", At: t0})
	if !errors.Is(err, trip.ErrDriverUnavailable) {
		t.Fatalf("expected ErrDriverUnavailable, got %v", err)
	}

	goOnline(t, store, "d_busy")
	other := seedTrip(t, store, "p_other", trip.StatusSearching)
	if _, err := store.AcceptTrip(ctx, trip.AcceptRecord{TripID: other.ID, DriverID: "d_busy", At: t0}); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	_, err = store.AcceptTrip(ctx, trip.AcceptRecord{TripID: tr.ID, DriverID: "d_busy", At: t0})
	if !errors.Is(err, trip.ErrDriverUnavailable) {
		t.Fatalf("expected ErrDriverUnavailable for busy driver, got %v", err)
	}
	assertTripStatus(t, store, tr.ID, trip.StatusSearching)
}

func TestCreateOneActivePerPassenger(t *testing.T) {
	store := setupTestStore(t)
	seedTrip(t, store, "p_dup", trip.StatusSearching)

	err := store.CreateTrip(context.Background(), newTrip("p_dup", trip.StatusPending))
	if !errors.Is(err, trip.ErrActiveTripExists) {
		t.Fatalf("expected ErrActiveTripExists, got %v", err)
	}
}

func TestTransitionVersionCheck(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	tr := seedTrip(t, store, "p_version", trip.StatusPending)

	cmd := trip.TransitionCommand{TripID: tr.ID, From: trip.StatusPending, To: trip.StatusSearching, Version: tr.StatusVersion, At: t0}
	got, err := store.TransitionTrip(ctx, cmd)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.StatusVersion != tr.StatusVersion+1 {
		t.Fatalf("status_version = %d, want %d", got.StatusVersion, tr.StatusVersion+1)
	}
	if _, err := store.TransitionTrip(ctx, cmd); !errors.Is(err, trip.ErrConflict) {
		t.Fatalf("expected ErrConflict on stale version, got %v", err)
	}
	cmd.TripID = "missing"
	if _, err := store.TransitionTrip(ctx, cmd); !errors.Is(err, trip.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteAndCancelReleaseDriver(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	goOnline(t, store, "d_release")

	tr := seedTrip(t, store, "p_release", trip.StatusSearching)
	if _, err := store.AcceptTrip(ctx, trip.AcceptRecord{TripID: tr.ID, DriverID: "d_release", At: t0}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := store.SetPresenceOffline(ctx, "d_release", t0); !errors.Is(err, presence.ErrOnRide) {
		t.Fatalf("expected ErrOnRide, got %v", err)
	}
	cur := assertTripStatus(t, store, tr.ID, trip.StatusDriverAccepted)
	for _, to := range []trip.Status{trip.StatusArrived, trip.StatusInProgress} {
		next, err := store.TransitionTrip(ctx, trip.TransitionCommand{TripID: tr.ID, From: cur.Status, To: to, Version: cur.StatusVersion, At: t0})
		if err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
		cur = next
	}
	fare := pricing.Calculate(pricing.DefaultRate, 3.5, pricing.DiscountNone)
	done, err := store.CompleteTrip(ctx, trip.CompleteRecord{TripID: tr.ID, DriverID: "d_release", DistanceKm: 3.5, Fare: fare, At: t0.Add(20 * time.Minute)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Fare.Final != fare.Final || done.CompletedAt == nil {
		t.Fatalf("unexpected completed trip: %+v", done)
	}
	p, err := store.GetPresence(ctx, "d_release")
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	if p.Occupancy != presence.OccupancyAvailable || p.TripID != nil || p.RideCount != 1 {
		t.Fatalf("driver not released after complete: %+v", p)
	}

	second := seedTrip(t, store, "p_release", trip.StatusSearching)
	if _, err := store.AcceptTrip(ctx, trip.AcceptRecord{TripID: second.ID, DriverID: "d_release", At: t0}); err != nil {
		t.Fatalf("accept second: %v", err)
	}
	cancelled, err := store.CancelTrip(ctx, trip.CancelRecord{TripID: second.ID, By: trip.ActorPassenger, Reason: "changed mind", At: t0})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CancelledBy == nil || *cancelled.CancelledBy != trip.ActorPassenger {
		t.Fatalf("cancelled_by not recorded: %+v", cancelled)
	}
	p, _ = store.GetPresence(ctx, "d_release")
	if p.Occupancy != presence.OccupancyAvailable || p.RideCount != 1 {
		t.Fatalf("driver not released after cancel: %+v", p)
	}
	if _, err := store.CancelTrip(ctx, trip.CancelRecord{TripID: second.ID, By: trip.ActorPassenger, At: t0}); !errors.Is(err, trip.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on terminal trip, got %v", err)
	}
}

func TestCancelRestrictedToStatuses(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	goOnline(t, store, "d_restrict")
	tr := seedTrip(t, store, "p_restrict", trip.StatusSearching)
	if _, err := store.AcceptTrip(ctx, trip.AcceptRecord{TripID: tr.ID, DriverID: "d_restrict", At: t0}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err := store.CancelTrip(ctx, trip.CancelRecord{
		TripID: tr.ID,
		By:     trip.ActorSystem,
		From:   []trip.Status{trip.StatusPending, trip.StatusSearching, trip.StatusDriverFound},
		At:     t0,
	})
	if !errors.Is(err, trip.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	assertTripStatus(t, store, tr.ID, trip.StatusDriverAccepted)
}

func TestRatingAndHistory(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	if _, err := store.DriverHistory(ctx, "nobody"); !errors.Is(err, safety.ErrDriverNotFound) {
		t.Fatalf("expected ErrDriverNotFound, got %v", err)
	}

	goOnline(t, store, "d_rated")
	for i, score := range []int{5, 4} {
		tr := newTrip(types.ID(fmt.Sprintf("p_rate_%d", i)), trip.StatusCompleted)
		did := types.ID("d_rated")
		tr.DriverID = &did
		if err := store.CreateTrip(ctx, tr); err != nil {
			t.Fatalf("seed completed trip: %v", err)
		}
		_, err := store.RateTrip(ctx, trip.RateRecord{TripID: tr.ID, Target: trip.RoleDriver, Rating: trip.Rating{Score: score, RatedAt: t0}})
		if err != nil {
			t.Fatalf("rate: %v", err)
		}
		_, err = store.RateTrip(ctx, trip.RateRecord{TripID: tr.ID, Target: trip.RoleDriver, Rating: trip.Rating{Score: 1, RatedAt: t0}})
		if !errors.Is(err, trip.ErrAlreadyRated) {
			t.Fatalf("expected ErrAlreadyRated, got %v", err)
		}
	}

	avg, n, err := store.RatingStats(ctx, trip.RoleDriver, "d_rated")
	if err != nil {
		t.Fatalf("rating stats: %v", err)
	}
	if avg != 4.5 || n != 2 {
		t.Fatalf("stats = %.2f/%d, want 4.50/2", avg, n)
	}
	h, err := store.DriverHistory(ctx, "d_rated")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if h.CompletedRides != 2 || h.RatedTrips != 2 || h.AvgRating != 4.5 {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestSafetyRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	r := &safety.Record{
		ID:         types.NewID(),
		DriverID:   "d_safety",
		Kind:       safety.KindComplaint,
		Severity:   safety.SeverityMedium,
		Status:     safety.RecordPending,
		ReportedBy: "p1",
		CreatedAt:  t0,
	}
	if err := store.AppendSafetyRecord(ctx, r); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := store.UpdateSafetyRecordStatus(ctx, r.ID, safety.RecordResolved, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Status != safety.RecordResolved || got.ResolvedAt == nil {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := store.UpdateSafetyRecordStatus(ctx, r.ID, safety.RecordDismissed, t0); !errors.Is(err, safety.ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
	if _, err := store.UpdateSafetyRecordStatus(ctx, "missing", safety.RecordDismissed, t0); !errors.Is(err, safety.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFavoriteCapConcurrent(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	const attempts = favorite.MaxPerOwner + 5
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs <- store.CreateFavorite(ctx, &favorite.Favorite{
				ID:        types.NewID(),
				OwnerID:   "owner",
				Label:     fmt.Sprintf("place %d", i),
				Point:     quiapo,
				Icon:      favorite.IconPin,
				CreatedAt: t0.Add(time.Duration(i) * time.Second),
			})
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	limited := 0
	for err := range errs {
		if errors.Is(err, favorite.ErrLimitReached) {
			limited++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if limited != 5 {
		t.Fatalf("expected 5 rejected inserts, got %d", limited)
	}
	list, err := store.ListFavorites(ctx, "owner")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != favorite.MaxPerOwner {
		t.Fatalf("len = %d, want %d", len(list), favorite.MaxPerOwner)
	}
	if err := store.DeleteFavorite(ctx, "someone-else", list[0].ID); !errors.Is(err, favorite.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
}

func newTrip(passenger types.ID, status trip.Status) *trip.Trip {
	fare := pricing.Calculate(pricing.DefaultRate, 2.0, pricing.DiscountNone)
	return &trip.Trip{
		ID:            types.NewID(),
		PassengerID:   passenger,
		Pickup:        trip.Location{Point: quiapo, Address: "Quiapo Church"},
		Dropoff:       trip.Location{Point: intramuro, Address: "Intramuros"},
		DistanceKm:    2.0,
		Fare:          fare,
		PaymentMethod: trip.PaymentCash,
		PaymentStatus: trip.PaymentUnpaid,
		Status:        status,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func seedTrip(t *testing.T, store *Store, passenger types.ID, status trip.Status) *trip.Trip {
	t.Helper()
	tr := newTrip(passenger, status)
	if err := store.CreateTrip(context.Background(), tr); err != nil {
		t.Fatalf("seed trip: %v", err)
	}
	return tr
}

func goOnline(t *testing.T, store *Store, id types.ID) {
	t.Helper()
	_, err := store.UpsertPresenceOnline(context.Background(), presence.OnlineCommand{DriverID: id, Point: quiapo, At: t0})
	if err != nil {
		t.Fatalf("go online %s: %v", id, err)
	}
}

func assertTripStatus(t *testing.T, store *Store, id types.ID, want trip.Status) *trip.Trip {
	t.Helper()
	tr, err := store.GetTrip(context.Background(), id)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if tr.Status != want {
		t.Fatalf("status = %s, want %s", tr.Status, want)
	}
	return tr
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("SAKAY_TEST_DSN")
	if dsn == "" {
		t.Skip("SAKAY_TEST_DSN not set; skipping DB-backed store tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE trip_events, trips, driver_presence, safety_records, favorite_locations"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return New(db)
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
