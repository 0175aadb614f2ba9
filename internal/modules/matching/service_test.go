package matching

import (
	"context"
	"errors"
	"testing"

	"sakay/internal/config"
	"sakay/internal/logging"
	"sakay/internal/modules/presence"
	"sakay/internal/modules/safety"
	"sakay/internal/types"
)

var plaza = types.Point{Lat: 14.5995, Lng: 120.9842}

type fakePresence struct {
	rows []presence.Presence
	err  error
}

func (f *fakePresence) Nearby(_ context.Context, _ types.Point, _ float64) ([]presence.Presence, error) {
	return f.rows, f.err
}

type fakeAssessor map[types.ID]safety.Badge

func (f fakeAssessor) Assess(_ context.Context, id types.ID) (safety.Assessment, error) {
	b, ok := f[id]
	if !ok {
		return safety.Assessment{}, errors.New("boom")
	}
	return safety.Assessment{DriverID: id, Badge: b}, nil
}

func online(id string, lat, lng float64) presence.Presence {
	p := types.Point{Lat: lat, Lng: lng}
	return presence.Presence{DriverID: types.ID(id), Point: &p, Online: true, Occupancy: presence.OccupancyAvailable}
}

func newTestService(rows []presence.Presence, badges fakeAssessor) *Service {
	return NewService(&fakePresence{rows: rows}, badges, config.MatchingConfig{}, logging.Discard())
}

func TestFindDrivers_SortsAndFilters(t *testing.T) {
	rows := []presence.Presence{
		online("far", 14.70, 120.98),      // ~11 km, outside 5 km
		online("b", 14.6085, 120.9842),    // ~1 km
		online("a", 14.6085, 120.9842),    // same distance as b
		online("near", 14.6004, 120.9842), // ~0.1 km
	}
	busy := online("busy", 14.5996, 120.9842)
	busy.Occupancy = presence.OccupancyOnRide
	rows = append(rows, busy)

	svc := newTestService(rows, fakeAssessor{"far": safety.BadgeGreen, "a": safety.BadgeGreen, "b": safety.BadgeYellow, "near": safety.BadgeRed})
	got, err := svc.FindDrivers(context.Background(), Query{Point: plaza})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	want := []types.ID{"near", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates: %+v", len(got), got)
	}
	for i, id := range want {
		if got[i].DriverID != id {
			t.Errorf("position %d = %s, want %s", i, got[i].DriverID, id)
		}
	}
	if got[0].ETAMinutes != 1 {
		t.Errorf("eta floor = %d", got[0].ETAMinutes)
	}
	if got[1].Safety.Badge != safety.BadgeGreen || got[0].Safety.Badge != safety.BadgeRed {
		t.Errorf("badges not attached: %+v", got)
	}
}

func TestFindDrivers_MinBadge(t *testing.T) {
	rows := []presence.Presence{
		online("g", 14.6004, 120.9842),
		online("y", 14.6010, 120.9842),
		online("r", 14.6020, 120.9842),
	}
	svc := newTestService(rows, fakeAssessor{"g": safety.BadgeGreen, "y": safety.BadgeYellow, "r": safety.BadgeRed})

	got, err := svc.FindDrivers(context.Background(), Query{Point: plaza, MinBadge: safety.BadgeYellow})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != "g" || got[1].DriverID != "y" {
		t.Fatalf("unexpected list %+v", got)
	}
}

func TestFindDrivers_RadiusCapped(t *testing.T) {
	rows := []presence.Presence{online("d12", 14.7075, 120.9842)} // ~12 km north
	svc := newTestService(rows, fakeAssessor{"d12": safety.BadgeGreen})

	got, err := svc.FindDrivers(context.Background(), Query{Point: plaza, RadiusKm: 50})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("radius should cap at %v km, got %+v", MaxRadiusKm, got)
	}
}

func TestFindDrivers_EmptyIsNotError(t *testing.T) {
	svc := newTestService(nil, fakeAssessor{})
	got, err := svc.FindDrivers(context.Background(), Query{Point: plaza})
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestFindDrivers_Errors(t *testing.T) {
	svc := newTestService(nil, fakeAssessor{})
	if _, err := svc.FindDrivers(context.Background(), Query{Point: types.Point{Lat: 91, Lng: 0}}); !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("invalid point: %v", err)
	}
	if _, err := svc.FindDrivers(context.Background(), Query{Point: plaza, MinBadge: "purple"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("bad badge: %v", err)
	}

	failing := NewService(&fakePresence{err: errors.New("store down")}, fakeAssessor{}, config.MatchingConfig{}, logging.Discard())
	if _, err := failing.FindDrivers(context.Background(), Query{Point: plaza}); err == nil {
		t.Fatal("expected store error")
	}

	noBadge := newTestService([]presence.Presence{online("x", 14.6004, 120.9842)}, fakeAssessor{})
	if _, err := noBadge.FindDrivers(context.Background(), Query{Point: plaza}); err == nil {
		t.Fatal("expected assessment error")
	}
}

func TestFindNearest(t *testing.T) {
	rows := []presence.Presence{
		online("second", 14.6100, 120.9842),
		online("first", 14.6004, 120.9842),
		online("eight_km", 14.6715, 120.9842),
	}
	svc := newTestService(rows, fakeAssessor{"first": safety.BadgeYellow, "second": safety.BadgeYellow, "eight_km": safety.BadgeGreen})

	c, err := svc.FindNearest(context.Background(), plaza)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.DriverID != "first" {
		t.Fatalf("nearest = %+v", c)
	}

	empty := newTestService(nil, fakeAssessor{})
	c, err = empty.FindNearest(context.Background(), plaza)
	if err != nil || c != nil {
		t.Fatalf("expected nil candidate, got %+v %v", c, err)
	}
}

func TestETAMinutes(t *testing.T) {
	tests := []struct {
		km   float64
		want int
	}{
		{0, 1},
		{0.2, 1},
		{1, 2},
		{2.5, 5},
		{10, 20},
	}
	for _, tt := range tests {
		if got := ETAMinutes(tt.km, 30); got != tt.want {
			t.Errorf("ETAMinutes(%v) = %d, want %d", tt.km, got, tt.want)
		}
	}
}
