// README: In-memory record store. One lock guards every table, so accept, complete and cancel are atomic.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"sakay/internal/geo"
	"sakay/internal/modules/favorite"
	"sakay/internal/modules/presence"
	"sakay/internal/modules/safety"
	"sakay/internal/modules/trip"
	"sakay/internal/types"
)

var (
	_ trip.Store     = (*Store)(nil)
	_ presence.Store = (*Store)(nil)
	_ safety.Store   = (*Store)(nil)
	_ favorite.Store = (*Store)(nil)
)

type Store struct {
	mu sync.Mutex

	trips     map[types.ID]*trip.Trip
	events    map[types.ID][]trip.Event
	eventSeq  int64
	presence  map[types.ID]*presence.Presence
	records   []safety.Record
	favorites map[types.ID]favorite.Favorite
}

func New() *Store {
	return &Store{
		trips:     make(map[types.ID]*trip.Trip),
		events:    make(map[types.ID][]trip.Event),
		presence:  make(map[types.ID]*presence.Presence),
		favorites: make(map[types.ID]favorite.Favorite),
	}
}

// ---------------------------------------------------------------------------
// trips
// ---------------------------------------------------------------------------

func (s *Store) CreateTrip(_ context.Context, t *trip.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeByPassenger(t.PassengerID) != nil {
		return trip.ErrActiveTripExists
	}
	cp := *t
	s.trips[t.ID] = &cp
	return nil
}

func (s *Store) GetTrip(_ context.Context, id types.ID) (*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, trip.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) TransitionTrip(_ context.Context, cmd trip.TransitionCommand) (*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[cmd.TripID]
	if !ok {
		return nil, trip.ErrNotFound
	}
	if t.Status != cmd.From || t.StatusVersion != cmd.Version {
		return nil, trip.ErrConflict
	}
	t.Status = cmd.To
	t.StatusVersion++
	t.UpdatedAt = cmd.At
	at := cmd.At
	switch cmd.To {
	case trip.StatusArrived:
		t.ArrivedAt = &at
	case trip.StatusInProgress:
		t.StartedAt = &at
	}
	cp := *t
	return &cp, nil
}

func (s *Store) AcceptTrip(_ context.Context, cmd trip.AcceptRecord) (*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[cmd.TripID]
	if !ok {
		return nil, trip.ErrNotFound
	}
	if !t.Status.PreAcceptance() {
		if t.DriverID != nil {
			return nil, trip.ErrAlreadyAccepted
		}
		return nil, trip.ErrInvalidTransition
	}
	p, ok := s.presence[cmd.DriverID]
	if !ok || !p.Available() || s.activeByDriver(cmd.DriverID) != nil {
		return nil, trip.ErrDriverUnavailable
	}

	driverID, tripID, at := cmd.DriverID, t.ID, cmd.At
	t.DriverID = &driverID
	t.Status = trip.StatusDriverAccepted
	t.StatusVersion++
	t.AcceptedAt = &at
	t.UpdatedAt = at

	p.Occupancy = presence.OccupancyOnRide
	p.TripID = &tripID
	p.UpdatedAt = at

	cp := *t
	return &cp, nil
}

func (s *Store) CompleteTrip(_ context.Context, cmd trip.CompleteRecord) (*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[cmd.TripID]
	if !ok {
		return nil, trip.ErrNotFound
	}
	if !t.BoundTo(cmd.DriverID) {
		return nil, trip.ErrForbidden
	}
	if t.Status != trip.StatusInProgress {
		return nil, trip.ErrInvalidTransition
	}
	at := cmd.At
	t.Status = trip.StatusCompleted
	t.StatusVersion++
	t.DistanceKm = cmd.DistanceKm
	t.Fare = cmd.Fare
	t.CompletedAt = &at
	t.UpdatedAt = at
	if p := s.release(cmd.DriverID, t.ID, at); p != nil {
		p.RideCount++
	}
	cp := *t
	return &cp, nil
}

func (s *Store) CancelTrip(_ context.Context, cmd trip.CancelRecord) (*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[cmd.TripID]
	if !ok {
		return nil, trip.ErrNotFound
	}
	if !t.Status.Active() || (len(cmd.From) > 0 && !contains(cmd.From, t.Status)) {
		return nil, trip.ErrInvalidTransition
	}
	at, by := cmd.At, cmd.By
	t.Status = trip.StatusCancelled
	t.StatusVersion++
	t.CancelledAt = &at
	t.CancelledBy = &by
	t.CancelReason = cmd.Reason
	t.UpdatedAt = at
	if t.DriverID != nil {
		s.release(*t.DriverID, t.ID, at)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) RateTrip(_ context.Context, cmd trip.RateRecord) (*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[cmd.TripID]
	if !ok {
		return nil, trip.ErrNotFound
	}
	if t.Status != trip.StatusCompleted {
		return nil, trip.ErrInvalidTransition
	}
	r := cmd.Rating
	switch cmd.Target {
	case trip.RoleDriver:
		if t.DriverRating != nil {
			return nil, trip.ErrAlreadyRated
		}
		t.DriverRating = &r
	case trip.RolePassenger:
		if t.PassengerRating != nil {
			return nil, trip.ErrAlreadyRated
		}
		t.PassengerRating = &r
	default:
		return nil, trip.ErrBadRequest
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ActiveTripByPassenger(_ context.Context, passengerID types.ID) (*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.activeByPassenger(passengerID)
	if t == nil {
		return nil, trip.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ActiveTripByDriver(_ context.Context, driverID types.ID) (*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.activeByDriver(driverID)
	if t == nil {
		return nil, trip.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTrips(_ context.Context, q trip.HistoryQuery) ([]trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []trip.Trip{}
	for _, t := range s.trips {
		if partyOf(t, q.Role, q.PartyID) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) StaleTrips(_ context.Context, before time.Time, statuses []trip.Status) ([]trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trip.Trip
	for _, t := range s.trips {
		if contains(statuses, t.Status) && t.CreatedAt.Before(before) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RatingStats(_ context.Context, role trip.Role, partyID types.ID) (float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg, n := s.ratingStats(role, partyID)
	return avg, n, nil
}

func (s *Store) AppendTripEvent(_ context.Context, e *trip.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSeq++
	e.ID = s.eventSeq
	s.events[e.TripID] = append(s.events[e.TripID], *e)
	return nil
}

func (s *Store) ListTripEvents(_ context.Context, tripID types.ID) ([]trip.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]trip.Event, len(s.events[tripID]))
	copy(out, s.events[tripID])
	return out, nil
}

func (s *Store) activeByPassenger(id types.ID) *trip.Trip {
	for _, t := range s.trips {
		if t.PassengerID == id && t.Status.Active() {
			return t
		}
	}
	return nil
}

func (s *Store) activeByDriver(id types.ID) *trip.Trip {
	for _, t := range s.trips {
		if t.BoundTo(id) && t.Status.Active() {
			return t
		}
	}
	return nil
}

// release frees the driver if it is still bound to tripID.
func (s *Store) release(driverID, tripID types.ID, at time.Time) *presence.Presence {
	p, ok := s.presence[driverID]
	if !ok || p.TripID == nil || *p.TripID != tripID {
		return nil
	}
	p.TripID = nil
	p.Occupancy = presence.OccupancyOffline
	if p.Online {
		p.Occupancy = presence.OccupancyAvailable
	}
	p.UpdatedAt = at
	return p
}

func (s *Store) ratingStats(role trip.Role, id types.ID) (float64, int) {
	sum, n := 0, 0
	for _, t := range s.trips {
		if t.Status != trip.StatusCompleted || !partyOf(t, role, id) {
			continue
		}
		r := t.DriverRating
		if role == trip.RolePassenger {
			r = t.PassengerRating
		}
		if r != nil {
			sum += r.Score
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return geo.Round2(float64(sum) / float64(n)), n
}

func partyOf(t *trip.Trip, role trip.Role, id types.ID) bool {
	if role == trip.RoleDriver {
		return t.BoundTo(id)
	}
	return t.PassengerID == id
}

func contains(set []trip.Status, s trip.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// presence
// ---------------------------------------------------------------------------

func (s *Store) UpsertPresenceOnline(_ context.Context, cmd presence.OnlineCommand) (*presence.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[cmd.DriverID]
	if !ok {
		p = &presence.Presence{DriverID: cmd.DriverID, RegisteredAt: cmd.At, Occupancy: presence.OccupancyOffline}
		s.presence[cmd.DriverID] = p
	}
	pt := cmd.Point
	p.Point = &pt
	p.Geohash = cmd.Geohash
	p.Online = true
	if p.Occupancy != presence.OccupancyOnRide {
		p.Occupancy = presence.OccupancyAvailable
	}
	if cmd.Profile != (presence.Profile{}) {
		p.Profile = cmd.Profile
	}
	p.UpdatedAt = cmd.At
	cp := *p
	return &cp, nil
}

func (s *Store) UpdatePresenceLocation(_ context.Context, u presence.LocationUpdate) (*presence.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[u.DriverID]
	if !ok {
		return nil, presence.ErrNotFound
	}
	if !p.Online {
		return nil, presence.ErrOffline
	}
	pt := u.Point
	p.Point = &pt
	p.Heading = u.Heading
	p.Geohash = u.Geohash
	p.UpdatedAt = u.At
	cp := *p
	return &cp, nil
}

func (s *Store) SetPresenceOffline(_ context.Context, driverID types.ID, at time.Time) (*presence.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[driverID]
	if !ok {
		return nil, presence.ErrNotFound
	}
	if p.Occupancy == presence.OccupancyOnRide {
		return nil, presence.ErrOnRide
	}
	p.Point = nil
	p.Geohash = ""
	p.Online = false
	p.Occupancy = presence.OccupancyOffline
	p.UpdatedAt = at
	cp := *p
	return &cp, nil
}

func (s *Store) GetPresence(_ context.Context, driverID types.ID) (*presence.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[driverID]
	if !ok {
		return nil, presence.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListOnlinePresence(_ context.Context, onlyAvailable bool) ([]presence.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []presence.Presence{}
	for _, p := range s.presence {
		if !p.Online || (onlyAvailable && !p.Available()) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (s *Store) SetDriverRating(_ context.Context, driverID types.ID, avg float64, rated int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[driverID]
	if !ok {
		return presence.ErrNotFound
	}
	p.AvgRating = avg
	p.RatedTrips = rated
	return nil
}

// ---------------------------------------------------------------------------
// safety
// ---------------------------------------------------------------------------

func (s *Store) DriverHistory(_ context.Context, driverID types.ID) (safety.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := safety.History{}
	p, known := s.presence[driverID]
	if known {
		h.RegisteredAt = p.RegisteredAt
	}
	for _, t := range s.trips {
		if t.BoundTo(driverID) {
			known = true
			if t.Status == trip.StatusCompleted {
				h.CompletedRides++
			}
		}
	}
	if !known {
		return safety.History{}, safety.ErrDriverNotFound
	}
	h.AvgRating, h.RatedTrips = s.ratingStats(trip.RoleDriver, driverID)
	return h, nil
}

func (s *Store) AppendSafetyRecord(_ context.Context, r *safety.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *r)
	return nil
}

// ListSafetyRecords returns the driver's records, newest first.
func (s *Store) ListSafetyRecords(_ context.Context, driverID types.ID) ([]safety.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []safety.Record{}
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].DriverID == driverID {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *Store) UpdateSafetyRecordStatus(_ context.Context, id types.ID, status safety.RecordStatus, at time.Time) (*safety.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		r := &s.records[i]
		if r.ID != id {
			continue
		}
		if r.Status != safety.RecordPending {
			return nil, safety.ErrAlreadyClosed
		}
		r.Status = status
		r.ResolvedAt = &at
		cp := *r
		return &cp, nil
	}
	return nil, safety.ErrNotFound
}

// ---------------------------------------------------------------------------
// favorites
// ---------------------------------------------------------------------------

func (s *Store) CreateFavorite(_ context.Context, f *favorite.Favorite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.favorites {
		if v.OwnerID == f.OwnerID {
			n++
		}
	}
	if n >= favorite.MaxPerOwner {
		return favorite.ErrLimitReached
	}
	s.favorites[f.ID] = *f
	return nil
}

func (s *Store) ListFavorites(_ context.Context, ownerID types.ID) ([]favorite.Favorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []favorite.Favorite{}
	for _, f := range s.favorites {
		if f.OwnerID == ownerID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetFavorite(_ context.Context, ownerID, id types.ID) (*favorite.Favorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.favorites[id]
	if !ok || f.OwnerID != ownerID {
		return nil, favorite.ErrNotFound
	}
	return &f, nil
}

func (s *Store) DeleteFavorite(_ context.Context, ownerID, id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.favorites[id]
	if !ok || f.OwnerID != ownerID {
		return favorite.ErrNotFound
	}
	delete(s.favorites, id)
	return nil
}
