// README: Driver presence registry. Owns online/offline, location updates and the geo index mirror.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/sirupsen/logrus"

	"sakay/internal/geo"
	"sakay/internal/modules/realtime"
	"sakay/internal/observability"
	"sakay/internal/types"
)

const geohashPrecision = 7

var (
	ErrNotFound     = errors.New("driver not found")
	ErrOffline      = errors.New("driver is offline")
	ErrOnRide       = errors.New("driver is on a ride")
	ErrInvalidPoint = errors.New("invalid coordinate")
	ErrBadRequest   = errors.New("bad request")
)

// Store is the record-store contract for presence rows.
type Store interface {
	UpsertPresenceOnline(ctx context.Context, cmd OnlineCommand) (*Presence, error)
	UpdatePresenceLocation(ctx context.Context, u LocationUpdate) (*Presence, error)
	SetPresenceOffline(ctx context.Context, driverID types.ID, at time.Time) (*Presence, error)
	GetPresence(ctx context.Context, driverID types.ID) (*Presence, error)
	ListOnlinePresence(ctx context.Context, onlyAvailable bool) ([]Presence, error)
	SetDriverRating(ctx context.Context, driverID types.ID, avg float64, rated int) error
}

// GeoIndex is a spatial prefilter over available drivers.
type GeoIndex interface {
	Upsert(ctx context.Context, driverID types.ID, p types.Point) error
	Remove(ctx context.Context, driverID types.ID) error
	Within(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic realtime.Topic, kind string, payload any)
}

type Registry struct {
	store Store
	index GeoIndex
	pub   Publisher
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewRegistry wires the registry. index and pub may be nil.
func NewRegistry(store Store, index GeoIndex, pub Publisher, log logrus.FieldLogger) *Registry {
	return &Registry{
		store: store,
		index: index,
		pub:   pub,
		log:   log.WithField("module", "presence"),
		now:   time.Now,
	}
}

func (r *Registry) GoOnline(ctx context.Context, cmd OnlineCommand) (*Presence, error) {
	if cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	if !cmd.Point.Valid() {
		return nil, ErrInvalidPoint
	}
	prev, err := r.store.GetPresence(ctx, cmd.DriverID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	cmd.At = r.now()
	cmd.Geohash = geohash.EncodeWithPrecision(cmd.Point.Lat, cmd.Point.Lng, geohashPrecision)
	p, err := r.store.UpsertPresenceOnline(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if prev == nil || !prev.Online {
		observability.DriversOnline.Inc()
	}
	r.sync(ctx, *p)
	return p, nil
}

// UpdateLocation moves an online driver and publishes the move to the online topic and, on a ride, the trip topic.
func (r *Registry) UpdateLocation(ctx context.Context, driverID types.ID, point types.Point) (*Presence, error) {
	if driverID == "" {
		return nil, ErrBadRequest
	}
	if !point.Valid() {
		return nil, ErrInvalidPoint
	}
	prev, err := r.store.GetPresence(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !prev.Online {
		return nil, ErrOffline
	}
	heading := prev.Heading
	if prev.Point != nil && geo.HaversineKm(*prev.Point, point) > 0.005 {
		heading = geo.Bearing(*prev.Point, point)
	}
	p, err := r.store.UpdatePresenceLocation(ctx, LocationUpdate{
		DriverID: driverID,
		Point:    point,
		Heading:  heading,
		Geohash:  geohash.EncodeWithPrecision(point.Lat, point.Lng, geohashPrecision),
		At:       r.now(),
	})
	if err != nil {
		return nil, err
	}
	r.sync(ctx, *p)
	return p, nil
}

func (r *Registry) GoOffline(ctx context.Context, driverID types.ID) (*Presence, error) {
	prev, err := r.store.GetPresence(ctx, driverID)
	if err != nil {
		return nil, err
	}
	p, err := r.store.SetPresenceOffline(ctx, driverID, r.now())
	if err != nil {
		return nil, err
	}
	if prev.Online {
		observability.DriversOnline.Dec()
	}
	r.sync(ctx, *p)
	return p, nil
}

func (r *Registry) Get(ctx context.Context, driverID types.ID) (*Presence, error) {
	return r.store.GetPresence(ctx, driverID)
}

func (r *Registry) ListOnline(ctx context.Context) ([]Presence, error) {
	return r.store.ListOnlinePresence(ctx, false)
}

func (r *Registry) ListAvailable(ctx context.Context) ([]Presence, error) {
	return r.store.ListOnlinePresence(ctx, true)
}

// Nearby returns available drivers, using the geo index as a prefilter when one is wired.
// Rows are re-read from the store so stale index entries never leak through.
// Distance filtering is left to the caller.
func (r *Registry) Nearby(ctx context.Context, point types.Point, radiusKm float64) ([]Presence, error) {
	if r.index == nil {
		return r.ListAvailable(ctx)
	}
	ids, err := r.index.Within(ctx, point, radiusKm)
	if err != nil {
		r.log.WithError(err).Warn("geo index query failed, scanning store")
		return r.ListAvailable(ctx)
	}
	out := make([]Presence, 0, len(ids))
	for _, id := range ids {
		p, err := r.store.GetPresence(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if p.Available() {
			out = append(out, *p)
		}
	}
	return out, nil
}

// Refresh re-syncs the index and observers after another module changed the row (accept, release).
func (r *Registry) Refresh(ctx context.Context, driverID types.ID) error {
	p, err := r.store.GetPresence(ctx, driverID)
	if err != nil {
		return err
	}
	r.sync(ctx, *p)
	return nil
}

func (r *Registry) SetRating(ctx context.Context, driverID types.ID, avg float64, rated int) error {
	return r.store.SetDriverRating(ctx, driverID, avg, rated)
}

// Snapshot is the payload of the online-drivers topic.
func (r *Registry) Snapshot(ctx context.Context) ([]Change, error) {
	rows, err := r.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Change, len(rows))
	for i, p := range rows {
		out[i] = changeOf(p)
	}
	return out, nil
}

func (r *Registry) sync(ctx context.Context, p Presence) {
	if r.index != nil {
		var err error
		if p.Available() {
			err = r.index.Upsert(ctx, p.DriverID, *p.Point)
		} else {
			err = r.index.Remove(ctx, p.DriverID)
		}
		if err != nil {
			observability.SideEffectFailures.WithLabelValues("geo_index").Inc()
			r.log.WithError(err).WithField("driver_id", p.DriverID).Warn("geo index sync")
		}
	}
	if r.pub == nil {
		return
	}
	change := changeOf(p)
	r.pub.Publish(ctx, realtime.TopicOnlineDrivers, realtime.KindPresence, change)
	if p.TripID != nil {
		r.pub.Publish(ctx, realtime.TripTopic(*p.TripID), realtime.KindPresence, change)
	}
}
