package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"sakay/internal/modules/presence"
	"sakay/internal/types"
)

const presenceColumns = `
	driver_id, lat, lng, heading, geohash, online, occupancy, trip_id,
	name, vehicle, plate, avg_rating, rated_trips, ride_count, registered_at, updated_at`

func (s *Store) UpsertPresenceOnline(ctx context.Context, cmd presence.OnlineCommand) (*presence.Presence, error) {
	keepProfile := cmd.Profile == (presence.Profile{})
	return scanPresence(s.db.QueryRow(ctx, `
		INSERT INTO driver_presence (
			driver_id, lat, lng, geohash, online, occupancy,
			name, vehicle, plate, registered_at, updated_at
		) VALUES ($1, $2, $3, $4, TRUE, 'available', $5, $6, $7, $8, $8)
		ON CONFLICT (driver_id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			geohash = EXCLUDED.geohash,
			online = TRUE,
			occupancy = CASE WHEN driver_presence.occupancy = 'on_ride' THEN 'on_ride' ELSE 'available' END,
			name = CASE WHEN $9 THEN driver_presence.name ELSE EXCLUDED.name END,
			vehicle = CASE WHEN $9 THEN driver_presence.vehicle ELSE EXCLUDED.vehicle END,
			plate = CASE WHEN $9 THEN driver_presence.plate ELSE EXCLUDED.plate END,
			updated_at = EXCLUDED.updated_at
		RETURNING `+presenceColumns,
		string(cmd.DriverID), cmd.Point.Lat, cmd.Point.Lng, cmd.Geohash,
		cmd.Profile.Name, cmd.Profile.Vehicle, cmd.Profile.Plate, cmd.At, keepProfile,
	))
}

func (s *Store) UpdatePresenceLocation(ctx context.Context, u presence.LocationUpdate) (*presence.Presence, error) {
	p, err := scanPresence(s.db.QueryRow(ctx, `
		UPDATE driver_presence
		SET lat = $2, lng = $3, heading = $4, geohash = $5, updated_at = $6
		WHERE driver_id = $1 AND online
		RETURNING `+presenceColumns,
		string(u.DriverID), u.Point.Lat, u.Point.Lng, u.Heading, u.Geohash, u.At,
	))
	if errors.Is(err, presence.ErrNotFound) {
		if _, gerr := s.GetPresence(ctx, u.DriverID); gerr != nil {
			return nil, gerr
		}
		return nil, presence.ErrOffline
	}
	return p, err
}

func (s *Store) SetPresenceOffline(ctx context.Context, driverID types.ID, at time.Time) (*presence.Presence, error) {
	p, err := scanPresence(s.db.QueryRow(ctx, `
		UPDATE driver_presence
		SET lat = NULL, lng = NULL, geohash = '', online = FALSE, occupancy = 'offline', updated_at = $2
		WHERE driver_id = $1 AND occupancy <> 'on_ride'
		RETURNING `+presenceColumns,
		string(driverID), at,
	))
	if errors.Is(err, presence.ErrNotFound) {
		if _, gerr := s.GetPresence(ctx, driverID); gerr != nil {
			return nil, gerr
		}
		return nil, presence.ErrOnRide
	}
	return p, err
}

func (s *Store) GetPresence(ctx context.Context, driverID types.ID) (*presence.Presence, error) {
	return scanPresence(s.db.QueryRow(ctx, `SELECT `+presenceColumns+` FROM driver_presence WHERE driver_id = $1`, string(driverID)))
}

func (s *Store) ListOnlinePresence(ctx context.Context, onlyAvailable bool) ([]presence.Presence, error) {
	q := `SELECT ` + presenceColumns + ` FROM driver_presence WHERE online`
	if onlyAvailable {
		q += ` AND occupancy = 'available'`
	}
	rows, err := s.db.Query(ctx, q+` ORDER BY driver_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []presence.Presence{}
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) SetDriverRating(ctx context.Context, driverID types.ID, avg float64, rated int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE driver_presence SET avg_rating = $2, rated_trips = $3 WHERE driver_id = $1`,
		string(driverID), avg, rated,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return presence.ErrNotFound
	}
	return nil
}

func scanPresence(row pgx.Row) (*presence.Presence, error) {
	var (
		p        presence.Presence
		lat, lng *float64
		tripID   *string
	)
	err := row.Scan(
		&p.DriverID, &lat, &lng, &p.Heading, &p.Geohash, &p.Online, &p.Occupancy, &tripID,
		&p.Profile.Name, &p.Profile.Vehicle, &p.Profile.Plate,
		&p.AvgRating, &p.RatedTrips, &p.RideCount, &p.RegisteredAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, presence.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		p.Point = &types.Point{Lat: *lat, Lng: *lng}
	}
	p.TripID = toID(tripID)
	return &p, nil
}
