// README: PostgreSQL record store. Accept, complete and cancel each run in one transaction that locks the trip row, then the presence row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sakay/internal/geo"
	"sakay/internal/modules/favorite"
	"sakay/internal/modules/presence"
	"sakay/internal/modules/pricing"
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

const uniqueViolation = "23505"

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const tripColumns = `
	id, passenger_id, driver_id,
	pickup_lat, pickup_lng, pickup_address,
	dropoff_lat, dropoff_lng, dropoff_address,
	distance_km, discount_type, currency,
	base_fare, distance_charge, subtotal, discount_amount, final_fare,
	payment_method, payment_status, status, status_version,
	driver_rating, driver_feedback, driver_rated_at,
	passenger_rating, passenger_feedback, passenger_rated_at,
	created_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at,
	cancelled_by, cancel_reason, updated_at`

var activeStatuses = statusStrings(trip.ActiveStatuses)

func (s *Store) CreateTrip(ctx context.Context, t *trip.Trip) error {
	f := t.Fare
	_, err := s.db.Exec(ctx, `
		INSERT INTO trips (
			id, passenger_id, driver_id,
			pickup_lat, pickup_lng, pickup_address,
			dropoff_lat, dropoff_lng, dropoff_address,
			distance_km, discount_type, currency,
			base_fare, distance_charge, subtotal, discount_amount, final_fare,
			payment_method, payment_status, status, status_version,
			created_at, updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21,
			$22, $23
		)`,
		string(t.ID), string(t.PassengerID), idPtr(t.DriverID),
		t.Pickup.Point.Lat, t.Pickup.Point.Lng, t.Pickup.Address,
		t.Dropoff.Point.Lat, t.Dropoff.Point.Lng, t.Dropoff.Address,
		t.DistanceKm, string(f.DiscountType), f.Final.Currency,
		f.Base.Amount, f.DistanceCharge.Amount, f.Subtotal.Amount, f.Discount.Amount, f.Final.Amount,
		string(t.PaymentMethod), string(t.PaymentStatus), string(t.Status), t.StatusVersion,
		t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return trip.ErrActiveTripExists
	}
	return err
}

func (s *Store) GetTrip(ctx context.Context, id types.ID) (*trip.Trip, error) {
	return scanTrip(s.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, string(id)))
}

func (s *Store) TransitionTrip(ctx context.Context, cmd trip.TransitionCommand) (*trip.Trip, error) {
	t, err := scanTrip(s.db.QueryRow(ctx, `
		UPDATE trips
		SET status = $1,
		    status_version = status_version + 1,
		    arrived_at = CASE WHEN $1 = 'arrived' THEN $5 ELSE arrived_at END,
		    started_at = CASE WHEN $1 = 'in_progress' THEN $5 ELSE started_at END,
		    updated_at = $5
		WHERE id = $2 AND status = $3 AND status_version = $4
		RETURNING `+tripColumns,
		string(cmd.To), string(cmd.TripID), string(cmd.From), cmd.Version, cmd.At,
	))
	if errors.Is(err, trip.ErrNotFound) {
		if _, gerr := s.GetTrip(ctx, cmd.TripID); gerr != nil {
			return nil, gerr
		}
		return nil, trip.ErrConflict
	}
	return t, err
}

func (s *Store) AcceptTrip(ctx context.Context, cmd trip.AcceptRecord) (*trip.Trip, error) {
	var out *trip.Trip
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		status, driverID, err := lockTrip(ctx, tx, cmd.TripID)
		if err != nil {
			return err
		}
		if !status.PreAcceptance() {
			if driverID != nil {
				return trip.ErrAlreadyAccepted
			}
			return trip.ErrInvalidTransition
		}

		var online bool
		var occupancy string
		err = tx.QueryRow(ctx, `
			SELECT online, occupancy FROM driver_presence
			WHERE driver_id = $1 AND lat IS NOT NULL
			FOR UPDATE`, string(cmd.DriverID),
		).Scan(&online, &occupancy)
		if errors.Is(err, pgx.ErrNoRows) {
			return trip.ErrDriverUnavailable
		}
		if err != nil {
			return err
		}
		if !online || presence.Occupancy(occupancy) != presence.OccupancyAvailable {
			return trip.ErrDriverUnavailable
		}

		out, err = scanTrip(tx.QueryRow(ctx, `
			UPDATE trips
			SET driver_id = $2,
			    status = 'driver_accepted',
			    status_version = status_version + 1,
			    accepted_at = $3,
			    updated_at = $3
			WHERE id = $1
			RETURNING `+tripColumns,
			string(cmd.TripID), string(cmd.DriverID), cmd.At,
		))
		if isUniqueViolation(err) {
			return trip.ErrDriverUnavailable
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE driver_presence
			SET occupancy = 'on_ride', trip_id = $2, updated_at = $3
			WHERE driver_id = $1`,
			string(cmd.DriverID), string(cmd.TripID), cmd.At,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CompleteTrip(ctx context.Context, cmd trip.CompleteRecord) (*trip.Trip, error) {
	var out *trip.Trip
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		status, driverID, err := lockTrip(ctx, tx, cmd.TripID)
		if err != nil {
			return err
		}
		if driverID == nil || *driverID != cmd.DriverID {
			return trip.ErrForbidden
		}
		if status != trip.StatusInProgress {
			return trip.ErrInvalidTransition
		}
		f := cmd.Fare
		out, err = scanTrip(tx.QueryRow(ctx, `
			UPDATE trips
			SET status = 'completed',
			    status_version = status_version + 1,
			    distance_km = $2,
			    base_fare = $3, distance_charge = $4, subtotal = $5, discount_amount = $6, final_fare = $7,
			    completed_at = $8,
			    updated_at = $8
			WHERE id = $1
			RETURNING `+tripColumns,
			string(cmd.TripID), cmd.DistanceKm,
			f.Base.Amount, f.DistanceCharge.Amount, f.Subtotal.Amount, f.Discount.Amount, f.Final.Amount,
			cmd.At,
		))
		if err != nil {
			return err
		}
		return releaseDriver(ctx, tx, cmd.DriverID, cmd.TripID, cmd.At, true)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CancelTrip(ctx context.Context, cmd trip.CancelRecord) (*trip.Trip, error) {
	var out *trip.Trip
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		status, _, err := lockTrip(ctx, tx, cmd.TripID)
		if err != nil {
			return err
		}
		if !status.Active() || (len(cmd.From) > 0 && !containsStatus(cmd.From, status)) {
			return trip.ErrInvalidTransition
		}
		out, err = scanTrip(tx.QueryRow(ctx, `
			UPDATE trips
			SET status = 'cancelled',
			    status_version = status_version + 1,
			    cancelled_at = $2,
			    cancelled_by = $3,
			    cancel_reason = $4,
			    updated_at = $2
			WHERE id = $1
			RETURNING `+tripColumns,
			string(cmd.TripID), cmd.At, string(cmd.By), cmd.Reason,
		))
		if err != nil {
			return err
		}
		if out.DriverID == nil {
			return nil
		}
		return releaseDriver(ctx, tx, *out.DriverID, cmd.TripID, cmd.At, false)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RateTrip(ctx context.Context, cmd trip.RateRecord) (*trip.Trip, error) {
	var q string
	switch cmd.Target {
	case trip.RoleDriver:
		q = `UPDATE trips SET driver_rating = $2, driver_feedback = $3, driver_rated_at = $4
		     WHERE id = $1 AND status = 'completed' AND driver_rating IS NULL
		     RETURNING ` + tripColumns
	case trip.RolePassenger:
		q = `UPDATE trips SET passenger_rating = $2, passenger_feedback = $3, passenger_rated_at = $4
		     WHERE id = $1 AND status = 'completed' AND passenger_rating IS NULL
		     RETURNING ` + tripColumns
	default:
		return nil, trip.ErrBadRequest
	}
	r := cmd.Rating
	t, err := scanTrip(s.db.QueryRow(ctx, q, string(cmd.TripID), r.Score, r.Feedback, r.RatedAt))
	if !errors.Is(err, trip.ErrNotFound) {
		return t, err
	}
	cur, err := s.GetTrip(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if cur.Status != trip.StatusCompleted {
		return nil, trip.ErrInvalidTransition
	}
	return nil, trip.ErrAlreadyRated
}

func (s *Store) ActiveTripByPassenger(ctx context.Context, passengerID types.ID) (*trip.Trip, error) {
	return scanTrip(s.db.QueryRow(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE passenger_id = $1 AND status = ANY($2)`,
		string(passengerID), activeStatuses,
	))
}

func (s *Store) ActiveTripByDriver(ctx context.Context, driverID types.ID) (*trip.Trip, error) {
	return scanTrip(s.db.QueryRow(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE driver_id = $1 AND status = ANY($2)`,
		string(driverID), activeStatuses,
	))
}

func (s *Store) ListTrips(ctx context.Context, q trip.HistoryQuery) ([]trip.Trip, error) {
	column := "passenger_id"
	if q.Role == trip.RoleDriver {
		column = "driver_id"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = trip.MaxHistoryLimit
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE `+column+` = $1
		ORDER BY created_at DESC, id
		LIMIT $2`,
		string(q.PartyID), limit,
	)
	if err != nil {
		return nil, err
	}
	return collectTrips(rows)
}

func (s *Store) StaleTrips(ctx context.Context, before time.Time, statuses []trip.Status) ([]trip.Trip, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY created_at`,
		statusStrings(statuses), before,
	)
	if err != nil {
		return nil, err
	}
	return collectTrips(rows)
}

func (s *Store) RatingStats(ctx context.Context, role trip.Role, partyID types.ID) (float64, int, error) {
	q := `SELECT COALESCE(AVG(driver_rating), 0), COUNT(driver_rating) FROM trips
	      WHERE driver_id = $1 AND status = 'completed'`
	if role == trip.RolePassenger {
		q = `SELECT COALESCE(AVG(passenger_rating), 0), COUNT(passenger_rating) FROM trips
		     WHERE passenger_id = $1 AND status = 'completed'`
	}
	var avg float64
	var n int
	if err := s.db.QueryRow(ctx, q, string(partyID)).Scan(&avg, &n); err != nil {
		return 0, 0, err
	}
	return geo.Round2(avg), n, nil
}

func (s *Store) AppendTripEvent(ctx context.Context, e *trip.Event) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO trip_events (trip_id, from_status, to_status, actor_type, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		string(e.TripID), string(e.FromStatus), string(e.ToStatus), string(e.ActorType), idPtr(e.ActorID), e.CreatedAt,
	).Scan(&e.ID)
}

func (s *Store) ListTripEvents(ctx context.Context, tripID types.ID) ([]trip.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, trip_id, from_status, to_status, actor_type, actor_id, created_at
		FROM trip_events WHERE trip_id = $1 ORDER BY id`, string(tripID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []trip.Event{}
	for rows.Next() {
		var e trip.Event
		var actorID *string
		if err := rows.Scan(&e.ID, &e.TripID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = toID(actorID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockTrip(ctx context.Context, tx pgx.Tx, id types.ID) (trip.Status, *types.ID, error) {
	var status string
	var driverID *string
	err := tx.QueryRow(ctx, `SELECT status, driver_id FROM trips WHERE id = $1 FOR UPDATE`, string(id)).Scan(&status, &driverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, trip.ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return trip.Status(status), toID(driverID), nil
}

// releaseDriver frees the driver only while it is still bound to tripID.
func releaseDriver(ctx context.Context, tx pgx.Tx, driverID, tripID types.ID, at time.Time, countRide bool) error {
	inc := 0
	if countRide {
		inc = 1
	}
	_, err := tx.Exec(ctx, `
		UPDATE driver_presence
		SET occupancy = CASE WHEN online THEN 'available' ELSE 'offline' END,
		    trip_id = NULL,
		    ride_count = ride_count + $4,
		    updated_at = $3
		WHERE driver_id = $1 AND trip_id = $2`,
		string(driverID), string(tripID), at, inc,
	)
	return err
}

func scanTrip(row pgx.Row) (*trip.Trip, error) {
	var (
		t                                  trip.Trip
		driverID, cancelledBy              *string
		discount, currency                 string
		base, distCharge, sub, disc, final int64
		dRating, pRating                   *int16
		dFeedback, pFeedback               *string
		dRatedAt, pRatedAt                 *time.Time
	)
	err := row.Scan(
		&t.ID, &t.PassengerID, &driverID,
		&t.Pickup.Point.Lat, &t.Pickup.Point.Lng, &t.Pickup.Address,
		&t.Dropoff.Point.Lat, &t.Dropoff.Point.Lng, &t.Dropoff.Address,
		&t.DistanceKm, &discount, &currency,
		&base, &distCharge, &sub, &disc, &final,
		&t.PaymentMethod, &t.PaymentStatus, &t.Status, &t.StatusVersion,
		&dRating, &dFeedback, &dRatedAt,
		&pRating, &pFeedback, &pRatedAt,
		&t.CreatedAt, &t.AcceptedAt, &t.ArrivedAt, &t.StartedAt, &t.CompletedAt, &t.CancelledAt,
		&cancelledBy, &t.CancelReason, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trip.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.DriverID = toID(driverID)
	money := func(n int64) types.Money { return types.Money{Amount: n, Currency: currency} }
	t.Fare = pricing.Breakdown{
		DistanceKm:     t.DistanceKm,
		DiscountType:   pricing.DiscountType(discount),
		Base:           money(base),
		DistanceCharge: money(distCharge),
		Subtotal:       money(sub),
		Discount:       money(disc),
		Final:          money(final),
	}
	t.DriverRating = toRating(dRating, dFeedback, dRatedAt)
	t.PassengerRating = toRating(pRating, pFeedback, pRatedAt)
	if cancelledBy != nil {
		by := trip.ActorType(*cancelledBy)
		t.CancelledBy = &by
	}
	return &t, nil
}

func collectTrips(rows pgx.Rows) ([]trip.Trip, error) {
	defer rows.Close()
	out := []trip.Trip{}
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func toRating(score *int16, feedback *string, at *time.Time) *trip.Rating {
	if score == nil {
		return nil
	}
	r := trip.Rating{Score: int(*score)}
	if feedback != nil {
		r.Feedback = *feedback
	}
	if at != nil {
		r.RatedAt = *at
	}
	return &r
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toID(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}

func statusStrings(in []trip.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func containsStatus(set []trip.Status, s trip.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
