package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"sakay/internal/geo"
	"sakay/internal/modules/safety"
	"sakay/internal/types"
)

const recordColumns = `id, driver_id, kind, severity, trip_id, description, status, reported_by, created_at, resolved_at`

// DriverHistory knows a driver that has a presence row or at least one bound trip.
func (s *Store) DriverHistory(ctx context.Context, driverID types.ID) (safety.History, error) {
	var h safety.History
	var registered *time.Time
	err := s.db.QueryRow(ctx, `SELECT registered_at FROM driver_presence WHERE driver_id = $1`, string(driverID)).Scan(&registered)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return safety.History{}, err
	}

	var total int
	var avg float64
	err = s.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COALESCE(AVG(driver_rating) FILTER (WHERE status = 'completed'), 0),
			COUNT(driver_rating) FILTER (WHERE status = 'completed')
		FROM trips WHERE driver_id = $1`, string(driverID),
	).Scan(&total, &h.CompletedRides, &avg, &h.RatedTrips)
	if err != nil {
		return safety.History{}, err
	}
	if registered == nil && total == 0 {
		return safety.History{}, safety.ErrDriverNotFound
	}
	if registered != nil {
		h.RegisteredAt = *registered
	}
	h.AvgRating = geo.Round2(avg)
	return h, nil
}

func (s *Store) AppendSafetyRecord(ctx context.Context, r *safety.Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO safety_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(r.ID), string(r.DriverID), string(r.Kind), string(r.Severity), idPtr(r.TripID),
		r.Description, string(r.Status), string(r.ReportedBy), r.CreatedAt, r.ResolvedAt,
	)
	return err
}

func (s *Store) ListSafetyRecords(ctx context.Context, driverID types.ID) ([]safety.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+` FROM safety_records
		WHERE driver_id = $1 ORDER BY created_at DESC, id DESC`, string(driverID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []safety.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSafetyRecordStatus(ctx context.Context, id types.ID, status safety.RecordStatus, at time.Time) (*safety.Record, error) {
	r, err := scanRecord(s.db.QueryRow(ctx, `
		UPDATE safety_records SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+recordColumns,
		string(id), string(status), at,
	))
	if !errors.Is(err, safety.ErrNotFound) {
		return r, err
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM safety_records WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, safety.ErrAlreadyClosed
	}
	return nil, safety.ErrNotFound
}

func scanRecord(row pgx.Row) (*safety.Record, error) {
	var r safety.Record
	var tripID *string
	err := row.Scan(&r.ID, &r.DriverID, &r.Kind, &r.Severity, &tripID, &r.Description, &r.Status, &r.ReportedBy, &r.CreatedAt, &r.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, safety.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.TripID = toID(tripID)
	return &r, nil
}
