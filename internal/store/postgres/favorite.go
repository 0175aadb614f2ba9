package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"sakay/internal/modules/favorite"
	"sakay/internal/types"
)

const favoriteColumns = `id, owner_id, label, address, lat, lng, icon, created_at`

// CreateFavorite serialises inserts per owner with an advisory lock so the cap holds under concurrency.
func (s *Store) CreateFavorite(ctx context.Context, f *favorite.Favorite) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(f.OwnerID)); err != nil {
			return err
		}
		var n int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM favorite_locations WHERE owner_id = $1`, string(f.OwnerID)).Scan(&n); err != nil {
			return err
		}
		if n >= favorite.MaxPerOwner {
			return favorite.ErrLimitReached
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO favorite_locations (`+favoriteColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			string(f.ID), string(f.OwnerID), f.Label, f.Address, f.Point.Lat, f.Point.Lng, string(f.Icon), f.CreatedAt,
		)
		return err
	})
}

func (s *Store) ListFavorites(ctx context.Context, ownerID types.ID) ([]favorite.Favorite, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+favoriteColumns+` FROM favorite_locations
		WHERE owner_id = $1 ORDER BY created_at, id`, string(ownerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []favorite.Favorite{}
	for rows.Next() {
		f, err := scanFavorite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (s *Store) GetFavorite(ctx context.Context, ownerID, id types.ID) (*favorite.Favorite, error) {
	return scanFavorite(s.db.QueryRow(ctx, `
		SELECT `+favoriteColumns+` FROM favorite_locations
		WHERE id = $1 AND owner_id = $2`, string(id), string(ownerID)))
}

func (s *Store) DeleteFavorite(ctx context.Context, ownerID, id types.ID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM favorite_locations WHERE id = $1 AND owner_id = $2`, string(id), string(ownerID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return favorite.ErrNotFound
	}
	return nil
}

func scanFavorite(row pgx.Row) (*favorite.Favorite, error) {
	var f favorite.Favorite
	err := row.Scan(&f.ID, &f.OwnerID, &f.Label, &f.Address, &f.Point.Lat, &f.Point.Lng, &f.Icon, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, favorite.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
