package settings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/keyfold/keyfold/internal/storage"
)

// pgRepository keeps the live row in settings and the append-only trail in
// settings_history, both on the CORE adapter.
type pgRepository struct {
	core storage.Adapter
}

// NewPGRepository builds the Postgres-backed repository.
func NewPGRepository(core storage.Adapter) *pgRepository {
	return &pgRepository{core: core}
}

func (r *pgRepository) current(ctx context.Context, category string) (Record, error) {
	row := r.core.QueryRow(ctx, `
		SELECT category, version, snapshot, updated_by, updated_at
		FROM settings WHERE category = $1`, category)

	var rec Record
	err := row.Scan(&rec.Category, &rec.Version, &rec.Snapshot, &rec.Actor, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrVersionNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

func (r *pgRepository) version(ctx context.Context, category string, version int) (Record, error) {
	row := r.core.QueryRow(ctx, `
		SELECT category, version, snapshot, changes, actor, actor_type, change_reason, change_source, created_at
		FROM settings_history WHERE category = $1 AND version = $2`, category, version)

	rec, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrVersionNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

func (r *pgRepository) apply(ctx context.Context, rec Record) error {
	_, err := r.core.Batch(ctx, []storage.Statement{
		{
			SQL: `INSERT INTO settings_history
				(category, version, snapshot, changes, actor, actor_type, change_reason, change_source, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			Args: []any{rec.Category, rec.Version, rec.Snapshot, rec.Changes,
				rec.Actor, rec.ActorType, rec.ChangeReason, rec.ChangeSource, rec.CreatedAt},
		},
		{
			SQL: `INSERT INTO settings (category, version, snapshot, updated_by, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (category) DO UPDATE
				SET version = EXCLUDED.version, snapshot = EXCLUDED.snapshot,
				    updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
			Args: []any{rec.Category, rec.Version, rec.Snapshot, rec.Actor, rec.CreatedAt},
		},
	})
	return err
}

func (r *pgRepository) history(ctx context.Context, category string, limit, beforeVersion int) ([]Record, error) {
	sql := `
		SELECT category, version, snapshot, changes, actor, actor_type, change_reason, change_source, created_at
		FROM settings_history WHERE category = $1`
	args := []any{category}
	if beforeVersion > 0 {
		sql += ` AND version < $2 ORDER BY version DESC LIMIT $3`
		args = append(args, beforeVersion, limit)
	} else {
		sql += ` ORDER BY version DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.core.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanHistory(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.Category, &rec.Version, &rec.Snapshot, &rec.Changes,
		&rec.Actor, &rec.ActorType, &rec.ChangeReason, &rec.ChangeSource, &rec.CreatedAt)
	return rec, err
}
