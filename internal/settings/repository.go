package settings

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores settings in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// All returns every stored key/value pair.
func (r *Repository) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Put upserts one key.
func (r *Repository) Put(ctx context.Context, key, value string, actorID int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO settings (key, value, updated_by, updated_at)
VALUES ($1, $2, NULLIF($3, 0), NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = NOW()`,
		key, value, actorID)
	return err
}
