package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medidesk/medidesk/internal/platform/db"
)

const serviceColumns = `id, name, description, price, active, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a service.
func (r *Repository) Create(ctx context.Context, in ServiceInput) (ServiceItem, error) {
	item, err := scanService(r.pool.QueryRow(ctx, `INSERT INTO services (name, description, price)
VALUES ($1,$2,$3) RETURNING `+serviceColumns, in.Name, in.Description, in.Price))
	if db.IsUniqueViolation(err) {
		return ServiceItem{}, ErrNameTaken
	}
	return item, err
}

// Get loads a service.
func (r *Repository) Get(ctx context.Context, id int64) (ServiceItem, error) {
	return scanService(r.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id))
}

// List returns services ordered by name.
func (r *Repository) List(ctx context.Context, includeInactive bool) ([]ServiceItem, error) {
	return r.query(ctx, `SELECT `+serviceColumns+` FROM services WHERE active OR $1 ORDER BY name`, includeInactive)
}

// ListByIDs returns the services with the given ids.
func (r *Repository) ListByIDs(ctx context.Context, ids []int64) ([]ServiceItem, error) {
	return r.query(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = ANY($1)`, ids)
}

// Update rewrites a service.
func (r *Repository) Update(ctx context.Context, id int64, in ServiceInput) (ServiceItem, error) {
	item, err := scanService(r.pool.QueryRow(ctx, `UPDATE services SET name = $2, description = $3, price = $4, updated_at = NOW()
WHERE id = $1 RETURNING `+serviceColumns, id, in.Name, in.Description, in.Price))
	if db.IsUniqueViolation(err) {
		return ServiceItem{}, ErrNameTaken
	}
	return item, err
}

// SetActive toggles availability.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE services SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) ([]ServiceItem, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ServiceItem
	for rows.Next() {
		item, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanService(row pgx.Row) (ServiceItem, error) {
	var item ServiceItem
	err := row.Scan(&item.ID, &item.Name, &item.Description, &item.Price, &item.Active, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ServiceItem{}, ErrServiceNotFound
	}
	if err != nil {
		return ServiceItem{}, fmt.Errorf("scan service: %w", err)
	}
	return item, nil
}
