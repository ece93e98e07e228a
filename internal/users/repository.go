package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medidesk/medidesk/internal/platform/db"
)

const profileColumns = `id, email, full_name, role, status, last_login, password_hash, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a profile.
func (r *Repository) Create(ctx context.Context, p Profile) (Profile, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO profiles (email, full_name, role, status, password_hash)
VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at, updated_at`,
		p.Email, p.FullName, p.Role, p.Status, p.PasswordHash,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return Profile{}, ErrEmailTaken
	}
	if err != nil {
		return Profile{}, fmt.Errorf("insert profile: %w", err)
	}
	return p, nil
}

// Get loads a profile by id.
func (r *Repository) Get(ctx context.Context, id int64) (Profile, error) {
	return scanProfile(r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
}

// GetByEmail loads a profile by normalized email.
func (r *Repository) GetByEmail(ctx context.Context, email string) (Profile, error) {
	return scanProfile(r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE email = $1`, email))
}

// List returns profiles ordered by name.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Profile, error) {
	var (
		where []string
		args  []any
	)
	if filter.Role != "" {
		args = append(args, filter.Role)
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + profileColumns + ` FROM profiles`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := r.pool.Query(ctx, query+" ORDER BY full_name, id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var profiles []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// UpdateRole sets the role.
func (r *Repository) UpdateRole(ctx context.Context, id int64, role string) error {
	return r.exec(ctx, `UPDATE profiles SET role = $2, updated_at = NOW() WHERE id = $1`, id, role)
}

// UpdateStatus sets the status.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.exec(ctx, `UPDATE profiles SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
}

// UpdatePassword stores a new hash.
func (r *Repository) UpdatePassword(ctx context.Context, id int64, hash string) error {
	return r.exec(ctx, `UPDATE profiles SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
}

// TouchLogin stamps the last login time.
func (r *Repository) TouchLogin(ctx context.Context, id int64, at time.Time) error {
	return r.exec(ctx, `UPDATE profiles SET last_login = $2 WHERE id = $1`, id, at)
}

// CountActiveAdmins counts active admin profiles.
func (r *Repository) CountActiveAdmins(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM profiles WHERE role = 'admin' AND status = 'active'`).Scan(&n)
	return n, err
}

func (r *Repository) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.Email, &p.FullName, &p.Role, &p.Status, &p.LastLogin, &p.PasswordHash, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrUserNotFound
	}
	return p, err
}
