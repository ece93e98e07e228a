package patients

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medidesk/medidesk/internal/platform/db"
	"github.com/medidesk/medidesk/internal/shared"
)

const patientColumns = `id, name, age, gender, contact, email, address, medical_history, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a patient.
func (r *Repository) Create(ctx context.Context, in Input) (Patient, error) {
	p, err := scanPatient(r.pool.QueryRow(ctx, `INSERT INTO patients (name, age, gender, contact, email, address, medical_history)
VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7) RETURNING `+patientColumns,
		in.Name, nullAge(in.Age), in.Gender, in.Contact, in.Email, in.Address, in.MedicalHistory))
	if db.IsUniqueViolation(err) {
		return Patient{}, ErrEmailTaken
	}
	return p, err
}

// Get loads a patient.
func (r *Repository) Get(ctx context.Context, id int64) (Patient, error) {
	return scanPatient(r.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id))
}

// List returns a page of patients matching the search term.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Patient, int, error) {
	const where = `WHERE $1 = '' OR name ILIKE '%' || $1 || '%' OR contact ILIKE '%' || $1 || '%' OR email ILIKE '%' || $1 || '%'`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients `+where, filter.Search).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+patientColumns+` FROM patients `+where+` ORDER BY name, id LIMIT $2 OFFSET $3`,
		filter.Search, filter.PerPage, shared.Offset(filter.Page, filter.PerPage))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// Update rewrites a patient.
func (r *Repository) Update(ctx context.Context, id int64, in Input) (Patient, error) {
	p, err := scanPatient(r.pool.QueryRow(ctx, `UPDATE patients SET name = $2, age = $3, gender = $4, contact = $5,
email = NULLIF($6,''), address = $7, medical_history = $8, updated_at = NOW()
WHERE id = $1 RETURNING `+patientColumns,
		id, in.Name, nullAge(in.Age), in.Gender, in.Contact, in.Email, in.Address, in.MedicalHistory))
	if db.IsUniqueViolation(err) {
		return Patient{}, ErrEmailTaken
	}
	return p, err
}

// Delete removes a patient. Referencing bills or appointments block the delete.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if db.IsForeignKeyViolation(err) {
		return ErrHasHistory
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

// Contacts returns name and phone for the ids that exist.
func (r *Repository) Contacts(ctx context.Context, ids []int64) ([]Contact, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, contact FROM patients WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullAge(age *int) pgtype.Int4 {
	if age == nil {
		return pgtype.Int4{}
	}
	return pgtype.Int4{Int32: int32(*age), Valid: true}
}

func scanPatient(row pgx.Row) (Patient, error) {
	var p Patient
	var age pgtype.Int4
	var email pgtype.Text
	err := row.Scan(&p.ID, &p.Name, &age, &p.Gender, &p.Contact, &email, &p.Address, &p.MedicalHistory, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Patient{}, ErrPatientNotFound
	}
	if err != nil {
		return Patient{}, fmt.Errorf("scan patient: %w", err)
	}
	if age.Valid {
		v := int(age.Int32)
		p.Age = &v
	}
	p.Email = email.String
	return p, nil
}
