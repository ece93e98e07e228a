package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medidesk/medidesk/internal/platform/db"
	"github.com/medidesk/medidesk/internal/shared"
)

const appointmentColumns = `a.id, a.patient_id, p.name, a.scheduled_at, a.duration_minutes, a.type,
	a.status, a.notes, a.created_at, a.updated_at`

// Repository provides PostgreSQL backed persistence for appointments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx runs fn inside a transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("appointments repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get loads one appointment.
func (r *Repository) Get(ctx context.Context, id int64) (Appointment, error) {
	return scanAppointment(r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+`
FROM appointments a JOIN patients p ON p.id = a.patient_id WHERE a.id = $1`, id))
}

// List returns appointments matching the filter ordered by start time.
func (r *Repository) List(ctx context.Context, filter ListFilter, loc *time.Location) ([]Appointment, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Day != nil {
		y, m, d := filter.Day.Date()
		from := time.Date(y, m, d, 0, 0, 0, 0, loc)
		args = append(args, from, from.AddDate(0, 0, 1))
		clauses = append(clauses, fmt.Sprintf("a.scheduled_at >= $%d AND a.scheduled_at < $%d", len(args)-1, len(args)))
	}
	if filter.PatientID > 0 {
		args = append(args, filter.PatientID)
		clauses = append(clauses, fmt.Sprintf("a.patient_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("a.status = $%d", len(args)))
	}
	query := `SELECT ` + appointmentColumns + ` FROM appointments a JOIN patients p ON p.id = a.patient_id`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY a.scheduled_at, a.id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, appt)
	}
	return out, rows.Err()
}

// CountOn counts non-cancelled appointments starting in [from, to).
func (r *Repository) CountOn(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointments
WHERE scheduled_at >= $1 AND scheduled_at < $2 AND status <> 'Cancelled'`, from, to).Scan(&n)
	return n, err
}

func (r *txRepository) LockPatient(ctx context.Context, patientID int64) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, shared.AdvisoryKey("appointment.patient", patientID))
	return err
}

func (r *txRepository) HasOverlap(ctx context.Context, patientID int64, start, end time.Time, excludeID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM appointments
	WHERE patient_id = $1 AND id <> $4 AND status IN ('Pending','Confirmed')
	  AND scheduled_at < $3 AND scheduled_at + make_interval(mins => duration_minutes) > $2
)`, patientID, start, end, excludeID).Scan(&exists)
	return exists, err
}

func (r *txRepository) Insert(ctx context.Context, appt *Appointment) error {
	err := r.tx.QueryRow(ctx, `INSERT INTO appointments (patient_id, scheduled_at, duration_minutes, type, status, notes)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at, updated_at`,
		appt.PatientID, appt.ScheduledAt, appt.DurationMinutes, appt.Type, string(appt.Status), appt.Notes,
	).Scan(&appt.ID, &appt.CreatedAt, &appt.UpdatedAt)
	if db.IsForeignKeyViolation(err) {
		return ErrPatientNotFound
	}
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return r.tx.QueryRow(ctx, `SELECT name FROM patients WHERE id = $1`, appt.PatientID).Scan(&appt.PatientName)
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (Appointment, error) {
	return scanAppointment(r.tx.QueryRow(ctx, `SELECT `+appointmentColumns+`
FROM appointments a JOIN patients p ON p.id = a.patient_id WHERE a.id = $1 FOR UPDATE OF a`, id))
}

func (r *txRepository) UpdateSchedule(ctx context.Context, id int64, start time.Time, duration int) error {
	_, err := r.tx.Exec(ctx, `UPDATE appointments SET scheduled_at = $2, duration_minutes = $3, updated_at = NOW() WHERE id = $1`,
		id, start, duration)
	return err
}

func (r *txRepository) UpdateStatus(ctx context.Context, id int64, status Status) error {
	_, err := r.tx.Exec(ctx, `UPDATE appointments SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	return err
}

func scanAppointment(row pgx.Row) (Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.PatientID, &a.PatientName, &a.ScheduledAt, &a.DurationMinutes, &a.Type,
		&status, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, ErrAppointmentNotFound
	}
	if err != nil {
		return Appointment{}, fmt.Errorf("scan appointment: %w", err)
	}
	a.Status = Status(status)
	return a, nil
}
