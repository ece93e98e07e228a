package sms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const messageColumns = `id, patient_id, phone, body, template, segments, status, error, sent_at, created_at`

// Repository stores the outbox in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists a new message.
func (r *Repository) Insert(ctx context.Context, msg *Message) error {
	var patientID pgtype.Int8
	if msg.PatientID != nil {
		patientID = pgtype.Int8{Int64: *msg.PatientID, Valid: true}
	}
	err := r.pool.QueryRow(ctx, `INSERT INTO sms_messages (patient_id, phone, body, template, segments, status)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at`,
		patientID, msg.Phone, msg.Body, msg.Template, msg.Segments, string(msg.Status),
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sms: %w", err)
	}
	return nil
}

// Get loads one message.
func (r *Repository) Get(ctx context.Context, id int64) (Message, error) {
	return scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM sms_messages WHERE id = $1`, id))
}

// List returns messages newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Message, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.PatientID > 0 {
		args = append(args, filter.PatientID)
		clauses = append(clauses, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	query := `SELECT ` + messageColumns + ` FROM sms_messages`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MarkSent flags a pending message as handed to the carrier.
func (r *Repository) MarkSent(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE sms_messages SET status = 'Sent', sent_at = $2, error = '' WHERE id = $1 AND status = 'Pending'`, id, at)
	return err
}

// MarkDelivered flags a sent message as delivered. It reports false when the message was
// not in the Sent state.
func (r *Repository) MarkDelivered(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE sms_messages SET status = 'Delivered' WHERE id = $1 AND status = 'Sent'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordFailure stores the last error. A final failure moves the message to Failed.
func (r *Repository) RecordFailure(ctx context.Context, id int64, reason string, final bool) error {
	status := string(StatusPending)
	if final {
		status = string(StatusFailed)
	}
	_, err := r.pool.Exec(ctx, `UPDATE sms_messages SET error = $2, status = $3 WHERE id = $1 AND status = 'Pending'`, id, reason, status)
	return err
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		msg       Message
		patientID pgtype.Int8
		sentAt    pgtype.Timestamptz
		status    string
	)
	err := row.Scan(&msg.ID, &patientID, &msg.Phone, &msg.Body, &msg.Template, &msg.Segments, &status, &msg.Error, &sentAt, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("scan sms: %w", err)
	}
	if patientID.Valid {
		v := patientID.Int64
		msg.PatientID = &v
	}
	if sentAt.Valid {
		t := sentAt.Time
		msg.SentAt = &t
	}
	msg.Status = Status(status)
	return msg, nil
}
