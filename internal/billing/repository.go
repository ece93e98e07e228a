package billing

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

const (
	billColumns = `b.id, b.patient_id, p.name, b.billed_on, b.subtotal, b.discount, b.total,
		b.paid_amount, b.due_amount, b.status, b.notes, COALESCE(b.created_by, 0), b.version,
		b.created_at, b.updated_at`
	dueColumns = `d.id, d.bill_id, d.due_amount, d.paid_amount, d.due_date, d.status,
		d.last_reminder_at, d.version, d.created_at, d.updated_at`
	dueViewColumns = dueColumns + `, b.patient_id, p.name, p.contact, b.total`
)

// Repository provides PostgreSQL backed persistence for billing.
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

// WithTx runs fn inside a repeatable-read transaction. A serialization failure surfaces as
// ErrConcurrentUpdate.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("billing repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
	}
	return err
}

func (r *txRepository) InsertBill(ctx context.Context, bill *Bill) error {
	err := r.tx.QueryRow(ctx, `INSERT INTO bills (patient_id, billed_on, subtotal, discount, total, paid_amount, due_amount, status, notes, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,0)) RETURNING id, version, created_at, updated_at`,
		bill.PatientID, bill.BilledOn, bill.Subtotal, bill.Discount, bill.Total, bill.Paid, bill.Due,
		string(bill.Status), bill.Notes, bill.CreatedBy,
	).Scan(&bill.ID, &bill.Version, &bill.CreatedAt, &bill.UpdatedAt)
	if db.IsForeignKeyViolation(err) {
		return ErrPatientNotFound
	}
	if err != nil {
		return fmt.Errorf("insert bill: %w", err)
	}
	for i := range bill.Lines {
		line := &bill.Lines[i]
		line.BillID = bill.ID
		err := r.tx.QueryRow(ctx, `INSERT INTO bill_items (bill_id, service_id, description, unit_price, quantity, amount)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
			line.BillID, line.ServiceID, line.Description, line.UnitPrice, line.Quantity, line.Amount,
		).Scan(&line.ID)
		if db.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: service %d", ErrUnknownService, line.ServiceID)
		}
		if err != nil {
			return fmt.Errorf("insert bill item: %w", err)
		}
	}
	return nil
}

func (r *txRepository) InsertPayment(ctx context.Context, payment *Payment) error {
	err := r.tx.QueryRow(ctx, `INSERT INTO payments (bill_id, reference, amount, method, note, paid_at, created_by)
VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,0)) RETURNING id`,
		payment.BillID, payment.Reference, payment.Amount, string(payment.Method), payment.Note, payment.PaidAt, payment.CreatedBy,
	).Scan(&payment.ID)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *txRepository) InsertDue(ctx context.Context, due *DueRecord) error {
	err := r.tx.QueryRow(ctx, `INSERT INTO dues (bill_id, due_amount, paid_amount, due_date, status)
VALUES ($1,$2,$3,$4,$5) RETURNING id, version, created_at, updated_at`,
		due.BillID, due.DueAmount, due.PaidAmount, due.DueDate, string(due.Status),
	).Scan(&due.ID, &due.Version, &due.CreatedAt, &due.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert due: %w", err)
	}
	return nil
}

func (r *txRepository) GetBillForUpdate(ctx context.Context, id int64) (Bill, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+billColumns+`
FROM bills b JOIN patients p ON p.id = b.patient_id
WHERE b.id = $1 FOR UPDATE OF b`, id)
	return scanBill(row)
}

func (r *txRepository) GetDueByBillForUpdate(ctx context.Context, billID int64) (DueRecord, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+dueColumns+` FROM dues d WHERE d.bill_id = $1 FOR UPDATE`, billID)
	return scanDue(row)
}

func (r *txRepository) UpdateBillTotals(ctx context.Context, bill Bill, expectedVersion int) error {
	tag, err := r.tx.Exec(ctx, `UPDATE bills SET paid_amount = $2, due_amount = $3, status = $4,
version = version + 1, updated_at = NOW() WHERE id = $1 AND version = $5`,
		bill.ID, bill.Paid, bill.Due, string(bill.Status), expectedVersion)
	if err != nil {
		return fmt.Errorf("update bill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (r *txRepository) UpdateDue(ctx context.Context, due DueRecord, expectedVersion int) error {
	tag, err := r.tx.Exec(ctx, `UPDATE dues SET due_amount = $2, paid_amount = $3, status = $4,
version = version + 1, updated_at = NOW() WHERE id = $1 AND version = $5`,
		due.ID, due.DueAmount, due.PaidAmount, string(due.Status), expectedVersion)
	if err != nil {
		return fmt.Errorf("update due: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// GetBill loads a bill with its lines, payments and due record.
func (r *Repository) GetBill(ctx context.Context, id int64) (Bill, error) {
	bill, err := scanBill(r.pool.QueryRow(ctx, `SELECT `+billColumns+`
FROM bills b JOIN patients p ON p.id = b.patient_id WHERE b.id = $1`, id))
	if err != nil {
		return Bill{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT id, bill_id, service_id, description, unit_price, quantity, amount
FROM bill_items WHERE bill_id = $1 ORDER BY id`, id)
	if err != nil {
		return Bill{}, err
	}
	for rows.Next() {
		var line BillLine
		if err := rows.Scan(&line.ID, &line.BillID, &line.ServiceID, &line.Description, &line.UnitPrice, &line.Quantity, &line.Amount); err != nil {
			rows.Close()
			return Bill{}, err
		}
		bill.Lines = append(bill.Lines, line)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Bill{}, err
	}

	rows, err = r.pool.Query(ctx, `SELECT id, bill_id, reference::text, amount, method, note, paid_at, COALESCE(created_by, 0)
FROM payments WHERE bill_id = $1 ORDER BY paid_at, id`, id)
	if err != nil {
		return Bill{}, err
	}
	for rows.Next() {
		var p Payment
		var method string
		if err := rows.Scan(&p.ID, &p.BillID, &p.Reference, &p.Amount, &method, &p.Note, &p.PaidAt, &p.CreatedBy); err != nil {
			rows.Close()
			return Bill{}, err
		}
		p.Method = PaymentMethod(method)
		bill.Payments = append(bill.Payments, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Bill{}, err
	}

	due, err := scanDue(r.pool.QueryRow(ctx, `SELECT `+dueColumns+` FROM dues d WHERE d.bill_id = $1`, id))
	switch {
	case errors.Is(err, ErrDueNotFound):
	case err != nil:
		return Bill{}, err
	default:
		bill.DueRecord = &due
	}
	return bill, nil
}

// ListBills returns a page of bills, newest first.
func (r *Repository) ListBills(ctx context.Context, filter BillFilter) ([]Bill, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.PatientID > 0 {
		args = append(args, filter.PatientID)
		where = append(where, fmt.Sprintf("b.patient_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("b.status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bills b `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.PerPage, shared.Offset(filter.Page, filter.PerPage))
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s
FROM bills b JOIN patients p ON p.id = b.patient_id
%s ORDER BY b.billed_on DESC, b.id DESC LIMIT $%d OFFSET $%d`, billColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var bills []Bill
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, 0, err
		}
		bills = append(bills, bill)
	}
	return bills, total, rows.Err()
}

// GetDue loads a due record with its patient.
func (r *Repository) GetDue(ctx context.Context, id int64) (DueView, error) {
	return scanDueView(r.pool.QueryRow(ctx, `SELECT `+dueViewColumns+`
FROM dues d JOIN bills b ON b.id = d.bill_id JOIN patients p ON p.id = b.patient_id
WHERE d.id = $1`, id))
}

// ListDues returns due records ordered by due date. A pending record dated before AsOf
// matches the Overdue filter.
func (r *Repository) ListDues(ctx context.Context, filter DueFilter) ([]DueView, error) {
	var (
		where []string
		args  []any
	)
	switch filter.Status {
	case DueStatusOverdue:
		args = append(args, DateOnly(filter.AsOf))
		where = append(where, "(d.status = 'Overdue' OR (d.status = 'Pending' AND d.due_date < $1))")
	case DueStatusPending:
		args = append(args, DateOnly(filter.AsOf))
		where = append(where, "d.status = 'Pending' AND d.due_date >= $1")
	case DueStatusPaid:
		where = append(where, "d.status = 'Paid'")
	}
	if filter.PatientID > 0 {
		args = append(args, filter.PatientID)
		where = append(where, fmt.Sprintf("b.patient_id = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s
FROM dues d JOIN bills b ON b.id = d.bill_id JOIN patients p ON p.id = b.patient_id
%s ORDER BY d.due_date, d.id LIMIT $%d`, dueViewColumns, clause, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var dues []DueView
	for rows.Next() {
		due, err := scanDueView(rows)
		if err != nil {
			return nil, err
		}
		dues = append(dues, due)
	}
	return dues, rows.Err()
}

// ListPendingDueBefore returns pending records dated before day.
func (r *Repository) ListPendingDueBefore(ctx context.Context, day time.Time) ([]DueRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+dueColumns+` FROM dues d
WHERE d.status = 'Pending' AND d.due_date < $1 ORDER BY d.id`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var dues []DueRecord
	for rows.Next() {
		due, err := scanDue(rows)
		if err != nil {
			return nil, err
		}
		dues = append(dues, due)
	}
	return dues, rows.Err()
}

// MarkOverdue moves pending records to Overdue.
func (r *Repository) MarkOverdue(ctx context.Context, ids []int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE dues SET status = 'Overdue', version = version + 1, updated_at = NOW()
WHERE id = ANY($1) AND status = 'Pending'`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListReminderCandidates returns unpaid records past due whose patient has a phone and who
// were not reminded since remindedBefore.
func (r *Repository) ListReminderCandidates(ctx context.Context, day, remindedBefore time.Time, limit int) ([]DueView, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+dueViewColumns+`
FROM dues d JOIN bills b ON b.id = d.bill_id JOIN patients p ON p.id = b.patient_id
WHERE d.status <> 'Paid' AND d.due_date < $1
  AND (d.last_reminder_at IS NULL OR d.last_reminder_at < $2)
  AND p.contact <> ''
ORDER BY d.due_date, d.id LIMIT $3`, day, remindedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var dues []DueView
	for rows.Next() {
		due, err := scanDueView(rows)
		if err != nil {
			return nil, err
		}
		dues = append(dues, due)
	}
	return dues, rows.Err()
}

// TouchReminder stamps the last reminder time.
func (r *Repository) TouchReminder(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE dues SET last_reminder_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDueNotFound
	}
	return nil
}

// Summary aggregates bill amounts and status counts. Pending dues dated before day count as
// overdue.
func (r *Repository) Summary(ctx context.Context, day time.Time) (Summary, error) {
	summary := Summary{
		BillsByStatus: make(map[BillStatus]int),
		DuesByStatus:  make(map[DueStatus]int),
	}
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(total), 0), COALESCE(SUM(paid_amount), 0),
COALESCE(SUM(due_amount), 0), COALESCE(SUM(discount), 0) FROM bills`).
		Scan(&summary.Billed, &summary.Collected, &summary.Outstanding, &summary.Discounts)
	if err != nil {
		return Summary{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM bills GROUP BY status`)
	if err != nil {
		return Summary{}, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return Summary{}, err
		}
		summary.BillsByStatus[BillStatus(status)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}

	rows, err = r.pool.Query(ctx, `SELECT CASE WHEN status = 'Pending' AND due_date < $1 THEN 'Overdue' ELSE status END, COUNT(*)
FROM dues GROUP BY 1`, day)
	if err != nil {
		return Summary{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Summary{}, err
		}
		summary.DuesByStatus[DueStatus(status)] = count
	}
	return summary, rows.Err()
}

func scanBill(row pgx.Row) (Bill, error) {
	var bill Bill
	var status string
	err := row.Scan(&bill.ID, &bill.PatientID, &bill.PatientName, &bill.BilledOn, &bill.Subtotal, &bill.Discount,
		&bill.Total, &bill.Paid, &bill.Due, &status, &bill.Notes, &bill.CreatedBy, &bill.Version,
		&bill.CreatedAt, &bill.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bill{}, ErrBillNotFound
	}
	if err != nil {
		return Bill{}, err
	}
	bill.Status = BillStatus(status)
	return bill, nil
}

func scanDue(row pgx.Row) (DueRecord, error) {
	var due DueRecord
	var status string
	err := row.Scan(&due.ID, &due.BillID, &due.DueAmount, &due.PaidAmount, &due.DueDate, &status,
		&due.LastReminderAt, &due.Version, &due.CreatedAt, &due.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DueRecord{}, ErrDueNotFound
	}
	if err != nil {
		return DueRecord{}, err
	}
	due.Status = DueStatus(status)
	return due, nil
}

func scanDueView(row pgx.Row) (DueView, error) {
	var due DueView
	var status string
	err := row.Scan(&due.ID, &due.BillID, &due.DueAmount, &due.PaidAmount, &due.DueDate, &status,
		&due.LastReminderAt, &due.Version, &due.CreatedAt, &due.UpdatedAt,
		&due.PatientID, &due.PatientName, &due.PatientPhone, &due.BillTotal)
	if errors.Is(err, pgx.ErrNoRows) {
		return DueView{}, ErrDueNotFound
	}
	if err != nil {
		return DueView{}, err
	}
	due.Status = DueStatus(status)
	return due, nil
}
