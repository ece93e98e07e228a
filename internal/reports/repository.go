package reports

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository runs report aggregates against PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PatientCount counts registered patients.
func (r *Repository) PatientCount(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&n)
	return n, err
}

// AppointmentCount counts non-cancelled appointments starting in [from, to).
func (r *Repository) AppointmentCount(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointments
WHERE scheduled_at >= $1 AND scheduled_at < $2 AND status <> 'Cancelled'`, from, to).Scan(&n)
	return n, err
}

// Collected sums payments received in [from, to).
func (r *Repository) Collected(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payments WHERE paid_at >= $1 AND paid_at < $2`, from, to).Scan(&total)
	return total, err
}

// OpenDues returns every due with an outstanding balance.
func (r *Repository) OpenDues(ctx context.Context) ([]OpenDue, error) {
	rows, err := r.pool.Query(ctx, `SELECT due_date, due_amount FROM dues WHERE status <> 'Paid' AND due_amount > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OpenDue
	for rows.Next() {
		var d OpenDue
		if err := rows.Scan(&d.DueDate, &d.Amount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RevenueByService sums bill line amounts per service for bills dated in r.
func (r *Repository) RevenueByService(ctx context.Context, rng Range) ([]ServiceRevenue, error) {
	rows, err := r.pool.Query(ctx, `SELECT s.id, s.name, COALESCE(SUM(i.quantity), 0), COALESCE(SUM(i.amount), 0)
FROM bill_items i
JOIN bills b ON b.id = i.bill_id
JOIN services s ON s.id = i.service_id
WHERE b.billed_on BETWEEN $1 AND $2
GROUP BY s.id, s.name
ORDER BY 4 DESC, s.name`, rng.From, rng.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ServiceRevenue
	for rows.Next() {
		var row ServiceRevenue
		if err := rows.Scan(&row.ServiceID, &row.Name, &row.Quantity, &row.Revenue); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MonthlyRevenue returns billed, discounted and collected totals per month with activity.
func (r *Repository) MonthlyRevenue(ctx context.Context, rng Range) ([]MonthPoint, error) {
	rows, err := r.pool.Query(ctx, `WITH billed AS (
	SELECT to_char(billed_on, 'YYYY-MM') AS month, SUM(total) AS billed, SUM(discount) AS discounts
	FROM bills WHERE billed_on BETWEEN $1 AND $2 GROUP BY 1
), collected AS (
	SELECT to_char(paid_at, 'YYYY-MM') AS month, SUM(amount) AS collected
	FROM payments WHERE paid_at::date BETWEEN $1 AND $2 GROUP BY 1
)
SELECT COALESCE(b.month, c.month), COALESCE(b.billed, 0), COALESCE(c.collected, 0), COALESCE(b.discounts, 0)
FROM billed b FULL OUTER JOIN collected c ON c.month = b.month
ORDER BY 1`, rng.From, rng.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MonthPoint
	for rows.Next() {
		var p MonthPoint
		if err := rows.Scan(&p.Month, &p.Billed, &p.Collected, &p.Discounts); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
