package reports

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medidesk/medidesk/internal/shared"
)

// ErrInvalidRange indicates a report window that ends before it starts or spans too long.
var ErrInvalidRange = fmt.Errorf("%w: invalid date range", shared.ErrValidation)

// MaxRangeDays bounds report windows.
const MaxRangeDays = 731

// Dashboard is the clinic overview.
type Dashboard struct {
	Date              string          `json:"date"`
	TotalPatients     int             `json:"total_patients"`
	AppointmentsToday int             `json:"appointments_today"`
	RevenueToday      decimal.Decimal `json:"revenue_today"`
	OutstandingDues   decimal.Decimal `json:"outstanding_dues"`
	OverdueCount      int             `json:"overdue_count"`
}

// ServiceRevenue totals billed amounts for one catalogue service.
type ServiceRevenue struct {
	ServiceID int64           `json:"service_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Revenue   decimal.Decimal `json:"revenue"`
}

// MonthPoint is one month of the revenue series.
type MonthPoint struct {
	Month     string          `json:"month"`
	Billed    decimal.Decimal `json:"billed"`
	Collected decimal.Decimal `json:"collected"`
	Discounts decimal.Decimal `json:"discounts"`
}

// AgingBucket summarises outstanding dues by days past the due date.
type AgingBucket struct {
	Bucket string          `json:"bucket"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Aging bucket labels in display order.
var agingBuckets = []string{"current", "1-30", "31-60", "61-90", "90+"}

// BucketFor returns the aging bucket for a due date relative to asOf. Both are compared as
// calendar dates.
func BucketFor(dueDate, asOf time.Time) string {
	due := time.Date(dueDate.Year(), dueDate.Month(), dueDate.Day(), 0, 0, 0, 0, time.UTC)
	ref := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	days := int(ref.Sub(due).Hours() / 24)
	switch {
	case days <= 0:
		return "current"
	case days <= 30:
		return "1-30"
	case days <= 60:
		return "31-60"
	case days <= 90:
		return "61-90"
	default:
		return "90+"
	}
}

// OpenDue is the minimal due data aging needs.
type OpenDue struct {
	DueDate time.Time
	Amount  decimal.Decimal
}

// Age groups open dues into buckets. Every bucket is present, in order.
func Age(dues []OpenDue, asOf time.Time) []AgingBucket {
	index := make(map[string]int, len(agingBuckets))
	out := make([]AgingBucket, len(agingBuckets))
	for i, name := range agingBuckets {
		index[name] = i
		out[i] = AgingBucket{Bucket: name, Amount: decimal.Zero}
	}
	for _, d := range dues {
		b := &out[index[BucketFor(d.DueDate, asOf)]]
		b.Count++
		b.Amount = b.Amount.Add(d.Amount)
	}
	return out
}

// Range is a closed date window.
type Range struct {
	From time.Time
	To   time.Time
}

// Validate checks ordering and span.
func (r Range) Validate() error {
	if r.From.IsZero() || r.To.IsZero() || r.To.Before(r.From) {
		return ErrInvalidRange
	}
	if r.To.Sub(r.From) > MaxRangeDays*24*time.Hour {
		return fmt.Errorf("%w: at most %d days", ErrInvalidRange, MaxRangeDays)
	}
	return nil
}
