package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod describes how money was collected.
type PaymentMethod string

const (
	PaymentCash      PaymentMethod = "cash"
	PaymentCard      PaymentMethod = "card"
	PaymentTransfer  PaymentMethod = "transfer"
	PaymentInsurance PaymentMethod = "insurance"
)

// Bill is a persisted patient bill.
type Bill struct {
	ID          int64           `json:"id"`
	PatientID   int64           `json:"patient_id"`
	PatientName string          `json:"patient_name,omitempty"`
	BilledOn    time.Time       `json:"billed_on"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
	Paid        decimal.Decimal `json:"paid"`
	Due         decimal.Decimal `json:"due"`
	Status      BillStatus      `json:"status"`
	Notes       string          `json:"notes,omitempty"`
	CreatedBy   int64           `json:"created_by,omitempty"`
	Version     int             `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Lines       []BillLine      `json:"lines,omitempty"`
	Payments    []Payment       `json:"payments,omitempty"`
	DueRecord   *DueRecord      `json:"due_record,omitempty"`
}

// Totals returns the money state of the bill.
func (b Bill) Totals() Totals {
	return Totals{
		Subtotal: b.Subtotal,
		Discount: b.Discount,
		Total:    b.Total,
		Paid:     b.Paid,
		Due:      b.Due,
		Status:   b.Status,
	}
}

func (b *Bill) applyTotals(t Totals) {
	b.Subtotal = t.Subtotal
	b.Discount = t.Discount
	b.Total = t.Total
	b.Paid = t.Paid
	b.Due = t.Due
	b.Status = t.Status
}

// BillLine is a line item snapshotted onto a bill.
type BillLine struct {
	ID          int64           `json:"id"`
	BillID      int64           `json:"bill_id"`
	ServiceID   int64           `json:"service_id"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
}

// Payment is a single collection against a bill.
type Payment struct {
	ID        int64           `json:"id"`
	BillID    int64           `json:"bill_id"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
	Note      string          `json:"note,omitempty"`
	PaidAt    time.Time       `json:"paid_at"`
	CreatedBy int64           `json:"created_by,omitempty"`
}

// DueView is a due record joined with its bill and patient.
type DueView struct {
	DueRecord
	PatientID    int64           `json:"patient_id"`
	PatientName  string          `json:"patient_name"`
	PatientPhone string          `json:"patient_phone,omitempty"`
	BillTotal    decimal.Decimal `json:"bill_total"`
}

// ItemInput references a catalogue service on a new bill.
type ItemInput struct {
	ServiceID int64
	Quantity  int
}

// CreateBillInput carries the data needed to open a bill.
type CreateBillInput struct {
	PatientID      int64
	Items          []ItemInput
	Discount       decimal.Decimal
	InitialPayment decimal.Decimal
	PaymentMethod  PaymentMethod
	DueDate        *time.Time
	Notes          string
}

// PaymentInput records money collected against a bill.
type PaymentInput struct {
	BillID int64
	Amount decimal.Decimal
	Method PaymentMethod
	Note   string
}

// Receipt is returned after a payment is recorded.
type Receipt struct {
	Payment Payment    `json:"payment"`
	Bill    Bill       `json:"bill"`
	Due     *DueRecord `json:"due,omitempty"`
}

// BillFilter narrows ListBills.
type BillFilter struct {
	PatientID int64
	Status    BillStatus
	Page      int
	PerPage   int
}

// DueFilter narrows ListDues. AsOf decides which pending records read as overdue.
type DueFilter struct {
	Status    DueStatus
	PatientID int64
	AsOf      time.Time
	Limit     int
}

// Summary aggregates billing totals.
type Summary struct {
	Collected     decimal.Decimal    `json:"collected"`
	Outstanding   decimal.Decimal    `json:"outstanding"`
	Discounts     decimal.Decimal    `json:"discounts"`
	Billed        decimal.Decimal    `json:"billed"`
	BillsByStatus map[BillStatus]int `json:"bills_by_status"`
	DuesByStatus  map[DueStatus]int  `json:"dues_by_status"`
}

// DateOnly returns t's calendar day, read in t's own location, as midnight UTC. This is the
// shape pgx scans a DATE column into.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
