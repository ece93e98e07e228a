package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BillStatus is derived from a bill's paid and due amounts.
type BillStatus string

const (
	BillStatusPaid    BillStatus = "Paid"
	BillStatusPartial BillStatus = "Partial"
	BillStatusUnpaid  BillStatus = "Unpaid"
)

// Valid reports whether s is a known bill status.
func (s BillStatus) Valid() bool {
	switch s {
	case BillStatusPaid, BillStatusPartial, BillStatusUnpaid:
		return true
	}
	return false
}

// DueStatus tracks an outstanding balance against its due date.
type DueStatus string

const (
	DueStatusPending DueStatus = "Pending"
	DueStatusPaid    DueStatus = "Paid"
	DueStatusOverdue DueStatus = "Overdue"
)

// Valid reports whether s is a known due status.
func (s DueStatus) Valid() bool {
	switch s {
	case DueStatusPending, DueStatusPaid, DueStatusOverdue:
		return true
	}
	return false
}

// LineItem is one billable service on a bill.
type LineItem struct {
	ServiceID   int64           `json:"service_id"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
}

// Amount returns price × quantity.
func (li LineItem) Amount() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Totals is the reconciled money state of a bill.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
	Paid     decimal.Decimal `json:"paid"`
	Due      decimal.Decimal `json:"due"`
	Status   BillStatus      `json:"status"`
}

// DueRecord is the outstanding-balance tracker created for a bill with an open balance.
type DueRecord struct {
	ID             int64           `json:"id"`
	BillID         int64           `json:"bill_id"`
	DueAmount      decimal.Decimal `json:"due_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	DueDate        time.Time       `json:"due_date"`
	Status         DueStatus       `json:"status"`
	LastReminderAt *time.Time      `json:"last_reminder_at,omitempty"`
	Version        int             `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MaxBillAmount is the largest amount a bill column can hold (NUMERIC(12,2)).
var MaxBillAmount = decimal.RequireFromString("9999999999.99")

// RoundMoney rounds an amount to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ComputeBillTotals reconciles line items, discount and the amount already collected.
// A discount larger than the subtotal and a payment larger than the total are rejected
// rather than clamped.
func ComputeBillTotals(items []LineItem, discount, paid decimal.Decimal) (Totals, error) {
	subtotal := decimal.Zero
	for i, item := range items {
		if item.Quantity < 1 {
			return Totals{}, fmt.Errorf("%w: line %d quantity must be at least 1", ErrInvalidLineItem, i+1)
		}
		if item.UnitPrice.IsNegative() {
			return Totals{}, fmt.Errorf("%w: line %d price cannot be negative", ErrInvalidLineItem, i+1)
		}
		subtotal = subtotal.Add(item.Amount())
	}
	subtotal = RoundMoney(subtotal)
	if subtotal.GreaterThan(MaxBillAmount) {
		return Totals{}, fmt.Errorf("%w: subtotal %s exceeds the maximum bill amount %s", ErrInvalidLineItem, subtotal.StringFixed(2), MaxBillAmount.StringFixed(2))
	}
	discount = RoundMoney(discount)
	paid = RoundMoney(paid)

	if discount.IsNegative() {
		return Totals{}, fmt.Errorf("%w: discount cannot be negative", ErrInvalidDiscount)
	}
	if discount.GreaterThan(subtotal) {
		return Totals{}, fmt.Errorf("%w: discount %s exceeds subtotal %s", ErrInvalidDiscount, discount.StringFixed(2), subtotal.StringFixed(2))
	}
	total := subtotal.Sub(discount)

	if paid.IsNegative() {
		return Totals{}, fmt.Errorf("%w: paid amount cannot be negative", ErrInvalidPaymentAmount)
	}
	if paid.GreaterThan(total) {
		return Totals{}, fmt.Errorf("%w: paid %s exceeds total %s", ErrInvalidPaymentAmount, paid.StringFixed(2), total.StringFixed(2))
	}
	due := total.Sub(paid)

	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Total:    total,
		Paid:     paid,
		Due:      due,
		Status:   deriveBillStatus(paid, due),
	}, nil
}

// ApplyBillPayment adds a payment to a bill's totals.
func ApplyBillPayment(t Totals, amount decimal.Decimal) (Totals, error) {
	amount = RoundMoney(amount)
	if err := checkPayment(amount, t.Due); err != nil {
		return t, err
	}
	next := t
	next.Paid = t.Paid.Add(amount)
	next.Due = t.Due.Sub(amount)
	next.Status = deriveBillStatus(next.Paid, next.Due)
	return next, nil
}

// ApplyPayment applies a payment to a due record and returns the updated copy. On error the
// input record is returned unchanged.
func ApplyPayment(due DueRecord, amount decimal.Decimal) (DueRecord, error) {
	amount = RoundMoney(amount)
	if err := checkPayment(amount, due.DueAmount); err != nil {
		return due, err
	}
	next := due
	next.PaidAmount = due.PaidAmount.Add(amount)
	next.DueAmount = due.DueAmount.Sub(amount)
	if !next.DueAmount.IsPositive() {
		next.Status = DueStatusPaid
	}
	return next, nil
}

// DeriveOverdueStatus returns Overdue for an unpaid record whose due date has passed as of
// asOf, and the stored status otherwise. The due date is a calendar day: the record turns
// overdue at the start of the following day in asOf's location, so callers pass asOf in the
// clinic time zone.
func DeriveOverdueStatus(due DueRecord, asOf time.Time) DueStatus {
	if due.Status == DueStatusPaid {
		return due.Status
	}
	if PastDue(due.DueDate, asOf) {
		return DueStatusOverdue
	}
	return due.Status
}

// PastDue reports whether asOf falls after the calendar day dueDate. The day is read from
// dueDate's own fields and placed in asOf's location.
func PastDue(dueDate, asOf time.Time) bool {
	y, m, d := dueDate.Date()
	nextDay := time.Date(y, m, d+1, 0, 0, 0, 0, asOf.Location())
	return !asOf.Before(nextDay)
}

// NewDueRecord builds the due record for a freshly computed bill. ok is false when the bill
// has no open balance and therefore needs no due record.
func NewDueRecord(billID int64, t Totals, dueDate time.Time) (DueRecord, bool) {
	if !t.Due.IsPositive() {
		return DueRecord{}, false
	}
	return DueRecord{
		BillID:     billID,
		DueAmount:  t.Due,
		PaidAmount: t.Paid,
		DueDate:    dueDate,
		Status:     DueStatusPending,
	}, true
}

// CheckBill validates totals loaded from storage.
func CheckBill(t Totals) error {
	amounts := []struct {
		name  string
		value decimal.Decimal
	}{
		{"subtotal", t.Subtotal},
		{"discount", t.Discount},
		{"total", t.Total},
		{"paid", t.Paid},
	}
	for _, a := range amounts {
		if a.value.IsNegative() {
			return fmt.Errorf("%w: negative %s %s", ErrInconsistentState, a.name, a.value.StringFixed(2))
		}
	}
	if !t.Total.Equal(t.Subtotal.Sub(t.Discount)) {
		return fmt.Errorf("%w: total %s != subtotal %s - discount %s", ErrInconsistentState,
			t.Total.StringFixed(2), t.Subtotal.StringFixed(2), t.Discount.StringFixed(2))
	}
	if !t.Due.Equal(t.Total.Sub(t.Paid)) {
		return fmt.Errorf("%w: due %s != total %s - paid %s", ErrInconsistentState,
			t.Due.StringFixed(2), t.Total.StringFixed(2), t.Paid.StringFixed(2))
	}
	if want := deriveBillStatus(t.Paid, t.Due); t.Status != want {
		return fmt.Errorf("%w: bill status %q, amounts imply %q", ErrInconsistentState, t.Status, want)
	}
	return nil
}

// CheckDue validates a due record loaded from storage.
func CheckDue(due DueRecord) error {
	if !due.Status.Valid() {
		return fmt.Errorf("%w: unknown due status %q", ErrInconsistentState, due.Status)
	}
	if due.DueAmount.IsNegative() || due.PaidAmount.IsNegative() {
		return fmt.Errorf("%w: negative amounts on due %d", ErrInconsistentState, due.ID)
	}
	settled := !due.DueAmount.IsPositive()
	if settled != (due.Status == DueStatusPaid) {
		return fmt.Errorf("%w: due %d status %q with %s outstanding", ErrInconsistentState, due.ID, due.Status, due.DueAmount.StringFixed(2))
	}
	return nil
}

// CheckSync verifies a due record still mirrors the bill it was created from.
func CheckSync(t Totals, due DueRecord) error {
	if !t.Due.Equal(due.DueAmount) || !t.Paid.Equal(due.PaidAmount) {
		return fmt.Errorf("%w: bill due %s/paid %s, due record %s/%s", ErrInconsistentState,
			t.Due.StringFixed(2), t.Paid.StringFixed(2), due.DueAmount.StringFixed(2), due.PaidAmount.StringFixed(2))
	}
	return nil
}

func checkPayment(amount, outstanding decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: payment must be positive", ErrInvalidPaymentAmount)
	}
	if amount.GreaterThan(outstanding) {
		return fmt.Errorf("%w: payment %s exceeds outstanding %s", ErrInvalidPaymentAmount, amount.StringFixed(2), outstanding.StringFixed(2))
	}
	return nil
}

func deriveBillStatus(paid, due decimal.Decimal) BillStatus {
	switch {
	case !due.IsPositive():
		return BillStatusPaid
	case paid.IsZero():
		return BillStatusUnpaid
	default:
		return BillStatusPartial
	}
}
