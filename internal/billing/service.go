package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medidesk/medidesk/internal/catalog"
	"github.com/medidesk/medidesk/internal/shared"
)

// DefaultPaymentTermsDays applies when no terms source is configured.
const DefaultPaymentTermsDays = 30

// RepositoryPort abstracts billing persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBill(ctx context.Context, id int64) (Bill, error)
	ListBills(ctx context.Context, filter BillFilter) ([]Bill, int, error)
	GetDue(ctx context.Context, id int64) (DueView, error)
	ListDues(ctx context.Context, filter DueFilter) ([]DueView, error)
	ListPendingDueBefore(ctx context.Context, day time.Time) ([]DueRecord, error)
	MarkOverdue(ctx context.Context, ids []int64) (int64, error)
	ListReminderCandidates(ctx context.Context, day time.Time, remindedBefore time.Time, limit int) ([]DueView, error)
	TouchReminder(ctx context.Context, id int64, at time.Time) error
	Summary(ctx context.Context, day time.Time) (Summary, error)
}

// TxRepository exposes the statements that run inside a billing transaction.
type TxRepository interface {
	InsertBill(ctx context.Context, bill *Bill) error
	InsertPayment(ctx context.Context, payment *Payment) error
	InsertDue(ctx context.Context, due *DueRecord) error
	GetBillForUpdate(ctx context.Context, id int64) (Bill, error)
	GetDueByBillForUpdate(ctx context.Context, billID int64) (DueRecord, error)
	UpdateBillTotals(ctx context.Context, bill Bill, expectedVersion int) error
	UpdateDue(ctx context.Context, due DueRecord, expectedVersion int) error
}

// CatalogPort resolves catalogue prices for new bill lines.
type CatalogPort interface {
	PricesFor(ctx context.Context, ids []int64) (map[int64]catalog.ServiceItem, error)
}

// TermsSource supplies the configured payment terms.
type TermsSource interface {
	PaymentTermsDays(ctx context.Context) (int, error)
}

// Notifier queues payment reminders for a patient.
type Notifier interface {
	QueuePaymentReminder(ctx context.Context, patientID int64, amount decimal.Decimal, dueDate time.Time) error
}

// CacheInvalidator drops cached report data after money moves.
type CacheInvalidator interface {
	Bump(ctx context.Context) error
}

// ReminderGate reports whether automatic payment reminders are switched on.
type ReminderGate interface {
	RemindersEnabled(ctx context.Context) (bool, error)
}

// Service coordinates bills, payments and dues.
type Service struct {
	repo     RepositoryPort
	catalog  CatalogPort
	logger   *slog.Logger
	audit    shared.AuditRecorder
	terms    TermsSource
	notifier Notifier
	cache    CacheInvalidator
	gate     ReminderGate
	loc      *time.Location
	now      func() time.Time
}

// NewService constructs the billing service.
func NewService(repo RepositoryPort, catalog CatalogPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		catalog: catalog,
		logger:  logger,
		audit:   shared.NopAudit{},
		loc:     time.UTC,
		now:     time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetLocation sets the clinic time zone that decides billing days and overdue boundaries.
func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

// SetAudit sets the audit recorder.
func (s *Service) SetAudit(audit shared.AuditRecorder) {
	if audit != nil {
		s.audit = audit
	}
}

// SetTerms sets the payment terms source.
func (s *Service) SetTerms(terms TermsSource) {
	s.terms = terms
}

// SetNotifier sets the reminder notifier.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetCacheInvalidator sets the report cache to bump after payments.
func (s *Service) SetCacheInvalidator(c CacheInvalidator) {
	s.cache = c
}

// SetReminderGate lets settings switch automatic reminders off.
func (s *Service) SetReminderGate(g ReminderGate) {
	s.gate = g
}

// Quote prices the requested items without persisting anything.
func (s *Service) Quote(ctx context.Context, input CreateBillInput) (Totals, []LineItem, error) {
	items, err := s.resolveItems(ctx, input.Items)
	if err != nil {
		return Totals{}, nil, err
	}
	totals, err := ComputeBillTotals(items, input.Discount, input.InitialPayment)
	if err != nil {
		return Totals{}, nil, err
	}
	return totals, items, nil
}

// CreateBill prices the items from the catalogue, stores the bill and opens a due record
// when a balance remains.
func (s *Service) CreateBill(ctx context.Context, input CreateBillInput) (Bill, error) {
	if input.PatientID <= 0 {
		return Bill{}, fmt.Errorf("%w: patient is required", shared.ErrValidation)
	}
	totals, items, err := s.Quote(ctx, input)
	if err != nil {
		return Bill{}, err
	}
	now := s.clinicNow()
	var dueDate time.Time
	if totals.Due.IsPositive() {
		dueDate, err = s.dueDate(ctx, input.DueDate, now)
		if err != nil {
			return Bill{}, err
		}
	}
	method := input.PaymentMethod
	if method == "" {
		method = PaymentCash
	}

	bill := Bill{
		PatientID: input.PatientID,
		BilledOn:  DateOnly(now),
		Notes:     input.Notes,
		CreatedBy: shared.ActorID(ctx),
	}
	bill.applyTotals(totals)
	for _, item := range items {
		bill.Lines = append(bill.Lines, BillLine{
			ServiceID:   item.ServiceID,
			Description: item.Description,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			Amount:      RoundMoney(item.Amount()),
		})
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertBill(ctx, &bill); err != nil {
			return err
		}
		if totals.Paid.IsPositive() {
			payment := Payment{
				BillID:    bill.ID,
				Reference: uuid.NewString(),
				Amount:    totals.Paid,
				Method:    method,
				Note:      "initial payment",
				PaidAt:    now,
				CreatedBy: bill.CreatedBy,
			}
			if err := tx.InsertPayment(ctx, &payment); err != nil {
				return err
			}
			bill.Payments = append(bill.Payments, payment)
		}
		if due, ok := NewDueRecord(bill.ID, totals, dueDate); ok {
			if err := tx.InsertDue(ctx, &due); err != nil {
				return err
			}
			bill.DueRecord = &due
		}
		return nil
	})
	if err != nil {
		return Bill{}, err
	}

	s.record(ctx, "bill", "bill.created", bill.ID, map[string]any{
		"patient_id": bill.PatientID,
		"total":      bill.Total.StringFixed(2),
		"paid":       bill.Paid.StringFixed(2),
	})
	s.bumpCache(ctx)
	return bill, nil
}

// GetBill returns a bill with its lines, payments and due record. The due status is derived
// against the current clock.
func (s *Service) GetBill(ctx context.Context, id int64) (Bill, error) {
	bill, err := s.repo.GetBill(ctx, id)
	if err != nil {
		return Bill{}, err
	}
	if bill.DueRecord != nil {
		bill.DueRecord.Status = DeriveOverdueStatus(*bill.DueRecord, s.clinicNow())
	}
	return bill, nil
}

// ListBills returns one page of bills and the total count.
func (s *Service) ListBills(ctx context.Context, filter BillFilter) ([]Bill, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown bill status %q", shared.ErrValidation, filter.Status)
	}
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	return s.repo.ListBills(ctx, filter)
}

// RecordPayment applies a payment to a bill and its due record atomically.
func (s *Service) RecordPayment(ctx context.Context, input PaymentInput) (Receipt, error) {
	amount := RoundMoney(input.Amount)
	if !amount.IsPositive() {
		return Receipt{}, fmt.Errorf("%w: payment must be positive", ErrInvalidPaymentAmount)
	}
	method := input.Method
	if method == "" {
		method = PaymentCash
	}
	now := s.clinicNow()

	var receipt Receipt
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		bill, err := tx.GetBillForUpdate(ctx, input.BillID)
		if err != nil {
			return err
		}
		current := bill.Totals()
		if err := CheckBill(current); err != nil {
			return fmt.Errorf("bill %d: %w", bill.ID, err)
		}
		next, err := ApplyBillPayment(current, amount)
		if err != nil {
			return err
		}

		due, err := tx.GetDueByBillForUpdate(ctx, bill.ID)
		if errors.Is(err, ErrDueNotFound) {
			return fmt.Errorf("%w: bill %d has an open balance but no due record", ErrInconsistentState, bill.ID)
		}
		if err != nil {
			return err
		}
		if err := CheckDue(due); err != nil {
			return err
		}
		if err := CheckSync(current, due); err != nil {
			return fmt.Errorf("bill %d: %w", bill.ID, err)
		}
		nextDue, err := ApplyPayment(due, amount)
		if err != nil {
			return err
		}
		nextDue.Status = DeriveOverdueStatus(nextDue, now)

		billVersion := bill.Version
		bill.applyTotals(next)
		if err := tx.UpdateBillTotals(ctx, bill, billVersion); err != nil {
			return err
		}
		if err := tx.UpdateDue(ctx, nextDue, due.Version); err != nil {
			return err
		}
		bill.Version = billVersion + 1
		nextDue.Version = due.Version + 1

		payment := Payment{
			BillID:    bill.ID,
			Reference: uuid.NewString(),
			Amount:    amount,
			Method:    method,
			Note:      input.Note,
			PaidAt:    now,
			CreatedBy: shared.ActorID(ctx),
		}
		if err := tx.InsertPayment(ctx, &payment); err != nil {
			return err
		}
		receipt = Receipt{Payment: payment, Bill: bill, Due: &nextDue}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInconsistentState) {
			s.logger.Error("billing state check failed", slog.Int64("bill_id", input.BillID), slog.Any("error", err))
		}
		return Receipt{}, err
	}

	s.logger.Info("payment recorded",
		slog.Int64("bill_id", receipt.Bill.ID),
		slog.String("reference", receipt.Payment.Reference),
		slog.String("amount", amount.StringFixed(2)),
		slog.String("bill_status", string(receipt.Bill.Status)),
	)
	s.record(ctx, "bill", "bill.payment", receipt.Bill.ID, map[string]any{
		"reference": receipt.Payment.Reference,
		"amount":    amount.StringFixed(2),
		"method":    string(method),
	})
	s.bumpCache(ctx)
	return receipt, nil
}

// PayDue records a payment against the bill behind a due record.
func (s *Service) PayDue(ctx context.Context, dueID int64, amount decimal.Decimal, method PaymentMethod, note string) (Receipt, error) {
	due, err := s.repo.GetDue(ctx, dueID)
	if err != nil {
		return Receipt{}, err
	}
	return s.RecordPayment(ctx, PaymentInput{BillID: due.BillID, Amount: amount, Method: method, Note: note})
}

// GetDue returns one due record with its derived status.
func (s *Service) GetDue(ctx context.Context, id int64) (DueView, error) {
	due, err := s.repo.GetDue(ctx, id)
	if err != nil {
		return DueView{}, err
	}
	due.Status = DeriveOverdueStatus(due.DueRecord, s.clinicNow())
	return due, nil
}

// ListDues lists due records, reporting a pending record past its due date as overdue.
func (s *Service) ListDues(ctx context.Context, filter DueFilter) ([]DueView, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown due status %q", shared.ErrValidation, filter.Status)
	}
	if filter.AsOf.IsZero() {
		filter.AsOf = s.now()
	}
	filter.AsOf = filter.AsOf.In(s.loc)
	dues, err := s.repo.ListDues(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range dues {
		dues[i].Status = DeriveOverdueStatus(dues[i].DueRecord, filter.AsOf)
	}
	return dues, nil
}

// RefreshOverdue persists Pending→Overdue for every pending due whose date has passed.
func (s *Service) RefreshOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	asOf = asOf.In(s.loc)
	candidates, err := s.repo.ListPendingDueBefore(ctx, DateOnly(asOf))
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(candidates))
	for _, due := range candidates {
		if DeriveOverdueStatus(due, asOf) == DueStatusOverdue {
			ids = append(ids, due.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	updated, err := s.repo.MarkOverdue(ctx, ids)
	if err != nil {
		return 0, err
	}
	s.bumpCache(ctx)
	return updated, nil
}

// SendReminder queues a payment-due SMS for the patient and stamps the reminder time.
func (s *Service) SendReminder(ctx context.Context, dueID int64) (DueView, error) {
	if s.notifier == nil {
		return DueView{}, errors.New("billing: notifier not configured")
	}
	due, err := s.repo.GetDue(ctx, dueID)
	if err != nil {
		return DueView{}, err
	}
	if due.Status == DueStatusPaid {
		return DueView{}, ErrDueSettled
	}
	now := s.clinicNow()
	if err := s.notifier.QueuePaymentReminder(ctx, due.PatientID, due.DueAmount, due.DueDate); err != nil {
		return DueView{}, fmt.Errorf("queue reminder for due %d: %w", due.ID, err)
	}
	if err := s.repo.TouchReminder(ctx, due.ID, now); err != nil {
		return DueView{}, err
	}
	due.LastReminderAt = &now
	due.Status = DeriveOverdueStatus(due.DueRecord, now)
	s.record(ctx, "due", "due.reminder", due.ID, map[string]any{"patient_id": due.PatientID})
	return due, nil
}

// RemindOverdue sends reminders for overdue dues not reminded within interval. Individual
// failures are logged and skipped. It returns the number of reminders queued, or
// ErrRemindersDisabled when the clinic has switched them off.
func (s *Service) RemindOverdue(ctx context.Context, asOf time.Time, interval time.Duration, limit int) (int, error) {
	if s.notifier == nil {
		return 0, errors.New("billing: notifier not configured")
	}
	if s.gate != nil {
		enabled, err := s.gate.RemindersEnabled(ctx)
		if err != nil {
			return 0, err
		}
		if !enabled {
			return 0, ErrRemindersDisabled
		}
	}
	asOf = asOf.In(s.loc)
	candidates, err := s.repo.ListReminderCandidates(ctx, DateOnly(asOf), asOf.Add(-interval), limit)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, due := range candidates {
		if DeriveOverdueStatus(due.DueRecord, asOf) != DueStatusOverdue {
			continue
		}
		if err := s.notifier.QueuePaymentReminder(ctx, due.PatientID, due.DueAmount, due.DueDate); err != nil {
			s.logger.Warn("overdue reminder failed", slog.Int64("due_id", due.ID), slog.Any("error", err))
			continue
		}
		if err := s.repo.TouchReminder(ctx, due.ID, asOf); err != nil {
			s.logger.Warn("stamp reminder failed", slog.Int64("due_id", due.ID), slog.Any("error", err))
			continue
		}
		sent++
	}
	return sent, nil
}

// Summary aggregates collected, outstanding and discounted amounts.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	return s.repo.Summary(ctx, DateOnly(s.clinicNow()))
}

func (s *Service) resolveItems(ctx context.Context, inputs []ItemInput) ([]LineItem, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one line item is required", ErrInvalidLineItem)
	}
	ids := make([]int64, 0, len(inputs))
	for i, in := range inputs {
		if in.ServiceID <= 0 {
			return nil, fmt.Errorf("%w: line %d has no service", ErrInvalidLineItem, i+1)
		}
		ids = append(ids, in.ServiceID)
	}
	prices, err := s.catalog.PricesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	items := make([]LineItem, 0, len(inputs))
	for _, in := range inputs {
		svc, ok := prices[in.ServiceID]
		if !ok || !svc.Active {
			return nil, fmt.Errorf("%w: service %d", ErrUnknownService, in.ServiceID)
		}
		items = append(items, LineItem{
			ServiceID:   svc.ID,
			Description: svc.Name,
			UnitPrice:   svc.Price,
			Quantity:    in.Quantity,
		})
	}
	return items, nil
}

func (s *Service) clinicNow() time.Time {
	return s.now().In(s.loc)
}

func (s *Service) dueDate(ctx context.Context, requested *time.Time, now time.Time) (time.Time, error) {
	today := DateOnly(now)
	if requested != nil {
		d := DateOnly(*requested)
		if d.Before(today) {
			return time.Time{}, fmt.Errorf("%w: due date cannot be in the past", shared.ErrValidation)
		}
		return d, nil
	}
	days := DefaultPaymentTermsDays
	if s.terms != nil {
		configured, err := s.terms.PaymentTermsDays(ctx)
		if err != nil {
			s.logger.Warn("payment terms lookup failed", slog.Any("error", err))
		} else if configured >= 0 {
			days = configured
		}
	}
	return today.AddDate(0, 0, days), nil
}

func (s *Service) record(ctx context.Context, entity, action string, id int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) bumpCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("report cache bump failed", slog.Any("error", err))
	}
}
