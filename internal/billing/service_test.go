package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/medidesk/medidesk/internal/catalog"
	"github.com/medidesk/medidesk/internal/shared"
)

type memoryPatient struct {
	name  string
	phone string
}

type memoryBillingRepo struct {
	mu       sync.Mutex
	patients map[int64]memoryPatient
	bills    map[int64]Bill
	dues     map[int64]DueRecord
	payments []Payment
	nextID   int64

	// beforeBillUpdate runs inside the transaction right before the bill update.
	beforeBillUpdate func(r *memoryBillingRepo, billID int64)
}

func newMemoryBillingRepo() *memoryBillingRepo {
	return &memoryBillingRepo{
		patients: map[int64]memoryPatient{
			1: {name: "Ana Ruiz", phone: "+15550001"},
			2: {name: "Ben Ode", phone: ""},
		},
		bills: make(map[int64]Bill),
		dues:  make(map[int64]DueRecord),
	}
}

func (r *memoryBillingRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryBillingRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bills := make(map[int64]Bill, len(r.bills))
	for k, v := range r.bills {
		bills[k] = v
	}
	dues := make(map[int64]DueRecord, len(r.dues))
	for k, v := range r.dues {
		dues[k] = v
	}
	payments := append([]Payment(nil), r.payments...)
	nextID := r.nextID

	if err := fn(ctx, &memoryBillingTx{repo: r}); err != nil {
		r.bills, r.dues, r.payments, r.nextID = bills, dues, payments, nextID
		return err
	}
	return nil
}

type memoryBillingTx struct {
	repo *memoryBillingRepo
}

func (t *memoryBillingTx) InsertBill(_ context.Context, bill *Bill) error {
	r := t.repo
	p, ok := r.patients[bill.PatientID]
	if !ok {
		return ErrPatientNotFound
	}
	bill.ID = r.id()
	bill.Version = 1
	bill.PatientName = p.name
	for i := range bill.Lines {
		bill.Lines[i].ID = r.id()
		bill.Lines[i].BillID = bill.ID
	}
	stored := *bill
	stored.Lines = append([]BillLine(nil), bill.Lines...)
	stored.Payments = nil
	stored.DueRecord = nil
	r.bills[bill.ID] = stored
	return nil
}

func (t *memoryBillingTx) InsertPayment(_ context.Context, payment *Payment) error {
	payment.ID = t.repo.id()
	t.repo.payments = append(t.repo.payments, *payment)
	return nil
}

func (t *memoryBillingTx) InsertDue(_ context.Context, due *DueRecord) error {
	due.ID = t.repo.id()
	due.Version = 1
	t.repo.dues[due.ID] = *due
	return nil
}

func (t *memoryBillingTx) GetBillForUpdate(_ context.Context, id int64) (Bill, error) {
	bill, ok := t.repo.bills[id]
	if !ok {
		return Bill{}, ErrBillNotFound
	}
	return bill, nil
}

func (t *memoryBillingTx) GetDueByBillForUpdate(_ context.Context, billID int64) (DueRecord, error) {
	for _, due := range t.repo.dues {
		if due.BillID == billID {
			return due, nil
		}
	}
	return DueRecord{}, ErrDueNotFound
}

func (t *memoryBillingTx) UpdateBillTotals(_ context.Context, bill Bill, expectedVersion int) error {
	if t.repo.beforeBillUpdate != nil {
		t.repo.beforeBillUpdate(t.repo, bill.ID)
	}
	stored := t.repo.bills[bill.ID]
	if stored.Version != expectedVersion {
		return ErrConcurrentUpdate
	}
	stored.applyTotals(bill.Totals())
	stored.Version++
	t.repo.bills[bill.ID] = stored
	return nil
}

func (t *memoryBillingTx) UpdateDue(_ context.Context, due DueRecord, expectedVersion int) error {
	stored := t.repo.dues[due.ID]
	if stored.Version != expectedVersion {
		return ErrConcurrentUpdate
	}
	due.Version = stored.Version + 1
	t.repo.dues[due.ID] = due
	return nil
}

func (r *memoryBillingRepo) GetBill(_ context.Context, id int64) (Bill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bill, ok := r.bills[id]
	if !ok {
		return Bill{}, ErrBillNotFound
	}
	for _, p := range r.payments {
		if p.BillID == id {
			bill.Payments = append(bill.Payments, p)
		}
	}
	for _, due := range r.dues {
		if due.BillID == id {
			due := due
			bill.DueRecord = &due
		}
	}
	return bill, nil
}

func (r *memoryBillingRepo) ListBills(_ context.Context, filter BillFilter) ([]Bill, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Bill
	for _, bill := range r.bills {
		if filter.PatientID > 0 && bill.PatientID != filter.PatientID {
			continue
		}
		if filter.Status != "" && bill.Status != filter.Status {
			continue
		}
		out = append(out, bill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, len(out), nil
}

func (r *memoryBillingRepo) view(due DueRecord) DueView {
	bill := r.bills[due.BillID]
	p := r.patients[bill.PatientID]
	return DueView{DueRecord: due, PatientID: bill.PatientID, PatientName: p.name, PatientPhone: p.phone, BillTotal: bill.Total}
}

func (r *memoryBillingRepo) GetDue(_ context.Context, id int64) (DueView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	due, ok := r.dues[id]
	if !ok {
		return DueView{}, ErrDueNotFound
	}
	return r.view(due), nil
}

func (r *memoryBillingRepo) sortedDues() []DueRecord {
	out := make([]DueRecord, 0, len(r.dues))
	for _, due := range r.dues {
		out = append(out, due)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryBillingRepo) ListDues(_ context.Context, filter DueFilter) ([]DueView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	day := DateOnly(filter.AsOf)
	var out []DueView
	for _, due := range r.sortedDues() {
		switch filter.Status {
		case DueStatusOverdue:
			if !(due.Status == DueStatusOverdue || (due.Status == DueStatusPending && due.DueDate.Before(day))) {
				continue
			}
		case DueStatusPending:
			if due.Status != DueStatusPending || due.DueDate.Before(day) {
				continue
			}
		case DueStatusPaid:
			if due.Status != DueStatusPaid {
				continue
			}
		}
		v := r.view(due)
		if filter.PatientID > 0 && v.PatientID != filter.PatientID {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *memoryBillingRepo) ListPendingDueBefore(_ context.Context, day time.Time) ([]DueRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DueRecord
	for _, due := range r.sortedDues() {
		if due.Status == DueStatusPending && due.DueDate.Before(day) {
			out = append(out, due)
		}
	}
	return out, nil
}

func (r *memoryBillingRepo) MarkOverdue(_ context.Context, ids []int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		due, ok := r.dues[id]
		if !ok || due.Status != DueStatusPending {
			continue
		}
		due.Status = DueStatusOverdue
		due.Version++
		r.dues[id] = due
		n++
	}
	return n, nil
}

func (r *memoryBillingRepo) ListReminderCandidates(_ context.Context, day, remindedBefore time.Time, limit int) ([]DueView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DueView
	for _, due := range r.sortedDues() {
		if due.Status == DueStatusPaid || !due.DueDate.Before(day) {
			continue
		}
		if due.LastReminderAt != nil && !due.LastReminderAt.Before(remindedBefore) {
			continue
		}
		v := r.view(due)
		if v.PatientPhone == "" {
			continue
		}
		out = append(out, v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryBillingRepo) TouchReminder(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	due, ok := r.dues[id]
	if !ok {
		return ErrDueNotFound
	}
	due.LastReminderAt = &at
	r.dues[id] = due
	return nil
}

func (r *memoryBillingRepo) Summary(_ context.Context, day time.Time) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{BillsByStatus: map[BillStatus]int{}, DuesByStatus: map[DueStatus]int{}}
	for _, bill := range r.bills {
		s.Billed = s.Billed.Add(bill.Total)
		s.Collected = s.Collected.Add(bill.Paid)
		s.Outstanding = s.Outstanding.Add(bill.Due)
		s.Discounts = s.Discounts.Add(bill.Discount)
		s.BillsByStatus[bill.Status]++
	}
	for _, due := range r.dues {
		status := due.Status
		if status == DueStatusPending && due.DueDate.Before(day) {
			status = DueStatusOverdue
		}
		s.DuesByStatus[status]++
	}
	return s, nil
}

type stubCatalog map[int64]catalog.ServiceItem

func (c stubCatalog) PricesFor(_ context.Context, ids []int64) (map[int64]catalog.ServiceItem, error) {
	out := make(map[int64]catalog.ServiceItem)
	for _, id := range ids {
		if item, ok := c[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

type reminderCall struct {
	patientID int64
	amount    decimal.Decimal
	dueDate   time.Time
}

type recordingNotifier struct {
	calls []reminderCall
	err   error
}

func (n *recordingNotifier) QueuePaymentReminder(_ context.Context, patientID int64, amount decimal.Decimal, dueDate time.Time) error {
	if n.err != nil {
		return n.err
	}
	n.calls = append(n.calls, reminderCall{patientID: patientID, amount: amount, dueDate: dueDate})
	return nil
}

type fixedTerms int

func (f fixedTerms) PaymentTermsDays(context.Context) (int, error) { return int(f), nil }

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type countingCache struct {
	mu    sync.Mutex
	bumps int
}

func (c *countingCache) Bump(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bumps++
	return nil
}

type testEnv struct {
	svc      *Service
	repo     *memoryBillingRepo
	notifier *recordingNotifier
	audit    *recordingAudit
	cache    *countingCache
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newMemoryBillingRepo()
	prices := stubCatalog{
		10: {ID: 10, Name: "Consultation", Price: d("50"), Active: true},
		11: {ID: 11, Name: "X-Ray", Price: d("100"), Active: true},
		12: {ID: 12, Name: "Retired Test", Price: d("30"), Active: false},
	}
	env := &testEnv{
		repo:     repo,
		notifier: &recordingNotifier{},
		audit:    &recordingAudit{},
		cache:    &countingCache{},
		now:      time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	svc := NewService(repo, prices, nil)
	svc.WithNow(func() time.Time { return env.now })
	svc.SetTerms(fixedTerms(14))
	svc.SetNotifier(env.notifier)
	svc.SetAudit(env.audit)
	svc.SetCacheInvalidator(env.cache)
	env.svc = svc
	return env
}

func standardBill() CreateBillInput {
	return CreateBillInput{
		PatientID: 1,
		Items:     []ItemInput{{ServiceID: 10, Quantity: 1}, {ServiceID: 11, Quantity: 1}},
		Discount:  d("20"),
	}
}

func TestCreateBillSnapshotsPricesAndOpensDue(t *testing.T) {
	env := newTestEnv(t)
	ctx := shared.ContextWithActor(context.Background(), shared.Actor{UserID: 5, Role: shared.RoleReceptionist})

	bill, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)
	requireMoney(t, "150", bill.Subtotal)
	requireMoney(t, "130", bill.Total)
	requireMoney(t, "130", bill.Due)
	require.Equal(t, BillStatusUnpaid, bill.Status)
	require.Equal(t, int64(5), bill.CreatedBy)
	require.Len(t, bill.Lines, 2)
	require.Equal(t, "Consultation", bill.Lines[0].Description)
	requireMoney(t, "50", bill.Lines[0].UnitPrice)
	require.Empty(t, bill.Payments)

	require.NotNil(t, bill.DueRecord)
	require.Equal(t, bill.ID, bill.DueRecord.BillID)
	requireMoney(t, "130", bill.DueRecord.DueAmount)
	requireMoney(t, "0", bill.DueRecord.PaidAmount)
	require.Equal(t, DueStatusPending, bill.DueRecord.Status)
	require.Equal(t, time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC), bill.DueRecord.DueDate)

	require.Len(t, env.audit.logs, 1)
	require.Equal(t, "bill.created", env.audit.logs[0].Action)
	require.Equal(t, 1, env.cache.bumps)
}

func TestCreateBillWithInitialPayment(t *testing.T) {
	env := newTestEnv(t)
	in := standardBill()
	in.InitialPayment = d("30")
	in.PaymentMethod = PaymentCard

	bill, err := env.svc.CreateBill(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, BillStatusPartial, bill.Status)
	requireMoney(t, "100", bill.Due)
	require.Len(t, bill.Payments, 1)
	requireMoney(t, "30", bill.Payments[0].Amount)
	require.Equal(t, PaymentCard, bill.Payments[0].Method)
	require.NotEmpty(t, bill.Payments[0].Reference)

	require.NotNil(t, bill.DueRecord)
	requireMoney(t, "100", bill.DueRecord.DueAmount)
	requireMoney(t, "30", bill.DueRecord.PaidAmount)
	require.NoError(t, CheckSync(bill.Totals(), *bill.DueRecord))
}

func TestCreateBillFullyPaidOrFreeHasNoDue(t *testing.T) {
	env := newTestEnv(t)

	in := standardBill()
	in.InitialPayment = d("130")
	paid, err := env.svc.CreateBill(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, BillStatusPaid, paid.Status)
	require.Nil(t, paid.DueRecord)
	require.Len(t, paid.Payments, 1)

	free := CreateBillInput{PatientID: 1, Items: []ItemInput{{ServiceID: 10, Quantity: 1}}, Discount: d("50")}
	bill, err := env.svc.CreateBill(context.Background(), free)
	require.NoError(t, err)
	require.Equal(t, BillStatusPaid, bill.Status)
	require.Nil(t, bill.DueRecord)
	require.Empty(t, bill.Payments)
	require.Empty(t, env.repo.dues)
}

func TestCreateBillIgnoresDueDateWhenNothingIsOwed(t *testing.T) {
	env := newTestEnv(t)
	past := env.now.AddDate(0, 0, -3)

	in := standardBill()
	in.InitialPayment = d("130")
	in.DueDate = &past
	bill, err := env.svc.CreateBill(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, BillStatusPaid, bill.Status)
	require.Nil(t, bill.DueRecord)
	require.Empty(t, env.repo.dues)

	in.InitialPayment = d("129.99")
	_, err = env.svc.CreateBill(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateBillRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	past := env.now.AddDate(0, 0, -1)

	cases := []struct {
		name  string
		input CreateBillInput
		want  error
	}{
		{"no items", CreateBillInput{PatientID: 1}, ErrInvalidLineItem},
		{"unknown service", CreateBillInput{PatientID: 1, Items: []ItemInput{{ServiceID: 99, Quantity: 1}}}, ErrUnknownService},
		{"inactive service", CreateBillInput{PatientID: 1, Items: []ItemInput{{ServiceID: 12, Quantity: 1}}}, ErrUnknownService},
		{"zero quantity", CreateBillInput{PatientID: 1, Items: []ItemInput{{ServiceID: 10, Quantity: 0}}}, ErrInvalidLineItem},
		{"discount above subtotal", CreateBillInput{PatientID: 1, Items: []ItemInput{{ServiceID: 10, Quantity: 1}}, Discount: d("60")}, ErrInvalidDiscount},
		{"overpaid", CreateBillInput{PatientID: 1, Items: []ItemInput{{ServiceID: 10, Quantity: 1}}, InitialPayment: d("51")}, ErrInvalidPaymentAmount},
		{"unknown patient", CreateBillInput{PatientID: 42, Items: []ItemInput{{ServiceID: 10, Quantity: 1}}}, ErrPatientNotFound},
		{"missing patient", CreateBillInput{Items: []ItemInput{{ServiceID: 10, Quantity: 1}}}, shared.ErrValidation},
		{"past due date", CreateBillInput{PatientID: 1, Items: []ItemInput{{ServiceID: 10, Quantity: 1}}, DueDate: &past}, shared.ErrValidation},
	}
	for _, tc := range cases {
		_, err := env.svc.CreateBill(ctx, tc.input)
		require.ErrorIs(t, err, tc.want, tc.name)
	}
	require.Empty(t, env.repo.bills)
	require.Empty(t, env.repo.dues)
	require.Empty(t, env.repo.payments)
}

func TestRecordPaymentKeepsBillAndDueInSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bill, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)

	receipt, err := env.svc.RecordPayment(ctx, PaymentInput{BillID: bill.ID, Amount: d("30"), Method: PaymentTransfer})
	require.NoError(t, err)
	require.Equal(t, BillStatusPartial, receipt.Bill.Status)
	requireMoney(t, "100", receipt.Bill.Due)
	requireMoney(t, "100", receipt.Due.DueAmount)
	requireMoney(t, "30", receipt.Due.PaidAmount)
	require.Equal(t, DueStatusPending, receipt.Due.Status)
	require.Equal(t, PaymentTransfer, receipt.Payment.Method)

	_, err = env.svc.RecordPayment(ctx, PaymentInput{BillID: bill.ID, Amount: d("100.01")})
	require.ErrorIs(t, err, ErrInvalidPaymentAmount)

	receipt, err = env.svc.RecordPayment(ctx, PaymentInput{BillID: bill.ID, Amount: d("100")})
	require.NoError(t, err)
	require.Equal(t, BillStatusPaid, receipt.Bill.Status)
	require.Equal(t, DueStatusPaid, receipt.Due.Status)
	require.Equal(t, PaymentCash, receipt.Payment.Method)

	stored, err := env.svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	require.Len(t, stored.Payments, 2)
	require.NoError(t, CheckBill(stored.Totals()))
	require.NoError(t, CheckDue(*stored.DueRecord))
	require.NoError(t, CheckSync(stored.Totals(), *stored.DueRecord))

	_, err = env.svc.RecordPayment(ctx, PaymentInput{BillID: bill.ID, Amount: d("1")})
	require.ErrorIs(t, err, ErrInvalidPaymentAmount)
	_, err = env.svc.RecordPayment(ctx, PaymentInput{BillID: bill.ID, Amount: decimal.Zero})
	require.ErrorIs(t, err, ErrInvalidPaymentAmount)
	_, err = env.svc.RecordPayment(ctx, PaymentInput{BillID: 999, Amount: d("1")})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestPayDueSettlesOverdue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bill, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)

	env.now = bill.DueRecord.DueDate.AddDate(0, 0, 3)
	n, err := env.svc.RefreshOverdue(ctx, env.now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	receipt, err := env.svc.PayDue(ctx, bill.DueRecord.ID, d("50"), PaymentCash, "")
	require.NoError(t, err)
	require.Equal(t, DueStatusOverdue, receipt.Due.Status)

	receipt, err = env.svc.PayDue(ctx, bill.DueRecord.ID, d("80"), PaymentCash, "")
	require.NoError(t, err)
	require.Equal(t, DueStatusPaid, receipt.Due.Status)
	require.Equal(t, BillStatusPaid, receipt.Bill.Status)

	_, err = env.svc.PayDue(ctx, 999, d("1"), PaymentCash, "")
	require.ErrorIs(t, err, ErrDueNotFound)
}

func TestRecordPaymentRejectsCorruptedState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bill, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)

	stored := env.repo.bills[bill.ID]
	stored.Due = d("90")
	env.repo.bills[bill.ID] = stored

	_, err = env.svc.RecordPayment(ctx, PaymentInput{BillID: bill.ID, Amount: d("10")})
	require.ErrorIs(t, err, ErrInconsistentState)
	require.ErrorIs(t, err, shared.ErrConflict)

	stored.Due = d("130")
	env.repo.bills[bill.ID] = stored
	due := env.repo.dues[bill.DueRecord.ID]
	due.DueAmount = d("120")
	env.repo.dues[due.ID] = due

	_, err = env.svc.RecordPayment(ctx, PaymentInput{BillID: bill.ID, Amount: d("10")})
	require.ErrorIs(t, err, ErrInconsistentState)
	require.Empty(t, env.repo.payments)
}

func TestRecordPaymentLostRaceRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bill, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)

	env.repo.beforeBillUpdate = func(r *memoryBillingRepo, id int64) {
		stored := r.bills[id]
		stored.Version++
		r.bills[id] = stored
	}
	_, err = env.svc.RecordPayment(ctx, PaymentInput{BillID: bill.ID, Amount: d("10")})
	require.ErrorIs(t, err, ErrConcurrentUpdate)

	env.repo.beforeBillUpdate = nil
	stored := env.repo.bills[bill.ID]
	requireMoney(t, "130", stored.Due)
	require.Equal(t, 1, stored.Version)
	requireMoney(t, "130", env.repo.dues[bill.DueRecord.ID].DueAmount)
	require.Empty(t, env.repo.payments)
}

func TestConcurrentPaymentsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := CreateBillInput{PatientID: 1, Items: []ItemInput{{ServiceID: 11, Quantity: 1}}}
	bill, err := env.svc.CreateBill(ctx, in)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, fail int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.RecordPayment(ctx, PaymentInput{BillID: bill.ID, Amount: d("15")})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			if errors.Is(err, ErrInvalidPaymentAmount) {
				fail++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 6, ok)
	require.Equal(t, 4, fail)
	stored, err := env.svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	requireMoney(t, "90", stored.Paid)
	requireMoney(t, "10", stored.Due)
	require.NoError(t, CheckSync(stored.Totals(), *stored.DueRecord))
}

func TestListDuesDerivesOverdueOnRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	soon := env.now.AddDate(0, 0, 2)
	late, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)
	in := standardBill()
	in.DueDate = &soon
	fresh, err := env.svc.CreateBill(ctx, in)
	require.NoError(t, err)

	env.now = late.DueRecord.DueDate.AddDate(0, 0, 1)

	all, err := env.svc.ListDues(ctx, DueFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, due := range all {
		require.Equal(t, DueStatusOverdue, due.Status)
	}
	require.Equal(t, DueStatusPending, env.repo.dues[late.DueRecord.ID].Status)

	env.now = soon
	overdue, err := env.svc.ListDues(ctx, DueFilter{Status: DueStatusOverdue})
	require.NoError(t, err)
	require.Empty(t, overdue)
	pending, err := env.svc.ListDues(ctx, DueFilter{Status: DueStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, fresh.DueRecord.ID, pending[1].ID)
	require.Equal(t, "Ana Ruiz", pending[0].PatientName)

	_, err = env.svc.ListDues(ctx, DueFilter{Status: "Late"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRefreshOverdueOnlyTouchesPastPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)
	later := env.now.AddDate(0, 0, 30)
	in := standardBill()
	in.DueDate = &later
	second, err := env.svc.CreateBill(ctx, in)
	require.NoError(t, err)

	n, err := env.svc.RefreshOverdue(ctx, first.DueRecord.DueDate)
	require.NoError(t, err)
	require.Zero(t, n)

	asOf := first.DueRecord.DueDate.Add(24 * time.Hour)
	n, err = env.svc.RefreshOverdue(ctx, asOf)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, DueStatusOverdue, env.repo.dues[first.DueRecord.ID].Status)
	require.Equal(t, DueStatusPending, env.repo.dues[second.DueRecord.ID].Status)

	n, err = env.svc.RefreshOverdue(ctx, asOf)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestOverdueBoundaryFollowsClinicTimeZone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.SetLocation(time.FixedZone("clinic", 6*3600))

	// 20:00 UTC on the 18th is already the 19th at the clinic.
	env.now = time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC)
	termed, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), termed.BilledOn)
	require.Equal(t, time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC), termed.DueRecord.DueDate)

	yesterday := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	in := standardBill()
	in.DueDate = &yesterday
	_, err = env.svc.CreateBill(ctx, in)
	require.ErrorIs(t, err, shared.ErrValidation)

	today := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	in.DueDate = &today
	bill, err := env.svc.CreateBill(ctx, in)
	require.NoError(t, err)
	require.Equal(t, today, bill.DueRecord.DueDate)

	// 23:30 on the 19th at the clinic.
	env.now = time.Date(2026, 10, 19, 17, 30, 0, 0, time.UTC)
	overdue, err := env.svc.ListDues(ctx, DueFilter{Status: DueStatusOverdue})
	require.NoError(t, err)
	require.Empty(t, overdue)
	view, err := env.svc.GetDue(ctx, bill.DueRecord.ID)
	require.NoError(t, err)
	require.Equal(t, DueStatusPending, view.Status)
	n, err := env.svc.RefreshOverdue(ctx, env.now)
	require.NoError(t, err)
	require.Zero(t, n)

	// 00:30 on the 20th at the clinic, still the 19th in UTC.
	env.now = time.Date(2026, 10, 19, 18, 30, 0, 0, time.UTC)
	overdue, err = env.svc.ListDues(ctx, DueFilter{Status: DueStatusOverdue})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, bill.DueRecord.ID, overdue[0].ID)
	require.Equal(t, DueStatusOverdue, overdue[0].Status)
	n, err = env.svc.RefreshOverdue(ctx, env.now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, DueStatusPending, env.repo.dues[termed.DueRecord.ID].Status)
}

func TestSendReminder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bill, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)

	due, err := env.svc.SendReminder(ctx, bill.DueRecord.ID)
	require.NoError(t, err)
	require.NotNil(t, due.LastReminderAt)
	require.Len(t, env.notifier.calls, 1)
	require.Equal(t, int64(1), env.notifier.calls[0].patientID)
	requireMoney(t, "130", env.notifier.calls[0].amount)
	require.NotNil(t, env.repo.dues[bill.DueRecord.ID].LastReminderAt)

	_, err = env.svc.RecordPayment(ctx, PaymentInput{BillID: bill.ID, Amount: d("130")})
	require.NoError(t, err)
	_, err = env.svc.SendReminder(ctx, bill.DueRecord.ID)
	require.ErrorIs(t, err, ErrDueSettled)
	require.Len(t, env.notifier.calls, 1)

	env.notifier.err = errors.New("queue down")
	other, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)
	_, err = env.svc.SendReminder(ctx, other.DueRecord.ID)
	require.Error(t, err)
	require.Nil(t, env.repo.dues[other.DueRecord.ID].LastReminderAt)
}

func TestRemindOverdueRespectsInterval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	withPhone, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)
	noPhone := standardBill()
	noPhone.PatientID = 2
	_, err = env.svc.CreateBill(ctx, noPhone)
	require.NoError(t, err)

	asOf := withPhone.DueRecord.DueDate.AddDate(0, 0, 2).Add(9 * time.Hour)
	sent, err := env.svc.RemindOverdue(ctx, asOf, 72*time.Hour, 50)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	sent, err = env.svc.RemindOverdue(ctx, asOf.Add(24*time.Hour), 72*time.Hour, 50)
	require.NoError(t, err)
	require.Zero(t, sent)

	sent, err = env.svc.RemindOverdue(ctx, asOf.Add(73*time.Hour), 72*time.Hour, 50)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Len(t, env.notifier.calls, 2)
}

type reminderSwitch bool

func (r reminderSwitch) RemindersEnabled(context.Context) (bool, error) { return bool(r), nil }

func TestRemindOverdueHonoursSetting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bill, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)
	asOf := bill.DueRecord.DueDate.AddDate(0, 0, 3)

	env.svc.SetReminderGate(reminderSwitch(false))
	_, err = env.svc.RemindOverdue(ctx, asOf, time.Hour, 10)
	require.ErrorIs(t, err, ErrRemindersDisabled)
	require.Empty(t, env.notifier.calls)

	env.svc.SetReminderGate(reminderSwitch(true))
	sent, err := env.svc.RemindOverdue(ctx, asOf, time.Hour, 10)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
}

func TestSummaryAndListBills(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreateBill(ctx, standardBill())
	require.NoError(t, err)
	in := standardBill()
	in.InitialPayment = d("130")
	_, err = env.svc.CreateBill(ctx, in)
	require.NoError(t, err)

	summary, err := env.svc.Summary(ctx)
	require.NoError(t, err)
	requireMoney(t, "260", summary.Billed)
	requireMoney(t, "130", summary.Collected)
	requireMoney(t, "130", summary.Outstanding)
	requireMoney(t, "40", summary.Discounts)
	require.Equal(t, 1, summary.BillsByStatus[BillStatusPaid])
	require.Equal(t, 1, summary.BillsByStatus[BillStatusUnpaid])
	require.Equal(t, 1, summary.DuesByStatus[DueStatusPending])

	bills, total, err := env.svc.ListBills(ctx, BillFilter{Status: BillStatusPaid})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, bills, 1)

	_, _, err = env.svc.ListBills(ctx, BillFilter{Status: "Void"})
	require.ErrorIs(t, err, shared.ErrValidation)
}
