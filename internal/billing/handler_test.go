package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/medidesk/medidesk/internal/platform/httpx"
	"github.com/medidesk/medidesk/internal/rbac"
	"github.com/medidesk/medidesk/internal/shared"
	_ "github.com/medidesk/medidesk/testing"
)

type staffDirectory map[int64]string

func (s staffDirectory) LookupActor(_ context.Context, id int64) (shared.Actor, error) {
	role, ok := s[id]
	if !ok {
		return shared.Actor{}, shared.ErrNotFound
	}
	return shared.Actor{UserID: id, Role: role}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := rbac.Middleware{Directory: staffDirectory{1: shared.RoleAdmin, 2: shared.RoleReceptionist, 3: shared.RoleDoctor}, Logger: logger}
	r := chi.NewRouter()
	r.Route("/billing", NewHandler(logger, env.svc, mw).MountRoutes)
	return r, env
}

func doJSON(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(rbac.UserHeader, user)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateBillAndPay(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/billing/bills", "2", map[string]any{
		"patient_id": 1,
		"items":      []map[string]any{{"service_id": 10, "quantity": 1}, {"service_id": 11, "quantity": 1}},
		"discount":   "20",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var bill Bill
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bill))
	requireMoney(t, "130", bill.Total)
	require.Equal(t, BillStatusUnpaid, bill.Status)
	require.NotNil(t, bill.DueRecord)

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/billing/bills/%d/payments", bill.ID), "2", map[string]any{"amount": "200"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Contains(t, problem.Detail, "invalid payment amount")

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/billing/dues/%d/payments", bill.DueRecord.ID), "2", map[string]any{"amount": 130, "method": "card"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var receipt Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	require.Equal(t, BillStatusPaid, receipt.Bill.Status)
	require.Equal(t, DueStatusPaid, receipt.Due.Status)

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/billing/dues/%d/reminders", bill.DueRecord.ID), "2", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerValidationAndRoles(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/billing/bills", "2", map[string]any{"patient_id": 1, "items": []any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "min", problem.Fields["Items"])

	rec = doJSON(t, h, http.MethodPost, "/billing/bills", "2", map[string]any{
		"patient_id": 1,
		"items":      []map[string]any{{"service_id": 10, "quantity": 1}},
		"discount":   "80",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/billing/bills", "2", map[string]any{"patient_id": 1, "unknown": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/billing/bills", "3", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/billing/bills", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/billing/bills/77", "1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerDueDateIsClinicCalendarDay(t *testing.T) {
	h, env := newTestRouter(t)
	env.svc.SetLocation(time.FixedZone("clinic", 6*3600))
	env.now = time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC)
	body := func(due string) map[string]any {
		return map[string]any{
			"patient_id": 1,
			"items":      []map[string]any{{"service_id": 10, "quantity": 1}},
			"due_date":   due,
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/billing/bills", "2", body("2026-10-18"))
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/billing/bills", "2", body("2026-10-19"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var bill Bill
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bill))
	require.NotNil(t, bill.DueRecord)
	require.True(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC).Equal(bill.DueRecord.DueDate))
}

func TestHandlerQuoteDoesNotPersist(t *testing.T) {
	h, env := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/billing/bills/quote", "1", map[string]any{
		"patient_id":      1,
		"items":           []map[string]any{{"service_id": 10, "quantity": 2}},
		"initial_payment": "25.50",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var quote quoteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))
	requireMoney(t, "100", quote.Totals.Total)
	requireMoney(t, "74.50", quote.Totals.Due)
	require.Equal(t, BillStatusPartial, quote.Totals.Status)
	require.Empty(t, env.repo.bills)
}

func TestHandlerListDues(t *testing.T) {
	h, env := newTestRouter(t)
	bill, err := env.svc.CreateBill(context.Background(), standardBill())
	require.NoError(t, err)
	env.now = bill.DueRecord.DueDate.AddDate(0, 0, 1)

	rec := doJSON(t, h, http.MethodGet, "/billing/dues?status=Overdue", "2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []DueView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, DueStatusOverdue, body.Data[0].Status)
	require.Equal(t, "Ana Ruiz", body.Data[0].PatientName)
}

type memoryIdempotency struct {
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	if m.keys[module+":"+key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+":"+key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key, module string) error {
	delete(m.keys, module+":"+key)
	return nil
}

func TestHandlerPaymentIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, env.svc, rbac.Middleware{Directory: staffDirectory{2: shared.RoleReceptionist}})
	store := &memoryIdempotency{keys: map[string]bool{}}
	handler.SetIdempotency(store)
	r := chi.NewRouter()
	r.Route("/billing", handler.MountRoutes)

	bill, err := env.svc.CreateBill(context.Background(), standardBill())
	require.NoError(t, err)
	path := fmt.Sprintf("/billing/bills/%d/payments", bill.ID)

	send := func(key string, amount string) int {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"amount":"`+amount+`"}`))
		req.Header.Set(rbac.UserHeader, "2")
		req.Header.Set("Idempotency-Key", key)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusCreated, send("k-1", "10"))
	require.Equal(t, http.StatusConflict, send("k-1", "10"))
	require.Equal(t, http.StatusBadRequest, send("k-2", "500"))
	require.Equal(t, http.StatusCreated, send("k-2", "20"))

	stored, err := env.svc.GetBill(context.Background(), bill.ID)
	require.NoError(t, err)
	requireMoney(t, "30", stored.Paid)
}
