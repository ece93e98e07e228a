package billing

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/medidesk/medidesk/internal/platform/httpx"
	"github.com/medidesk/medidesk/internal/rbac"
	"github.com/medidesk/medidesk/internal/shared"
)

const (
	dateLayout        = "2006-01-02"
	idempotencyHeader = "Idempotency-Key"
	idempotencyModule = "billing.payment"
)

// IdempotencyPort guards payment submissions against replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Handler exposes billing and dues endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	rbac     rbac.Middleware
	validate *validator.Validate
	idem     IdempotencyPort
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// SetIdempotency enables Idempotency-Key handling on payment endpoints.
func (h *Handler) SetIdempotency(store IdempotencyPort) {
	h.idem = store
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireArea(shared.AreaBilling))
		r.Get("/bills", h.listBills)
		r.Post("/bills", h.createBill)
		r.Post("/bills/quote", h.quoteBill)
		r.Get("/bills/{id}", h.getBill)
		r.Post("/bills/{id}/payments", h.recordPayment)
		r.Get("/summary", h.summary)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireArea(shared.AreaDues))
		r.Get("/dues", h.listDues)
		r.Get("/dues/{id}", h.getDue)
		r.Post("/dues/{id}/payments", h.payDue)
		r.Post("/dues/{id}/reminders", h.sendReminder)
	})
}

type billItemRequest struct {
	ServiceID int64 `json:"service_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,min=1,max=1000"`
}

type createBillRequest struct {
	PatientID      int64             `json:"patient_id" validate:"required,gt=0"`
	Items          []billItemRequest `json:"items" validate:"required,min=1,max=50,dive"`
	Discount       decimal.Decimal   `json:"discount"`
	InitialPayment decimal.Decimal   `json:"initial_payment"`
	PaymentMethod  string            `json:"payment_method" validate:"omitempty,oneof=cash card transfer insurance"`
	DueDate        string            `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Notes          string            `json:"notes" validate:"max=2000"`
}

func (req createBillRequest) toInput() (CreateBillInput, error) {
	input := CreateBillInput{
		PatientID:      req.PatientID,
		Discount:       req.Discount,
		InitialPayment: req.InitialPayment,
		PaymentMethod:  PaymentMethod(req.PaymentMethod),
		Notes:          req.Notes,
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, ItemInput{ServiceID: item.ServiceID, Quantity: item.Quantity})
	}
	if req.DueDate != "" {
		d, err := time.Parse(dateLayout, req.DueDate)
		if err != nil {
			return CreateBillInput{}, err
		}
		input.DueDate = &d
	}
	return input, nil
}

type paymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method" validate:"omitempty,oneof=cash card transfer insurance"`
	Note   string          `json:"note" validate:"max=500"`
}

type quoteResponse struct {
	Totals Totals     `json:"totals"`
	Lines  []LineItem `json:"lines"`
}

type listBillsResponse struct {
	Data       []Bill            `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) listBills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := BillFilter{
		PatientID: int64(httpx.QueryInt(r, "patient_id", 0)),
		Status:    BillStatus(q.Get("status")),
		Page:      httpx.QueryInt(r, "page", 1),
		PerPage:   httpx.QueryInt(r, "per_page", 20),
	}
	bills, total, err := h.service.ListBills(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "list bills", err)
		return
	}
	page, perPage := shared.NormalizePage(filter.Page, filter.PerPage)
	if bills == nil {
		bills = []Bill{}
	}
	httpx.JSON(w, http.StatusOK, listBillsResponse{Data: bills, Pagination: shared.NewPagination(page, perPage, total)})
}

func (h *Handler) decodeBill(w http.ResponseWriter, r *http.Request) (CreateBillInput, bool) {
	var req createBillRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return CreateBillInput{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return CreateBillInput{}, false
	}
	input, err := req.toInput()
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "due_date must be YYYY-MM-DD")
		return CreateBillInput{}, false
	}
	return input, true
}

func (h *Handler) createBill(w http.ResponseWriter, r *http.Request) {
	input, ok := h.decodeBill(w, r)
	if !ok {
		return
	}
	bill, err := h.service.CreateBill(r.Context(), input)
	if err != nil {
		h.fail(w, r, "create bill", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, bill)
}

func (h *Handler) quoteBill(w http.ResponseWriter, r *http.Request) {
	input, ok := h.decodeBill(w, r)
	if !ok {
		return
	}
	totals, lines, err := h.service.Quote(r.Context(), input)
	if err != nil {
		h.fail(w, r, "quote bill", err)
		return
	}
	httpx.JSON(w, http.StatusOK, quoteResponse{Totals: totals, Lines: lines})
}

func (h *Handler) getBill(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	bill, err := h.service.GetBill(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get bill", err)
		return
	}
	httpx.JSON(w, http.StatusOK, bill)
}

func (h *Handler) decodePayment(w http.ResponseWriter, r *http.Request) (paymentRequest, bool) {
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return req, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return req, false
	}
	return req, true
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, ok := h.decodePayment(w, r)
	if !ok {
		return
	}
	h.guardPayment(w, r, "record payment", func(ctx context.Context) (Receipt, error) {
		return h.service.RecordPayment(ctx, PaymentInput{
			BillID: id,
			Amount: req.Amount,
			Method: PaymentMethod(req.Method),
			Note:   req.Note,
		})
	})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		h.fail(w, r, "billing summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) listDues(w http.ResponseWriter, r *http.Request) {
	dues, err := h.service.ListDues(r.Context(), DueFilter{
		Status:    DueStatus(r.URL.Query().Get("status")),
		PatientID: int64(httpx.QueryInt(r, "patient_id", 0)),
		Limit:     httpx.QueryInt(r, "limit", 200),
	})
	if err != nil {
		h.fail(w, r, "list dues", err)
		return
	}
	if dues == nil {
		dues = []DueView{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": dues})
}

func (h *Handler) getDue(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	due, err := h.service.GetDue(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get due", err)
		return
	}
	httpx.JSON(w, http.StatusOK, due)
}

func (h *Handler) payDue(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, ok := h.decodePayment(w, r)
	if !ok {
		return
	}
	h.guardPayment(w, r, "pay due", func(ctx context.Context) (Receipt, error) {
		return h.service.PayDue(ctx, id, req.Amount, PaymentMethod(req.Method), req.Note)
	})
}

func (h *Handler) sendReminder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	due, err := h.service.SendReminder(r.Context(), id)
	if err != nil {
		h.fail(w, r, "send reminder", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, due)
}

// guardPayment runs pay once per Idempotency-Key. The key is released when pay fails so
// the client can retry.
func (h *Handler) guardPayment(w http.ResponseWriter, r *http.Request, op string, pay func(context.Context) (Receipt, error)) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key != "" && h.idem != nil {
		if err := h.idem.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			h.fail(w, r, op, err)
			return
		}
	}
	receipt, err := pay(ctx)
	if err != nil {
		if key != "" && h.idem != nil {
			if derr := h.idem.Delete(ctx, key, idempotencyModule); derr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", derr))
			}
		}
		h.fail(w, r, op, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receipt)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
