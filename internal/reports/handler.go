package reports

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medidesk/medidesk/internal/platform/httpx"
	"github.com/medidesk/medidesk/internal/rbac"
	"github.com/medidesk/medidesk/internal/shared"
)

// Handler exposes report endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.rbac.RequireArea(shared.AreaReports))
	r.Get("/dashboard", h.dashboard)
	r.Get("/revenue/services", h.revenueByService)
	r.Get("/revenue/monthly", h.monthly)
	r.Get("/dues/aging", h.aging)
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.service.Dashboard(r.Context())
	if err != nil {
		h.fail(w, "dashboard", err)
		return
	}
	httpx.JSON(w, http.StatusOK, dash)
}

func (h *Handler) revenueByService(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRange(w, r)
	if !ok {
		return
	}
	rows, err := h.service.RevenueByService(r.Context(), rng)
	if err != nil {
		h.fail(w, "revenue by service", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": rows})
}

func (h *Handler) monthly(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRange(w, r)
	if !ok {
		return
	}
	rows, err := h.service.MonthlyRevenue(r.Context(), rng)
	if err != nil {
		h.fail(w, "monthly revenue", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": rows})
}

func (h *Handler) aging(w http.ResponseWriter, r *http.Request) {
	var asOf time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid date", "as_of must be YYYY-MM-DD")
			return
		}
		asOf = parsed
	}
	buckets, err := h.service.DueAging(r.Context(), asOf)
	if err != nil {
		h.fail(w, "due aging", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": buckets})
}

func parseRange(w http.ResponseWriter, r *http.Request) (Range, bool) {
	q := r.URL.Query()
	from, errFrom := time.Parse("2006-01-02", q.Get("from"))
	to, errTo := time.Parse("2006-01-02", q.Get("to"))
	if errFrom != nil || errTo != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid range", "from and to must be YYYY-MM-DD")
		return Range{}, false
	}
	return Range{From: from, To: to}, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
