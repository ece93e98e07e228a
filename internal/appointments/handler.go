package appointments

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/medidesk/medidesk/internal/platform/httpx"
	"github.com/medidesk/medidesk/internal/rbac"
	"github.com/medidesk/medidesk/internal/shared"
)

// Handler exposes appointment endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	rbac     rbac.Middleware
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// MountRoutes registers appointment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.rbac.RequireArea(shared.AreaAppointments))
	r.Get("/", h.list)
	r.Post("/", h.schedule)
	r.Get("/{id}", h.get)
	r.Put("/{id}/schedule", h.reschedule)
	r.Post("/{id}/status", h.transition)
}

type statusRequest struct {
	Status Status `json:"status" validate:"required,oneof=Pending Confirmed Cancelled Completed"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Status:    Status(q.Get("status")),
		PatientID: int64(httpx.QueryInt(r, "patient_id", 0)),
		Limit:     httpx.QueryInt(r, "limit", 200),
	}
	if raw := q.Get("date"); raw != "" {
		day, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid date", "date must be YYYY-MM-DD")
			return
		}
		filter.Day = &day
	}
	appts, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "list appointments", err)
		return
	}
	if appts == nil {
		appts = []Appointment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": appts})
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	var in ScheduleInput
	if !h.decode(w, r, &in) {
		return
	}
	appt, err := h.service.Schedule(r.Context(), in)
	if err != nil {
		h.fail(w, "schedule appointment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, appt)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	appt, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get appointment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, appt)
}

func (h *Handler) reschedule(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in RescheduleInput
	if !h.decode(w, r, &in) {
		return
	}
	appt, err := h.service.Reschedule(r.Context(), id, in)
	if err != nil {
		h.fail(w, "reschedule appointment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, appt)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	appt, err := h.service.Transition(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, "transition appointment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, appt)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
