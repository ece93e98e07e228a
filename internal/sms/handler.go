package sms

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/medidesk/medidesk/internal/platform/httpx"
	"github.com/medidesk/medidesk/internal/rbac"
	"github.com/medidesk/medidesk/internal/shared"
)

// Handler exposes SMS endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	rbac     rbac.Middleware
	validate *validator.Validate
	limiter  func(http.Handler) http.Handler
}

// NewHandler builds Handler instance. Broadcasts are limited per client IP.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		rbac:     rbac,
		validate: validator.New(),
		limiter:  httprate.LimitByIP(5, time.Minute),
	}
}

// MountRoutes registers SMS routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.rbac.RequireArea(shared.AreaSMS))
	r.Get("/templates", h.templates)
	r.Get("/messages", h.list)
	r.Post("/messages", h.send)
	r.Get("/messages/{id}", h.get)
	r.Post("/messages/{id}/delivered", h.delivered)
	r.With(h.limiter).Post("/broadcast", h.broadcast)
}

type preview struct {
	Template
	Segments int `json:"segments"`
}

func (h *Handler) templates(w http.ResponseWriter, r *http.Request) {
	list := Templates()
	out := make([]preview, 0, len(list))
	for _, t := range list {
		out = append(out, preview{Template: t, Segments: Segments(t.Content)})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{
		Status:    Status(r.URL.Query().Get("status")),
		PatientID: int64(httpx.QueryInt(r, "patient_id", 0)),
		Limit:     httpx.QueryInt(r, "limit", 100),
	}
	msgs, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "list sms", err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": msgs})
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var in SendInput
	if !h.decode(w, r, &in) {
		return
	}
	msg, err := h.service.Send(r.Context(), in)
	if err != nil {
		h.fail(w, "send sms", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, msg)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	msg, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get sms", err)
		return
	}
	httpx.JSON(w, http.StatusOK, msg)
}

func (h *Handler) delivered(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	msg, err := h.service.MarkDelivered(r.Context(), id)
	if err != nil {
		h.fail(w, "mark sms delivered", err)
		return
	}
	httpx.JSON(w, http.StatusOK, msg)
}

func (h *Handler) broadcast(w http.ResponseWriter, r *http.Request) {
	var in BroadcastInput
	if !h.decode(w, r, &in) {
		return
	}
	result, err := h.service.Broadcast(r.Context(), in)
	if err != nil {
		h.fail(w, "broadcast sms", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, result)
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
