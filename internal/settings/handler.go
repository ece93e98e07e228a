package settings

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/medidesk/medidesk/internal/platform/httpx"
	"github.com/medidesk/medidesk/internal/rbac"
	"github.com/medidesk/medidesk/internal/shared"
)

// Handler exposes settings endpoints.
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

// MountRoutes registers settings routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.rbac.RequireArea(shared.AreaSettings))
	r.Get("/", h.all)
	r.Get("/{key}", h.get)
	r.Put("/{key}", h.put)
}

type putRequest struct {
	Value string `json:"value" validate:"max=500"`
}

type setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *Handler) all(w http.ResponseWriter, r *http.Request) {
	all, err := h.service.All(r.Context())
	if err != nil {
		h.fail(w, "list settings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, all)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := h.service.Get(r.Context(), key)
	if err != nil {
		h.fail(w, "get setting", err)
		return
	}
	httpx.JSON(w, http.StatusOK, setting{Key: key, Value: value})
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req putRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	value, err := h.service.Put(r.Context(), key, req.Value)
	if err != nil {
		h.fail(w, "put setting", err)
		return
	}
	httpx.JSON(w, http.StatusOK, setting{Key: key, Value: value})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
