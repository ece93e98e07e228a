package users

import (
	"errors"
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

// Handler manages user management endpoints.
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

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireArea(shared.AreaUsers))
		r.Get("/", h.listUsers)
		r.Post("/", h.createUser)
		r.Get("/{id}", h.getUser)
		r.Put("/{id}/role", h.changeRole)
		r.Put("/{id}/status", h.setStatus)
		r.Put("/{id}/password", h.resetPassword)
	})
}

// MountCredentialRoutes registers the credential check used by the gateway.
func (h *Handler) MountCredentialRoutes(r chi.Router) {
	r.With(httprate.LimitByIP(10, time.Minute)).Post("/verify", h.verify)
}

type roleRequest struct {
	Role string `json:"role" validate:"required,oneof=doctor admin receptionist"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=active inactive"`
}

type passwordRequest struct {
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type verifyRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	profiles, err := h.service.List(r.Context(), ListFilter{Role: q.Get("role"), Status: q.Get("status")})
	if err != nil {
		h.fail(w, "list users", err)
		return
	}
	if profiles == nil {
		profiles = []Profile{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": profiles})
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateInput
	if !h.decode(w, r, &req) {
		return
	}
	profile, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.fail(w, "create user", err)
		return
	}
	h.logger.Info("user created", slog.Int64("user_id", profile.ID), slog.String("role", profile.Role), slog.Int64("actor_id", shared.ActorID(r.Context())))
	httpx.JSON(w, http.StatusCreated, profile)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	profile, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	profile, err := h.service.ChangeRole(r.Context(), id, req.Role)
	if err != nil {
		h.fail(w, "change role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	profile, err := h.service.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, "set status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req passwordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.ResetPassword(r.Context(), id, req.Password); err != nil {
		h.fail(w, "reset password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	profile, err := h.service.VerifyCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, "verify credentials", err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
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
	if !httpx.IsClientError(err) && !errors.Is(err, shared.ErrUnauthorized) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
