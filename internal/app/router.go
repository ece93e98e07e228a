package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medidesk/medidesk/internal/appointments"
	"github.com/medidesk/medidesk/internal/billing"
	"github.com/medidesk/medidesk/internal/catalog"
	"github.com/medidesk/medidesk/internal/observability"
	"github.com/medidesk/medidesk/internal/patients"
	"github.com/medidesk/medidesk/internal/platform/httpx"
	"github.com/medidesk/medidesk/internal/rbac"
	"github.com/medidesk/medidesk/internal/reports"
	"github.com/medidesk/medidesk/internal/settings"
	"github.com/medidesk/medidesk/internal/sms"
	"github.com/medidesk/medidesk/internal/users"
	"github.com/medidesk/medidesk/jobs"
)

// ReadinessCheck reports whether a backing service is reachable.
type ReadinessCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	RBACMiddleware rbac.Middleware
	Metrics        *observability.Metrics
	Ready          map[string]ReadinessCheck

	PatientsHandler     *patients.Handler
	CatalogHandler      *catalog.Handler
	AppointmentsHandler *appointments.Handler
	BillingHandler      *billing.Handler
	SMSHandler          *sms.Handler
	UsersHandler        *users.Handler
	SettingsHandler     *settings.Handler
	ReportsHandler      *reports.Handler
	JobHandler          *jobs.Handler
}

// NewRouter constructs the chi.Router with MediDesk defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(params.Logger, params.Ready))

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if params.UsersHandler != nil {
			r.Route("/auth", params.UsersHandler.MountCredentialRoutes)
		}
		r.Group(func(r chi.Router) {
			r.Use(params.RBACMiddleware.Resolve)
			mount(r, "/patients", params.PatientsHandler)
			mount(r, "/catalog", params.CatalogHandler)
			mount(r, "/appointments", params.AppointmentsHandler)
			mount(r, "/billing", params.BillingHandler)
			mount(r, "/sms", params.SMSHandler)
			mount(r, "/users", params.UsersHandler)
			mount(r, "/settings", params.SettingsHandler)
			mount(r, "/reports", params.ReportsHandler)
			if params.JobHandler != nil {
				r.Route("/jobs", params.JobHandler.MountRoutes)
			}
		})
	})

	return r
}

type routeMounter interface {
	MountRoutes(r chi.Router)
}

func mount[H routeMounter](r chi.Router, prefix string, handler H) {
	var zero H
	if any(handler) == any(zero) {
		return
	}
	r.Route(prefix, handler.MountRoutes)
}

func readiness(logger *slog.Logger, checks map[string]ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		report := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn("readiness check failed", slog.String("check", name), slog.Any("error", err))
				report[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			report[name] = "up"
		}
		httpx.JSON(w, status, report)
	}
}
