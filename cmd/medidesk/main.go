package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/medidesk/medidesk/internal/app"
	"github.com/medidesk/medidesk/internal/appointments"
	"github.com/medidesk/medidesk/internal/billing"
	"github.com/medidesk/medidesk/internal/catalog"
	"github.com/medidesk/medidesk/internal/observability"
	"github.com/medidesk/medidesk/internal/patients"
	"github.com/medidesk/medidesk/internal/platform/cache"
	"github.com/medidesk/medidesk/internal/platform/db"
	"github.com/medidesk/medidesk/internal/rbac"
	"github.com/medidesk/medidesk/internal/reports"
	"github.com/medidesk/medidesk/internal/settings"
	"github.com/medidesk/medidesk/internal/shared"
	"github.com/medidesk/medidesk/internal/sms"
	"github.com/medidesk/medidesk/internal/users"
	"github.com/medidesk/medidesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	settingsService := settings.NewService(settings.NewRepository(dbpool), redisClient, cfg.CacheTTL, cfg.SettingsDefaults(), logger)
	settingsService.SetAudit(auditLogger)
	loc, err := settingsService.Location(ctx)
	if err != nil {
		logger.Warn("load clinic time zone", slog.Any("error", err))
		loc = cfg.Location()
	}

	usersService := users.NewService(users.NewRepository(dbpool))
	rbacMiddleware := rbac.Middleware{Directory: usersService, Logger: logger}

	patientsService := patients.NewService(patients.NewRepository(dbpool), auditLogger)
	catalogService := catalog.NewService(catalog.NewRepository(dbpool))

	smsService := sms.NewService(sms.NewRepository(dbpool), patientsService, jobClient, sms.LogSender{Logger: logger}, cfg.Currency, logger)
	smsService.SetProfile(settingsService)

	appointmentsService := appointments.NewService(appointments.NewRepository(dbpool), loc, logger)
	appointmentsService.SetNotifier(smsService)

	reportsService := reports.NewService(reports.NewRepository(dbpool), reports.NewCache(redisClient, cfg.CacheTTL), loc)

	billingService := billing.NewService(billing.NewRepository(dbpool), catalogService, logger)
	billingService.SetAudit(auditLogger)
	billingService.SetTerms(settingsService)
	billingService.SetNotifier(smsService)
	billingService.SetCacheInvalidator(reportsService)
	billingService.SetLocation(loc)
	billingService.SetReminderGate(settingsService)

	billingHandler := billing.NewHandler(logger, billingService, rbacMiddleware)
	billingHandler.SetIdempotency(idempotencyStore)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		RBACMiddleware: rbacMiddleware,
		Metrics:        observability.NewMetrics(),
		Ready: map[string]app.ReadinessCheck{
			"postgres": dbpool.Ping,
			"redis":    func(ctx context.Context) error { return redisPing(ctx, redisClient) },
		},
		PatientsHandler:     patients.NewHandler(logger, patientsService, rbacMiddleware),
		CatalogHandler:      catalog.NewHandler(logger, catalogService, rbacMiddleware),
		AppointmentsHandler: appointments.NewHandler(logger, appointmentsService, rbacMiddleware),
		BillingHandler:      billingHandler,
		SMSHandler:          sms.NewHandler(logger, smsService, rbacMiddleware),
		UsersHandler:        users.NewHandler(logger, usersService, rbacMiddleware),
		SettingsHandler:     settings.NewHandler(logger, settingsService, rbacMiddleware),
		ReportsHandler:      reports.NewHandler(logger, reportsService, rbacMiddleware),
		JobHandler:          jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func redisPing(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
