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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medidesk/medidesk/internal/app"
	"github.com/medidesk/medidesk/internal/billing"
	"github.com/medidesk/medidesk/internal/catalog"
	jobmetrics "github.com/medidesk/medidesk/internal/jobs"
	"github.com/medidesk/medidesk/internal/patients"
	"github.com/medidesk/medidesk/internal/platform/cache"
	"github.com/medidesk/medidesk/internal/platform/db"
	"github.com/medidesk/medidesk/internal/reports"
	"github.com/medidesk/medidesk/internal/settings"
	"github.com/medidesk/medidesk/internal/shared"
	"github.com/medidesk/medidesk/internal/sms"
	"github.com/medidesk/medidesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	auditLogger := shared.NewAuditLogger(pool)
	settingsService := settings.NewService(settings.NewRepository(pool), redisClient, cfg.CacheTTL, cfg.SettingsDefaults(), logger)
	loc, err := settingsService.Location(ctx)
	if err != nil {
		logger.Warn("load clinic time zone", slog.Any("error", err))
		loc = cfg.Location()
	}

	patientsService := patients.NewService(patients.NewRepository(pool), auditLogger)
	smsService := sms.NewService(sms.NewRepository(pool), patientsService, jobClient, sms.LogSender{Logger: logger}, cfg.Currency, logger)
	smsService.SetProfile(settingsService)

	reportsService := reports.NewService(reports.NewRepository(pool), reports.NewCache(redisClient, cfg.CacheTTL), loc)

	billingService := billing.NewService(billing.NewRepository(pool), catalog.NewService(catalog.NewRepository(pool)), logger)
	billingService.SetAudit(auditLogger)
	billingService.SetTerms(settingsService)
	billingService.SetNotifier(smsService)
	billingService.SetCacheInvalidator(reportsService)
	billingService.SetLocation(loc)
	billingService.SetReminderGate(settingsService)

	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)
	runner := jobs.NewRunner(billingService, smsService, shared.NewIdempotencyStore(pool), metrics, logger, jobs.Options{
		ReminderInterval: cfg.ReminderInterval,
		ReminderBatch:    cfg.ReminderBatch,
		IdempotencyTTL:   cfg.IdempotencyTTL,
	})

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    loc,
		Handlers:    runner.Handlers(),
		Cron:        jobs.DefaultSchedule(),
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
