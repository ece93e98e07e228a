package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/medidesk/medidesk/internal/billing"
	jobmetrics "github.com/medidesk/medidesk/internal/jobs"
)

// DuesService is the billing surface the dues jobs drive.
type DuesService interface {
	RefreshOverdue(ctx context.Context, asOf time.Time) (int64, error)
	RemindOverdue(ctx context.Context, asOf time.Time, interval time.Duration, limit int) (int, error)
}

// SMSDeliverer sends one outbox message.
type SMSDeliverer interface {
	Deliver(ctx context.Context, messageID int64, final bool) error
}

// KeyCleaner expires idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Options tunes the periodic jobs.
type Options struct {
	ReminderInterval time.Duration
	ReminderBatch    int
	IdempotencyTTL   time.Duration
}

// Runner holds the dependencies of every task handler.
type Runner struct {
	dues    DuesService
	sms     SMSDeliverer
	keys    KeyCleaner
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
	opts    Options
	now     func() time.Time
}

// NewRunner constructs the task handlers. Zero options take defaults.
func NewRunner(dues DuesService, sms SMSDeliverer, keys KeyCleaner, metrics *jobmetrics.Metrics, logger *slog.Logger, opts Options) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReminderInterval <= 0 {
		opts.ReminderInterval = 72 * time.Hour
	}
	if opts.ReminderBatch <= 0 {
		opts.ReminderBatch = 200
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	return &Runner{dues: dues, sms: sms, keys: keys, metrics: metrics, logger: logger, opts: opts, now: time.Now}
}

// WithNow overrides the clock for testing.
func (r *Runner) WithNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Handlers lists the task handlers for the worker mux.
func (r *Runner) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskRefreshOverdue, Handler: r.HandleRefreshOverdue},
		{Type: TaskSendReminders, Handler: r.HandleSendReminders},
		{Type: TaskSendSMS, Handler: r.HandleSendSMS},
		{Type: TaskIdempotencyCleanup, Handler: r.HandleIdempotencyCleanup},
	}
}

// HandleRefreshOverdue marks dues whose date has passed as Overdue.
func (r *Runner) HandleRefreshOverdue(ctx context.Context, _ *asynq.Task) error {
	tracker := r.metrics.Track(TaskRefreshOverdue)
	n, err := r.dues.RefreshOverdue(ctx, r.now())
	if err != nil {
		return tracker.End(err)
	}
	r.logger.Info("overdue dues refreshed", slog.String("job", TaskRefreshOverdue), slog.Int64("updated", n))
	return tracker.End(nil)
}

// HandleSendReminders queues payment reminders unless the clinic has disabled them.
func (r *Runner) HandleSendReminders(ctx context.Context, _ *asynq.Task) error {
	tracker := r.metrics.Track(TaskSendReminders)
	sent, err := r.dues.RemindOverdue(ctx, r.now(), r.opts.ReminderInterval, r.opts.ReminderBatch)
	if errors.Is(err, billing.ErrRemindersDisabled) {
		r.logger.Info("payment reminders disabled", slog.String("job", TaskSendReminders))
		return tracker.End(nil)
	}
	if err != nil {
		return tracker.End(err)
	}
	r.metrics.AddReminders(sent)
	r.logger.Info("payment reminders queued", slog.String("job", TaskSendReminders), slog.Int("sent", sent))
	return tracker.End(nil)
}

// HandleSendSMS delivers one message. The last retry marks the message Failed.
func (r *Runner) HandleSendSMS(ctx context.Context, t *asynq.Task) error {
	var payload SendSMSPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.MessageID <= 0 {
		return fmt.Errorf("decode %s payload: %w", TaskSendSMS, asynq.SkipRetry)
	}
	tracker := r.metrics.Track(TaskSendSMS)
	err := r.sms.Deliver(ctx, payload.MessageID, finalAttempt(ctx))
	if err != nil {
		r.metrics.ObserveDelivery("failed")
	} else {
		r.metrics.ObserveDelivery("sent")
	}
	return tracker.End(err)
}

// HandleIdempotencyCleanup removes idempotency keys older than the configured TTL.
func (r *Runner) HandleIdempotencyCleanup(ctx context.Context, _ *asynq.Task) error {
	tracker := r.metrics.Track(TaskIdempotencyCleanup)
	n, err := r.keys.Cleanup(ctx, r.opts.IdempotencyTTL)
	if err != nil {
		return tracker.End(err)
	}
	r.logger.Info("idempotency keys expired", slog.String("job", TaskIdempotencyCleanup), slog.Int64("deleted", n))
	return tracker.End(nil)
}

func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	max, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried >= max
}
