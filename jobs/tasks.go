package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMessages carries outbound SMS so bulk sends do not starve maintenance work.
	QueueMessages = "messages"

	// TaskRefreshOverdue persists Pending to Overdue for dues past their date.
	TaskRefreshOverdue = "dues:refresh_overdue"
	// TaskSendReminders queues payment-due SMS for overdue balances.
	TaskSendReminders = "dues:send_reminders"
	// TaskSendSMS delivers one queued SMS.
	TaskSendSMS = "sms:send"
	// TaskIdempotencyCleanup drops expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// SendSMSPayload identifies the outbox row to deliver.
type SendSMSPayload struct {
	MessageID int64 `json:"message_id"`
}

// NewSendSMSTask constructs an sms:send task. The task id is derived from the message so a
// message is never queued twice.
func NewSendSMSTask(messageID int64) (*asynq.Task, error) {
	data, err := json.Marshal(SendSMSPayload{MessageID: messageID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSendSMS, data,
		asynq.Queue(QueueMessages),
		asynq.MaxRetry(5),
		asynq.TaskID(fmt.Sprintf("sms-%d", messageID)),
	), nil
}

// NewRefreshOverdueTask constructs the periodic overdue refresh.
func NewRefreshOverdueTask() *asynq.Task {
	return asynq.NewTask(TaskRefreshOverdue, nil, asynq.MaxRetry(3), asynq.Timeout(5*time.Minute))
}

// NewSendRemindersTask constructs the daily reminder run.
func NewSendRemindersTask() *asynq.Task {
	return asynq.NewTask(TaskSendReminders, nil, asynq.MaxRetry(1), asynq.Timeout(15*time.Minute))
}

// NewIdempotencyCleanupTask constructs the key expiry sweep.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.MaxRetry(1))
}

// DefaultSchedule returns the cron registrations the worker runs.
func DefaultSchedule() []CronRegistration {
	return []CronRegistration{
		{Spec: "@hourly", Task: NewRefreshOverdueTask()},
		{Spec: "0 9 * * *", Task: NewSendRemindersTask()},
		{Spec: "30 3 * * *", Task: NewIdempotencyCleanupTask()},
	}
}
