package sms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medidesk/medidesk/internal/patients"
	"github.com/medidesk/medidesk/internal/shared"
)

// RepositoryPort persists the outbox.
type RepositoryPort interface {
	Insert(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id int64) (Message, error)
	List(ctx context.Context, filter ListFilter) ([]Message, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkDelivered(ctx context.Context, id int64) (bool, error)
	RecordFailure(ctx context.Context, id int64, reason string, final bool) error
}

// ContactSource resolves patient names and phones.
type ContactSource interface {
	Contacts(ctx context.Context, ids []int64) (map[int64]patients.Contact, error)
}

// Dispatcher hands a persisted message to the delivery queue.
type Dispatcher interface {
	EnqueueSMS(ctx context.Context, messageID int64) error
}

// Sender delivers one message to a carrier.
type Sender interface {
	Send(ctx context.Context, senderID, phone, body string) error
}

// ProfileSource supplies clinic-level settings used when composing messages.
type ProfileSource interface {
	Currency(ctx context.Context) (string, error)
	SenderID(ctx context.Context) (string, error)
}

// Service composes, queues and delivers SMS.
type Service struct {
	repo       RepositoryPort
	contacts   ContactSource
	dispatcher Dispatcher
	sender     Sender
	profile    ProfileSource
	currency   string
	logger     *slog.Logger
	now        func() time.Time
}

// NewService constructs the service. currency is the fallback ISO code for amounts.
func NewService(repo RepositoryPort, contacts ContactSource, dispatcher Dispatcher, sender Sender, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		contacts:   contacts,
		dispatcher: dispatcher,
		sender:     sender,
		currency:   currency,
		logger:     logger,
		now:        time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetProfile lets clinic settings override the currency and sender id.
func (s *Service) SetProfile(p ProfileSource) {
	s.profile = p
}

// Renderer returns the template renderer for the clinic currency.
func (s *Service) Renderer(ctx context.Context) Renderer {
	code := s.currency
	if s.profile != nil {
		if c, err := s.profile.Currency(ctx); err == nil && c != "" {
			code = c
		}
	}
	return NewRenderer(code)
}

// Send queues a single message. When a template is named it is rendered with the patient's
// name; otherwise Body is sent with placeholders expanded.
func (s *Service) Send(ctx context.Context, in SendInput) (Message, error) {
	msg := Message{Phone: strings.TrimSpace(in.Phone), Template: in.Template}
	vars := in.Vars
	if in.PatientID > 0 {
		contact, err := s.contact(ctx, in.PatientID)
		if err != nil {
			return Message{}, err
		}
		id := in.PatientID
		msg.PatientID = &id
		if msg.Phone == "" {
			msg.Phone = contact.Phone
		}
		if vars.PatientName == "" {
			vars.PatientName = contact.Name
		}
	}
	body, err := s.compose(ctx, in.Template, in.Body, vars)
	if err != nil {
		return Message{}, err
	}
	msg.Body = body
	return s.queue(ctx, msg)
}

// Broadcast queues one message per patient. Patients without a phone are skipped.
func (s *Service) Broadcast(ctx context.Context, in BroadcastInput) (BroadcastResult, error) {
	if len(in.PatientIDs) == 0 {
		return BroadcastResult{}, ErrNoRecipient
	}
	renderer := s.Renderer(ctx)
	if in.Template != "" {
		if _, err := renderer.Render(in.Template, in.Vars); err != nil {
			return BroadcastResult{}, err
		}
	}
	contacts, err := s.contacts.Contacts(ctx, in.PatientIDs)
	if err != nil {
		return BroadcastResult{}, err
	}
	result := BroadcastResult{Queued: []Message{}, Skipped: []int64{}}
	seen := make(map[int64]struct{}, len(in.PatientIDs))
	for _, id := range in.PatientIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		contact, ok := contacts[id]
		if !ok || strings.TrimSpace(contact.Phone) == "" {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		vars := in.Vars
		vars.PatientName = contact.Name
		body, err := s.composeWith(renderer, in.Template, in.Body, vars)
		if err != nil {
			return result, err
		}
		patientID := id
		msg, err := s.queue(ctx, Message{PatientID: &patientID, Phone: contact.Phone, Body: body, Template: in.Template})
		if err != nil {
			return result, err
		}
		result.Queued = append(result.Queued, msg)
	}
	return result, nil
}

// QueuePaymentReminder sends the payment-due template to a patient.
func (s *Service) QueuePaymentReminder(ctx context.Context, patientID int64, amount decimal.Decimal, dueDate time.Time) error {
	_, err := s.Send(ctx, SendInput{
		PatientID: patientID,
		Template:  TemplatePaymentDue,
		Vars:      Vars{Amount: amount, DueDate: dueDate},
	})
	return err
}

// QueueAppointmentConfirmation sends the confirmation template to a patient.
func (s *Service) QueueAppointmentConfirmation(ctx context.Context, patientID int64, at time.Time) error {
	_, err := s.Send(ctx, SendInput{
		PatientID: patientID,
		Template:  TemplateAppointmentConfirmation,
		Vars:      Vars{AppointmentAt: at},
	})
	return err
}

// Get returns one message.
func (s *Service) Get(ctx context.Context, id int64) (Message, error) {
	return s.repo.Get(ctx, id)
}

// List returns recent messages, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Message, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.List(ctx, filter)
}

// Deliver sends a pending message through the Sender. Messages no longer pending are left
// alone so retries are harmless. A failure keeps the message pending unless final is set.
func (s *Service) Deliver(ctx context.Context, id int64, final bool) error {
	msg, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg.Status != StatusPending {
		return nil
	}
	senderID := ""
	if s.profile != nil {
		if v, err := s.profile.SenderID(ctx); err == nil {
			senderID = v
		}
	}
	if err := s.sender.Send(ctx, senderID, msg.Phone, msg.Body); err != nil {
		if recErr := s.repo.RecordFailure(ctx, id, err.Error(), final); recErr != nil {
			s.logger.Error("record sms failure", slog.Int64("message_id", id), slog.Any("error", recErr))
		}
		return fmt.Errorf("send sms %d: %w", id, err)
	}
	return s.repo.MarkSent(ctx, id, s.now())
}

// MarkDelivered records a carrier delivery receipt.
func (s *Service) MarkDelivered(ctx context.Context, id int64) (Message, error) {
	ok, err := s.repo.MarkDelivered(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		if _, err := s.repo.Get(ctx, id); err != nil {
			return Message{}, err
		}
		return Message{}, ErrNotSent
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) queue(ctx context.Context, msg Message) (Message, error) {
	if msg.Phone == "" {
		return Message{}, ErrNoRecipient
	}
	if err := CheckBody(msg.Body); err != nil {
		return Message{}, err
	}
	msg.Segments = Segments(msg.Body)
	msg.Status = StatusPending
	if err := s.repo.Insert(ctx, &msg); err != nil {
		return Message{}, err
	}
	if s.dispatcher == nil {
		return msg, nil
	}
	if err := s.dispatcher.EnqueueSMS(ctx, msg.ID); err != nil {
		reason := "enqueue: " + err.Error()
		if recErr := s.repo.RecordFailure(ctx, msg.ID, reason, true); recErr != nil {
			s.logger.Error("record sms failure", slog.Int64("message_id", msg.ID), slog.Any("error", recErr))
		}
		return Message{}, fmt.Errorf("enqueue sms %d: %w", msg.ID, err)
	}
	return msg, nil
}

func (s *Service) compose(ctx context.Context, template, body string, vars Vars) (string, error) {
	return s.composeWith(s.Renderer(ctx), template, body, vars)
}

func (s *Service) composeWith(r Renderer, template, body string, vars Vars) (string, error) {
	if template != "" {
		return r.Render(template, vars)
	}
	return r.Expand(body, vars), nil
}

func (s *Service) contact(ctx context.Context, patientID int64) (patients.Contact, error) {
	contacts, err := s.contacts.Contacts(ctx, []int64{patientID})
	if err != nil {
		return patients.Contact{}, err
	}
	c, ok := contacts[patientID]
	if !ok {
		return patients.Contact{}, patients.ErrPatientNotFound
	}
	return c, nil
}
