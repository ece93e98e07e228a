package appointments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/medidesk/medidesk/internal/shared"
)

// RepositoryPort abstracts appointment persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Appointment, error)
	List(ctx context.Context, filter ListFilter, loc *time.Location) ([]Appointment, error)
	CountOn(ctx context.Context, from, to time.Time) (int, error)
}

// TxRepository exposes the statements run while a patient's calendar is locked.
type TxRepository interface {
	LockPatient(ctx context.Context, patientID int64) error
	HasOverlap(ctx context.Context, patientID int64, start, end time.Time, excludeID int64) (bool, error)
	Insert(ctx context.Context, appt *Appointment) error
	GetForUpdate(ctx context.Context, id int64) (Appointment, error)
	UpdateSchedule(ctx context.Context, id int64, start time.Time, duration int) error
	UpdateStatus(ctx context.Context, id int64, status Status) error
}

// Notifier queues appointment messages for a patient.
type Notifier interface {
	QueueAppointmentConfirmation(ctx context.Context, patientID int64, at time.Time) error
}

// Service enforces the appointment lifecycle.
type Service struct {
	repo     RepositoryPort
	loc      *time.Location
	logger   *slog.Logger
	notifier Notifier
	now      func() time.Time
}

// NewService constructs the service. Dates and times are interpreted in loc.
func NewService(repo RepositoryPort, loc *time.Location, logger *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, loc: loc, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetNotifier enables confirmation messages.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Schedule books a new pending appointment.
func (s *Service) Schedule(ctx context.Context, in ScheduleInput) (Appointment, error) {
	if in.PatientID <= 0 {
		return Appointment{}, fmt.Errorf("%w: patient is required", shared.ErrValidation)
	}
	start, err := s.parseSlot(in.Date, in.Time)
	if err != nil {
		return Appointment{}, err
	}
	if start.Before(s.now()) {
		return Appointment{}, fmt.Errorf("%w: appointment must be in the future", shared.ErrValidation)
	}
	appt := Appointment{
		PatientID:       in.PatientID,
		ScheduledAt:     start,
		DurationMinutes: durationOrDefault(in.DurationMinutes),
		Type:            in.Type,
		Status:          StatusPending,
		Notes:           in.Notes,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPatient(ctx, appt.PatientID); err != nil {
			return err
		}
		overlap, err := tx.HasOverlap(ctx, appt.PatientID, appt.ScheduledAt, appt.End(), 0)
		if err != nil {
			return err
		}
		if overlap {
			return ErrSlotTaken
		}
		return tx.Insert(ctx, &appt)
	})
	if err != nil {
		return Appointment{}, err
	}
	return appt, nil
}

// Get returns one appointment.
func (s *Service) Get(ctx context.Context, id int64) (Appointment, error) {
	return s.repo.Get(ctx, id)
}

// List returns appointments ordered by start time.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Appointment, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, filter.Status)
	}
	return s.repo.List(ctx, filter, s.loc)
}

// CountToday counts non-cancelled appointments starting today in the clinic time zone.
func (s *Service) CountToday(ctx context.Context) (int, error) {
	now := s.now().In(s.loc)
	y, m, d := now.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	return s.repo.CountOn(ctx, from, from.AddDate(0, 0, 1))
}

// Reschedule moves an open appointment to a free slot.
func (s *Service) Reschedule(ctx context.Context, id int64, in RescheduleInput) (Appointment, error) {
	start, err := s.parseSlot(in.Date, in.Time)
	if err != nil {
		return Appointment{}, err
	}
	var appt Appointment
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return fmt.Errorf("%w: %s appointments cannot be rescheduled", ErrInvalidTransition, current.Status)
		}
		if err := tx.LockPatient(ctx, current.PatientID); err != nil {
			return err
		}
		current.ScheduledAt = start
		if in.DurationMinutes > 0 {
			current.DurationMinutes = in.DurationMinutes
		}
		overlap, err := tx.HasOverlap(ctx, current.PatientID, current.ScheduledAt, current.End(), current.ID)
		if err != nil {
			return err
		}
		if overlap {
			return ErrSlotTaken
		}
		if err := tx.UpdateSchedule(ctx, current.ID, current.ScheduledAt, current.DurationMinutes); err != nil {
			return err
		}
		appt = current
		return nil
	})
	if err != nil {
		return Appointment{}, err
	}
	return appt, nil
}

// Transition moves an appointment along its lifecycle.
func (s *Service) Transition(ctx context.Context, id int64, to Status) (Appointment, error) {
	if !to.Valid() {
		return Appointment{}, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, to)
	}
	var appt Appointment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(current.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
		}
		if err := tx.UpdateStatus(ctx, id, to); err != nil {
			return err
		}
		current.Status = to
		appt = current
		return nil
	})
	if err != nil {
		return Appointment{}, err
	}
	if to == StatusConfirmed && s.notifier != nil {
		if err := s.notifier.QueueAppointmentConfirmation(ctx, appt.PatientID, appt.ScheduledAt); err != nil {
			s.logger.Warn("queue appointment confirmation", slog.Int64("appointment_id", appt.ID), slog.Any("error", err))
		}
	}
	return appt, nil
}

func (s *Service) parseSlot(date, clock string) (time.Time, error) {
	start, err := time.ParseInLocation("2006-01-02 15:04", date+" "+clock, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD and time HH:MM", shared.ErrValidation)
	}
	return start, nil
}

func durationOrDefault(minutes int) int {
	if minutes <= 0 {
		return DefaultDuration
	}
	return minutes
}
