package appointments

import (
	"fmt"
	"time"

	"github.com/medidesk/medidesk/internal/shared"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusConfirmed Status = "Confirmed"
	StatusCancelled Status = "Cancelled"
	StatusCompleted Status = "Completed"
)

// DefaultDuration applies when a booking names no duration.
const DefaultDuration = 30

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrAppointmentNotFound indicates the appointment does not exist.
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", shared.ErrNotFound)
	// ErrInvalidTransition indicates a status change the lifecycle forbids.
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", shared.ErrConflict)
	// ErrSlotTaken indicates the patient already has an overlapping booking.
	ErrSlotTaken = fmt.Errorf("%w: patient already has an appointment in this slot", shared.ErrConflict)
	// ErrPatientNotFound indicates the referenced patient does not exist.
	ErrPatientNotFound = fmt.Errorf("patient %w", shared.ErrNotFound)
)

// Appointment is a scheduled visit.
type Appointment struct {
	ID              int64     `json:"id"`
	PatientID       int64     `json:"patient_id"`
	PatientName     string    `json:"patient_name,omitempty"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Type            string    `json:"type"`
	Status          Status    `json:"status"`
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// End returns the end of the booked slot.
func (a Appointment) End() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// ScheduleInput books a visit. Date is YYYY-MM-DD and Time is HH:MM in the clinic time zone.
type ScheduleInput struct {
	PatientID       int64  `json:"patient_id" validate:"required,gt=0"`
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
	Time            string `json:"time" validate:"required,datetime=15:04"`
	DurationMinutes int    `json:"duration_minutes" validate:"omitempty,min=5,max=480"`
	Type            string `json:"type" validate:"required,max=80"`
	Notes           string `json:"notes" validate:"max=2000"`
}

// RescheduleInput moves a booking.
type RescheduleInput struct {
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
	Time            string `json:"time" validate:"required,datetime=15:04"`
	DurationMinutes int    `json:"duration_minutes" validate:"omitempty,min=5,max=480"`
}

// ListFilter narrows List.
type ListFilter struct {
	Day       *time.Time
	PatientID int64
	Status    Status
	Limit     int
}
