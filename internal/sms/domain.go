package sms

import (
	"fmt"
	"strings"
	"time"

	"github.com/medidesk/medidesk/internal/shared"
)

// Status tracks a message through the outbox.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusSent      Status = "Sent"
	StatusDelivered Status = "Delivered"
	StatusFailed    Status = "Failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

const (
	// SegmentLength is the number of characters carried by one SMS segment.
	SegmentLength = 160
	// MaxSegments bounds the length of an accepted body.
	MaxSegments = 5
	// MaxBodyLength is the longest body accepted.
	MaxBodyLength = SegmentLength * MaxSegments
)

var (
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = fmt.Errorf("sms message %w", shared.ErrNotFound)
	// ErrEmptyBody indicates a message without content.
	ErrEmptyBody = fmt.Errorf("%w: message body is empty", shared.ErrValidation)
	// ErrBodyTooLong indicates a body over MaxBodyLength characters.
	ErrBodyTooLong = fmt.Errorf("%w: message body exceeds %d characters", shared.ErrValidation, MaxBodyLength)
	// ErrNoRecipient indicates neither a phone nor a patient with a phone was given.
	ErrNoRecipient = fmt.Errorf("%w: recipient has no phone number", shared.ErrValidation)
	// ErrUnknownTemplate indicates the template key is not registered.
	ErrUnknownTemplate = fmt.Errorf("%w: unknown template", shared.ErrValidation)
	// ErrNotSent indicates a delivery receipt for a message that was never sent.
	ErrNotSent = fmt.Errorf("%w: message has not been sent", shared.ErrConflict)
)

// Message is one outbound SMS.
type Message struct {
	ID        int64      `json:"id"`
	PatientID *int64     `json:"patient_id,omitempty"`
	Phone     string     `json:"phone"`
	Body      string     `json:"body"`
	Template  string     `json:"template,omitempty"`
	Segments  int        `json:"segments"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Segments returns how many SMS segments body occupies.
func Segments(body string) int {
	n := len([]rune(body))
	if n == 0 {
		return 0
	}
	return (n + SegmentLength - 1) / SegmentLength
}

// CheckBody validates a message body against the segment limit.
func CheckBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if len([]rune(body)) > MaxBodyLength {
		return ErrBodyTooLong
	}
	return nil
}

// SendInput queues one message. PatientID resolves the phone when Phone is empty.
type SendInput struct {
	PatientID int64  `json:"patient_id" validate:"required_without=Phone,omitempty,gt=0"`
	Phone     string `json:"phone" validate:"omitempty,max=32"`
	Body      string `json:"body" validate:"required_without=Template,max=800"`
	Template  string `json:"template" validate:"omitempty,max=40"`
	Vars      Vars   `json:"vars"`
}

// BroadcastInput sends the same template or body to several patients.
type BroadcastInput struct {
	PatientIDs []int64 `json:"patient_ids" validate:"required,min=1,max=500,dive,gt=0"`
	Body       string  `json:"body" validate:"required_without=Template,max=800"`
	Template   string  `json:"template" validate:"omitempty,max=40"`
	Vars       Vars    `json:"vars"`
}

// BroadcastResult reports queued messages and the patients skipped for lack of a phone.
type BroadcastResult struct {
	Queued  []Message `json:"queued"`
	Skipped []int64   `json:"skipped"`
}

// ListFilter narrows List.
type ListFilter struct {
	Status    Status
	PatientID int64
	Limit     int
}
