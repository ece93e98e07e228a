package billing

import (
	"errors"
	"fmt"

	"github.com/medidesk/medidesk/internal/shared"
)

// Reconciliation failures. Each wraps a shared error kind so callers can branch on either.
var (
	ErrInvalidPaymentAmount = fmt.Errorf("%w: invalid payment amount", shared.ErrValidation)
	ErrInvalidDiscount      = fmt.Errorf("%w: invalid discount", shared.ErrValidation)
	ErrInvalidLineItem      = fmt.Errorf("%w: invalid line item", shared.ErrValidation)
	ErrInconsistentState    = fmt.Errorf("%w: inconsistent billing state", shared.ErrConflict)
)

// Persistence and workflow failures.
var (
	ErrBillNotFound      = fmt.Errorf("bill %w", shared.ErrNotFound)
	ErrDueNotFound       = fmt.Errorf("due record %w", shared.ErrNotFound)
	ErrPatientNotFound   = fmt.Errorf("patient %w", shared.ErrNotFound)
	ErrUnknownService    = fmt.Errorf("%w: unknown or inactive service", shared.ErrValidation)
	ErrConcurrentUpdate  = fmt.Errorf("%w: record changed concurrently, retry", shared.ErrConflict)
	ErrDueSettled        = fmt.Errorf("%w: due is already paid", shared.ErrConflict)
	ErrRemindersDisabled = errors.New("payment reminders are disabled")
)
