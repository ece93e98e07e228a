package shared

import "errors"

// Error kinds shared by every module. Domain errors wrap one of these so the HTTP layer can
// pick a status code with errors.Is.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates the caller sent invalid input.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicate indicates a uniqueness constraint was hit.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrConflict indicates the request conflicts with the current resource state.
	ErrConflict = errors.New("conflict")
	// ErrForbidden indicates the actor lacks the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized indicates no actor could be resolved.
	ErrUnauthorized = errors.New("unauthorized")
)
