package users

import (
	"fmt"
	"time"

	"github.com/medidesk/medidesk/internal/shared"
)

// Status values for staff profiles.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

var (
	// ErrUserNotFound indicates the profile does not exist.
	ErrUserNotFound = fmt.Errorf("user %w", shared.ErrNotFound)
	// ErrEmailTaken indicates another profile uses the email.
	ErrEmailTaken = fmt.Errorf("%w: email already registered", shared.ErrDuplicate)
	// ErrInvalidCredentials is returned when email or password do not match.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", shared.ErrUnauthorized)
	// ErrLastAdmin blocks removing the only active admin.
	ErrLastAdmin = fmt.Errorf("%w: at least one active admin is required", shared.ErrConflict)
)

// Profile represents a staff account.
type Profile struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	FullName     string     `json:"full_name"`
	Role         string     `json:"role"`
	Status       string     `json:"status"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Active reports whether the profile may sign in.
func (p Profile) Active() bool {
	return p.Status == StatusActive
}

// CreateInput carries a new staff member.
type CreateInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	FullName string `json:"full_name" validate:"required,max=120"`
	Role     string `json:"role" validate:"required,oneof=doctor admin receptionist"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// ListFilter narrows List.
type ListFilter struct {
	Role   string
	Status string
}
