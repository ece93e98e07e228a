package patients

import (
	"fmt"
	"time"

	"github.com/medidesk/medidesk/internal/shared"
)

// Gender values accepted on a patient record.
const (
	GenderMale   = "Male"
	GenderFemale = "Female"
	GenderOther  = "Other"
)

var (
	// ErrPatientNotFound indicates the patient does not exist.
	ErrPatientNotFound = fmt.Errorf("patient %w", shared.ErrNotFound)
	// ErrEmailTaken indicates another patient uses the email.
	ErrEmailTaken = fmt.Errorf("%w: patient email already registered", shared.ErrDuplicate)
	// ErrHasHistory blocks deleting patients with bills or appointments.
	ErrHasHistory = fmt.Errorf("%w: patient has bills or appointments", shared.ErrConflict)
)

// Patient is a person registered with the practice.
type Patient struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Age            *int      `json:"age,omitempty"`
	Gender         string    `json:"gender,omitempty"`
	Contact        string    `json:"contact,omitempty"`
	Email          string    `json:"email,omitempty"`
	Address        string    `json:"address,omitempty"`
	MedicalHistory string    `json:"medical_history,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Input carries create and update data.
type Input struct {
	Name           string `json:"name" validate:"required,max=120"`
	Age            *int   `json:"age" validate:"omitempty,min=0,max=150"`
	Gender         string `json:"gender" validate:"omitempty,oneof=Male Female Other"`
	Contact        string `json:"contact" validate:"omitempty,max=32"`
	Email          string `json:"email" validate:"omitempty,email,max=254"`
	Address        string `json:"address" validate:"max=500"`
	MedicalHistory string `json:"medical_history" validate:"max=5000"`
}

// ListFilter narrows List.
type ListFilter struct {
	Search  string
	Page    int
	PerPage int
}

// Contact is the subset used to address notifications.
type Contact struct {
	ID    int64
	Name  string
	Phone string
}
