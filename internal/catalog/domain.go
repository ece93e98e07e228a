package catalog

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medidesk/medidesk/internal/shared"
)

var (
	// ErrServiceNotFound indicates the catalogue entry does not exist.
	ErrServiceNotFound = fmt.Errorf("service %w", shared.ErrNotFound)
	// ErrNameTaken indicates another service uses the name.
	ErrNameTaken = fmt.Errorf("%w: service name already exists", shared.ErrDuplicate)
)

// ServiceItem is a billable service offered by the practice.
type ServiceItem struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ServiceInput carries create and update data.
type ServiceInput struct {
	Name        string
	Description string
	Price       decimal.Decimal
}
