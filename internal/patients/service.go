package patients

import (
	"context"
	"fmt"
	"strings"

	"github.com/medidesk/medidesk/internal/shared"
)

// RepositoryPort defines data access methods for patients.
type RepositoryPort interface {
	Create(ctx context.Context, in Input) (Patient, error)
	Get(ctx context.Context, id int64) (Patient, error)
	List(ctx context.Context, filter ListFilter) ([]Patient, int, error)
	Update(ctx context.Context, id int64, in Input) (Patient, error)
	Delete(ctx context.Context, id int64) error
	Contacts(ctx context.Context, ids []int64) ([]Contact, error)
}

// Service handles patient rules.
type Service struct {
	repo  RepositoryPort
	audit shared.AuditRecorder
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, audit shared.AuditRecorder) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	return &Service{repo: repo, audit: audit}
}

// Create registers a patient.
func (s *Service) Create(ctx context.Context, in Input) (Patient, error) {
	in, err := normalize(in)
	if err != nil {
		return Patient{}, err
	}
	return s.repo.Create(ctx, in)
}

// Get returns one patient.
func (s *Service) Get(ctx context.Context, id int64) (Patient, error) {
	return s.repo.Get(ctx, id)
}

// List searches patients by name, contact or email.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Patient, int, error) {
	filter.Search = strings.TrimSpace(filter.Search)
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	return s.repo.List(ctx, filter)
}

// Update rewrites a patient record.
func (s *Service) Update(ctx context.Context, id int64, in Input) (Patient, error) {
	in, err := normalize(in)
	if err != nil {
		return Patient{}, err
	}
	return s.repo.Update(ctx, id, in)
}

// Delete removes a patient without billing or appointment history.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	return s.audit.Record(ctx, shared.AuditLog{Action: "patient.deleted", Entity: "patient", EntityID: fmt.Sprint(id)})
}

// Contacts returns name and phone for each existing id.
func (s *Service) Contacts(ctx context.Context, ids []int64) (map[int64]Contact, error) {
	rows, err := s.repo.Contacts(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Contact, len(rows))
	for _, c := range rows {
		out[c.ID] = c
	}
	return out, nil
}

func normalize(in Input) (Input, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Contact = strings.TrimSpace(in.Contact)
	if in.Name == "" {
		return in, fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	if in.Age != nil && (*in.Age < 0 || *in.Age > 150) {
		return in, fmt.Errorf("%w: age must be between 0 and 150", shared.ErrValidation)
	}
	switch in.Gender {
	case "", GenderMale, GenderFemale, GenderOther:
	default:
		return in, fmt.Errorf("%w: unknown gender %q", shared.ErrValidation, in.Gender)
	}
	return in, nil
}
