package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/medidesk/medidesk/internal/shared"
)

// RepositoryPort defines data access methods for the catalogue.
type RepositoryPort interface {
	Create(ctx context.Context, in ServiceInput) (ServiceItem, error)
	Get(ctx context.Context, id int64) (ServiceItem, error)
	List(ctx context.Context, includeInactive bool) ([]ServiceItem, error)
	ListByIDs(ctx context.Context, ids []int64) ([]ServiceItem, error)
	Update(ctx context.Context, id int64, in ServiceInput) (ServiceItem, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// Service handles catalogue rules.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Create adds a service to the catalogue.
func (s *Service) Create(ctx context.Context, in ServiceInput) (ServiceItem, error) {
	in, err := normalize(in)
	if err != nil {
		return ServiceItem{}, err
	}
	return s.repo.Create(ctx, in)
}

// Get returns one service.
func (s *Service) Get(ctx context.Context, id int64) (ServiceItem, error) {
	return s.repo.Get(ctx, id)
}

// List returns active services, or all of them when includeInactive is set.
func (s *Service) List(ctx context.Context, includeInactive bool) ([]ServiceItem, error) {
	return s.repo.List(ctx, includeInactive)
}

// Update changes name, description or price. Bills already issued keep their snapshot.
func (s *Service) Update(ctx context.Context, id int64, in ServiceInput) (ServiceItem, error) {
	in, err := normalize(in)
	if err != nil {
		return ServiceItem{}, err
	}
	return s.repo.Update(ctx, id, in)
}

// Deactivate hides a service from new bills.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	return s.repo.SetActive(ctx, id, false)
}

// Activate makes a service billable again.
func (s *Service) Activate(ctx context.Context, id int64) error {
	return s.repo.SetActive(ctx, id, true)
}

// PricesFor returns the catalogue entries for ids keyed by id. Missing ids are absent.
func (s *Service) PricesFor(ctx context.Context, ids []int64) (map[int64]ServiceItem, error) {
	unique := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	items, err := s.repo.ListByIDs(ctx, unique)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]ServiceItem, len(items))
	for _, item := range items {
		out[item.ID] = item
	}
	return out, nil
}

func normalize(in ServiceInput) (ServiceInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if in.Name == "" {
		return in, fmt.Errorf("%w: service name is required", shared.ErrValidation)
	}
	if in.Price.IsNegative() {
		return in, fmt.Errorf("%w: price cannot be negative", shared.ErrValidation)
	}
	in.Price = in.Price.Round(2)
	return in, nil
}
