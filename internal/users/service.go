package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/medidesk/medidesk/internal/rbac"
	"github.com/medidesk/medidesk/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	Create(ctx context.Context, p Profile) (Profile, error)
	Get(ctx context.Context, id int64) (Profile, error)
	GetByEmail(ctx context.Context, email string) (Profile, error)
	List(ctx context.Context, filter ListFilter) ([]Profile, error)
	UpdateRole(ctx context.Context, id int64, role string) error
	UpdateStatus(ctx context.Context, id int64, status string) error
	UpdatePassword(ctx context.Context, id int64, hash string) error
	TouchLogin(ctx context.Context, id int64, at time.Time) error
	CountActiveAdmins(ctx context.Context) (int, error)
}

// Service handles user business logic.
type Service struct {
	repo RepositoryPort
	cost int
	now  func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo, cost: bcrypt.DefaultCost, now: time.Now}
}

// WithHashCost overrides the bcrypt cost, used by tests.
func (s *Service) WithHashCost(cost int) {
	if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
		s.cost = cost
	}
}

// Create registers a staff member with a hashed initial password.
func (s *Service) Create(ctx context.Context, in CreateInput) (Profile, error) {
	email := normalizeEmail(in.Email)
	if email == "" || strings.TrimSpace(in.FullName) == "" {
		return Profile{}, fmt.Errorf("%w: email and full name are required", shared.ErrValidation)
	}
	if !shared.ValidRole(in.Role) {
		return Profile{}, fmt.Errorf("%w: unknown role %q", shared.ErrValidation, in.Role)
	}
	hash, err := s.hash(in.Password)
	if err != nil {
		return Profile{}, err
	}
	return s.repo.Create(ctx, Profile{
		Email:        email,
		FullName:     strings.TrimSpace(in.FullName),
		Role:         in.Role,
		Status:       StatusActive,
		PasswordHash: hash,
	})
}

// Get returns one profile.
func (s *Service) Get(ctx context.Context, id int64) (Profile, error) {
	return s.repo.Get(ctx, id)
}

// List returns profiles ordered by name.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Profile, error) {
	if filter.Role != "" && !shared.ValidRole(filter.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", shared.ErrValidation, filter.Role)
	}
	return s.repo.List(ctx, filter)
}

// ChangeRole assigns a new role. The last active admin cannot be demoted.
func (s *Service) ChangeRole(ctx context.Context, id int64, role string) (Profile, error) {
	if !shared.ValidRole(role) {
		return Profile{}, fmt.Errorf("%w: unknown role %q", shared.ErrValidation, role)
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Profile{}, err
	}
	if current.Role == shared.RoleAdmin && role != shared.RoleAdmin && current.Active() {
		if err := s.ensureAnotherAdmin(ctx); err != nil {
			return Profile{}, err
		}
	}
	if err := s.repo.UpdateRole(ctx, id, role); err != nil {
		return Profile{}, err
	}
	current.Role = role
	return current, nil
}

// SetStatus activates or deactivates a profile.
func (s *Service) SetStatus(ctx context.Context, id int64, status string) (Profile, error) {
	if status != StatusActive && status != StatusInactive {
		return Profile{}, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, status)
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Profile{}, err
	}
	if status == StatusInactive && current.Role == shared.RoleAdmin && current.Active() {
		if err := s.ensureAnotherAdmin(ctx); err != nil {
			return Profile{}, err
		}
	}
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		return Profile{}, err
	}
	current.Status = status
	return current, nil
}

// ResetPassword replaces the stored credential.
func (s *Service) ResetPassword(ctx context.Context, id int64, password string) error {
	hash, err := s.hash(password)
	if err != nil {
		return err
	}
	return s.repo.UpdatePassword(ctx, id, hash)
}

// VerifyCredentials checks an email/password pair for the gateway and stamps last login.
func (s *Service) VerifyCredentials(ctx context.Context, email, password string) (Profile, error) {
	p, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return Profile{}, ErrInvalidCredentials
	}
	if err != nil {
		return Profile{}, err
	}
	if !p.Active() {
		return Profile{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
		return Profile{}, ErrInvalidCredentials
	}
	now := s.now()
	if err := s.repo.TouchLogin(ctx, p.ID, now); err != nil {
		return Profile{}, err
	}
	p.LastLogin = &now
	return p, nil
}

// LookupActor resolves an active profile for the rbac middleware.
func (s *Service) LookupActor(ctx context.Context, id int64) (shared.Actor, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return shared.Actor{}, err
	}
	if !p.Active() {
		return shared.Actor{}, rbac.ErrInactive
	}
	return shared.Actor{UserID: p.ID, Email: p.Email, Role: p.Role}, nil
}

func (s *Service) ensureAnotherAdmin(ctx context.Context) error {
	admins, err := s.repo.CountActiveAdmins(ctx)
	if err != nil {
		return err
	}
	if admins <= 1 {
		return ErrLastAdmin
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < 8 {
		return "", fmt.Errorf("%w: password must be at least 8 characters", shared.ErrValidation)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return string(hashed), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
