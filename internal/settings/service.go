package settings

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medidesk/medidesk/internal/shared"
)

const cacheKey = "settings:all"

// RepositoryPort persists settings.
type RepositoryPort interface {
	All(ctx context.Context) (map[string]string, error)
	Put(ctx context.Context, key, value string, actorID int64) error
}

// Service reads settings through a Redis hash cache and falls back to defaults.
type Service struct {
	repo     RepositoryPort
	client   *redis.Client
	ttl      time.Duration
	defaults map[string]string
	audit    shared.AuditRecorder
	logger   *slog.Logger
}

// NewService constructs the service. A nil client disables caching.
func NewService(repo RepositoryPort, client *redis.Client, ttl time.Duration, defaults Defaults, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		client:   client,
		ttl:      ttl,
		defaults: defaults.values(),
		audit:    shared.NopAudit{},
		logger:   logger,
	}
}

// SetAudit enables audit logging of changes.
func (s *Service) SetAudit(audit shared.AuditRecorder) {
	if audit != nil {
		s.audit = audit
	}
}

// All returns every known key with stored values layered over defaults.
func (s *Service) All(ctx context.Context) (map[string]string, error) {
	stored, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(s.defaults))
	for k, v := range s.defaults {
		out[k] = v
	}
	for k, v := range stored {
		if Known(k) {
			out[k] = v
		}
	}
	return out, nil
}

// Get returns one setting.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if !Known(key) {
		return "", ErrUnknownKey
	}
	all, err := s.All(ctx)
	if err != nil {
		return "", err
	}
	return all[key], nil
}

// Put validates and stores one setting, then drops the cache.
func (s *Service) Put(ctx context.Context, key, value string) (string, error) {
	normalized, err := Normalize(key, value)
	if err != nil {
		return "", err
	}
	actor := shared.ActorID(ctx)
	if err := s.repo.Put(ctx, key, normalized, actor); err != nil {
		return "", err
	}
	if s.client != nil {
		if err := s.client.Del(ctx, cacheKey).Err(); err != nil {
			s.logger.Warn("settings cache invalidate", slog.Any("error", err))
		}
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   "settings.put",
		Entity:   "setting",
		EntityID: key,
		Meta:     map[string]any{"value": normalized},
		At:       time.Now(),
	})
	return normalized, nil
}

// PaymentTermsDays returns the default days between billing and the due date.
func (s *Service) PaymentTermsDays(ctx context.Context) (int, error) {
	raw, err := s.Get(ctx, KeyPaymentTermsDays)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

// RemindersEnabled reports whether automatic payment reminders are on.
func (s *Service) RemindersEnabled(ctx context.Context) (bool, error) {
	raw, err := s.Get(ctx, KeyPaymentReminders)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(raw)
}

// Currency returns the clinic currency code.
func (s *Service) Currency(ctx context.Context) (string, error) {
	return s.Get(ctx, KeyCurrency)
}

// SenderID returns the SMS sender id.
func (s *Service) SenderID(ctx context.Context) (string, error) {
	return s.Get(ctx, KeySMSSenderID)
}

// Location returns the clinic time zone, UTC when unset.
func (s *Service) Location(ctx context.Context) (*time.Location, error) {
	name, err := s.Get(ctx, KeyTimezone)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func (s *Service) load(ctx context.Context) (map[string]string, error) {
	if s.client == nil {
		return s.repo.All(ctx)
	}
	cached, err := s.client.HGetAll(ctx, cacheKey).Result()
	if err == nil && len(cached) > 0 {
		return cached, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn("settings cache read", slog.Any("error", err))
	}
	stored, err := s.repo.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return stored, nil
	}
	fields := make(map[string]any, len(stored))
	for k, v := range stored {
		fields[k] = v
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, cacheKey, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, cacheKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("settings cache fill", slog.Any("error", err))
	}
	return stored, nil
}
