package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/logging"
	"keypanel/backend/internal/models"
	"keypanel/backend/internal/repository"
)

const maxIssueAttempts = 3

// Repository is the storage the key store needs. Reserve, commit and release
// are single conditional updates so concurrent callers never over-redeem.
type Repository interface {
	GetKeyByValue(ctx context.Context, value string) (models.Key, error)
	GetKeyByID(ctx context.Context, id int64) (models.Key, error)
	ReserveKey(ctx context.Context, id int64, now time.Time) (models.Key, error)
	CommitKey(ctx context.Context, id int64, now time.Time) (models.Key, error)
	ReleaseKey(ctx context.Context, id int64) (models.Key, error)
	CreateKeys(ctx context.Context, keys []models.Key) ([]models.Key, error)
	ListKeys(ctx context.Context, filter models.KeyFilter) ([]models.Key, int, error)
	ExpireKeys(ctx context.Context, now time.Time) (int64, error)
}

type Store struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(repo Repository, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logging.OrDefault(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Validate loads the key by value and checks it against category.
func (s *Store) Validate(ctx context.Context, keyValue, category string) (models.Key, error) {
	key, err := s.Lookup(ctx, keyValue)
	if err != nil {
		return models.Key{}, err
	}
	if err := Evaluate(key, category, s.now()); err != nil {
		return key, err
	}
	return key, nil
}

// Lookup returns the key without evaluating it.
func (s *Store) Lookup(ctx context.Context, keyValue string) (models.Key, error) {
	value := NormalizeValue(keyValue)
	if value == "" {
		return models.Key{}, fault.ErrKeyNotFound
	}
	key, err := s.repo.GetKeyByValue(ctx, value)
	if err != nil {
		return models.Key{}, mapRepoError(err)
	}
	return key, nil
}

// Get returns a key by id.
func (s *Store) Get(ctx context.Context, keyID int64) (models.Key, error) {
	key, err := s.repo.GetKeyByID(ctx, keyID)
	if err != nil {
		return models.Key{}, mapRepoError(err)
	}
	return key, nil
}

// Reserve holds one quota slot for an order about to be dispatched. It fails
// with Exhausted or Expired when no slot can be taken.
func (s *Store) Reserve(ctx context.Context, keyID int64) (models.Key, error) {
	now := s.now()
	key, err := s.repo.ReserveKey(ctx, keyID, now)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, repository.ErrKeyUnavailable) {
		return models.Key{}, mapRepoError(err)
	}
	current, getErr := s.repo.GetKeyByID(ctx, keyID)
	if getErr != nil {
		return models.Key{}, mapRepoError(getErr)
	}
	if IsExpired(current, now) {
		return current, fault.ErrKeyExpired
	}
	return current, fault.ErrKeyExhausted
}

// Consume turns a reserved slot into a used one. It is called only after the
// provider accepted the order and returns the new used count.
func (s *Store) Consume(ctx context.Context, keyID int64) (int, error) {
	key, err := s.repo.CommitKey(ctx, keyID, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNoReservation) {
			return 0, fmt.Errorf("consume key %d: %w", keyID, err)
		}
		return 0, mapRepoError(err)
	}
	if key.Status == models.KeyStatusExhausted {
		s.logger.Info("key_exhausted", "key_id", key.ID, "total_quota", key.TotalQuota)
	}
	return key.UsedCount, nil
}

// Release returns a reserved slot after a failed or cancelled dispatch.
func (s *Store) Release(ctx context.Context, keyID int64) error {
	if _, err := s.repo.ReleaseKey(ctx, keyID); err != nil {
		if errors.Is(err, repository.ErrNoReservation) {
			s.logger.Warn("release_key", "status", "no_reservation", "key_id", keyID)
			return nil
		}
		return mapRepoError(err)
	}
	return nil
}

// Issue creates params.Count new keys with random values.
func (s *Store) Issue(ctx context.Context, params models.KeyIssueParams) ([]models.Key, error) {
	category := NormalizeCategory(params.Category)
	if params.Count <= 0 {
		return nil, fault.InvalidRequest(fault.ReasonNone, "count must be positive")
	}
	if params.TotalQuota <= 0 {
		return nil, fault.InvalidRequest(fault.ReasonNone, "totalQuota must be positive")
	}
	if category == "" {
		return nil, fault.InvalidRequest(fault.ReasonNone, "category is required")
	}
	now := s.now()
	if params.ExpiresAt != nil && !params.ExpiresAt.After(now) {
		return nil, fault.InvalidRequest(fault.ReasonNone, "expiresAt must be in the future")
	}

	var lastErr error
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		batch := make([]models.Key, 0, params.Count)
		for i := 0; i < params.Count; i++ {
			value, err := NewValue()
			if err != nil {
				return nil, err
			}
			batch = append(batch, models.Key{
				Value:      value,
				Category:   category,
				TotalQuota: params.TotalQuota,
				Status:     models.KeyStatusUnused,
				Note:       strings.TrimSpace(params.Note),
				CreatedAt:  now,
				ExpiresAt:  params.ExpiresAt,
			})
		}
		created, err := s.repo.CreateKeys(ctx, batch)
		if err == nil {
			s.logger.Info("keys_issued", "count", len(created), "category", category, "total_quota", params.TotalQuota)
			return created, nil
		}
		if !errors.Is(err, repository.ErrDuplicateKey) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Store) List(ctx context.Context, filter models.KeyFilter) ([]models.Key, int, error) {
	return s.repo.ListKeys(ctx, filter)
}

// ExpireDue marks every key past its expiry as expired.
func (s *Store) ExpireDue(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireKeys(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("keys_expired", "count", n)
	}
	return n, nil
}

// Summary builds the masked view of key.
func Summary(key models.Key) models.KeySummary {
	return models.KeySummary{
		ID:         key.ID,
		Masked:     Mask(key.Value),
		Category:   key.Category,
		TotalQuota: key.TotalQuota,
		UsedCount:  key.UsedCount,
		Status:     key.Status,
	}
}

func mapRepoError(err error) error {
	if errors.Is(err, repository.ErrKeyNotFound) {
		return fault.ErrKeyNotFound
	}
	return err
}
