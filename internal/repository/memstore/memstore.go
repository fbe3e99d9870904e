// Package memstore is an in-memory implementation of the storage ports, used
// with STORAGE_DRIVER=memory and by tests. Every method runs under one mutex,
// which gives the same atomicity as the conditional updates in Postgres.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"keypanel/backend/internal/models"
	"keypanel/backend/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	keys       map[int64]models.Key
	keyByValue map[string]int64
	accounts   map[int64]models.ProviderAccount
	services   map[int64]models.ServiceDefinition
	orders     map[uuid.UUID]models.Order

	nextKeyID     int64
	nextAccountID int64
	nextServiceID int64
}

func New() *Store {
	return &Store{
		now:        func() time.Time { return time.Now().UTC() },
		keys:       make(map[int64]models.Key),
		keyByValue: make(map[string]int64),
		accounts:   make(map[int64]models.ProviderAccount),
		services:   make(map[int64]models.ServiceDefinition),
		orders:     make(map[uuid.UUID]models.Order),
	}
}

// SetClock replaces the clock used for row timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Keys

func (s *Store) GetKeyByValue(_ context.Context, value string) (models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keyByValue[value]
	if !ok {
		return models.Key{}, repository.ErrKeyNotFound
	}
	return s.keys[id], nil
}

func (s *Store) GetKeyByID(_ context.Context, id int64) (models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return models.Key{}, repository.ErrKeyNotFound
	}
	return key, nil
}

func (s *Store) ReserveKey(_ context.Context, id int64, now time.Time) (models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return models.Key{}, repository.ErrKeyNotFound
	}
	if key.Status != models.KeyStatusUnused && key.Status != models.KeyStatusActive {
		return models.Key{}, repository.ErrKeyUnavailable
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		return models.Key{}, repository.ErrKeyUnavailable
	}
	if key.UsedCount+key.ReservedCount >= key.TotalQuota {
		return models.Key{}, repository.ErrKeyUnavailable
	}
	key.ReservedCount++
	s.keys[id] = key
	return key, nil
}

func (s *Store) CommitKey(_ context.Context, id int64, now time.Time) (models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return models.Key{}, repository.ErrKeyNotFound
	}
	if key.ReservedCount <= 0 {
		return models.Key{}, repository.ErrNoReservation
	}
	key.ReservedCount--
	key.UsedCount++
	used := now
	key.LastUsedAt = &used
	switch {
	case key.UsedCount >= key.TotalQuota:
		key.Status = models.KeyStatusExhausted
	case key.Status == models.KeyStatusExpired:
	default:
		key.Status = models.KeyStatusActive
	}
	s.keys[id] = key
	return key, nil
}

func (s *Store) ReleaseKey(_ context.Context, id int64) (models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return models.Key{}, repository.ErrKeyNotFound
	}
	if key.ReservedCount <= 0 {
		return models.Key{}, repository.ErrNoReservation
	}
	key.ReservedCount--
	s.keys[id] = key
	return key, nil
}

func (s *Store) CreateKeys(_ context.Context, keys []models.Key) ([]models.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, exists := s.keyByValue[key.Value]; exists {
			return nil, repository.ErrDuplicateKey
		}
		if _, dup := seen[key.Value]; dup {
			return nil, repository.ErrDuplicateKey
		}
		seen[key.Value] = struct{}{}
	}
	out := make([]models.Key, 0, len(keys))
	for _, key := range keys {
		s.nextKeyID++
		key.ID = s.nextKeyID
		if key.Status == "" {
			key.Status = models.KeyStatusUnused
		}
		if key.CreatedAt.IsZero() {
			key.CreatedAt = s.now()
		}
		s.keys[key.ID] = key
		s.keyByValue[key.Value] = key.ID
		out = append(out, key)
	}
	return out, nil
}

func (s *Store) ListKeys(_ context.Context, filter models.KeyFilter) ([]models.Key, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.Key
	for _, key := range s.keys {
		if filter.Status != "" && key.Status != filter.Status {
			continue
		}
		if filter.Category != "" && key.Category != filter.Category {
			continue
		}
		matched = append(matched, key)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	return paginate(matched, filter.Limit, filter.Offset), len(matched), nil
}

func (s *Store) ExpireKeys(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, key := range s.keys {
		if key.Status != models.KeyStatusUnused && key.Status != models.KeyStatusActive {
			continue
		}
		if key.ExpiresAt == nil || !key.ExpiresAt.Before(now) {
			continue
		}
		key.Status = models.KeyStatusExpired
		s.keys[id] = key
		n++
	}
	return n, nil
}

// Provider accounts

func (s *Store) GetProviderAccount(_ context.Context, id int64) (models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return models.ProviderAccount{}, repository.ErrProviderNotFound
	}
	return account, nil
}

func (s *Store) ListProviderAccounts(_ context.Context, activeOnly bool) ([]models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ProviderAccount, 0, len(s.accounts))
	for _, account := range s.accounts {
		if activeOnly && !account.IsActive {
			continue
		}
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateProviderAccount(_ context.Context, in models.ProviderAccountInput) (models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAccountID++
	now := s.now()
	account := models.ProviderAccount{
		ID:        s.nextAccountID,
		Name:      strings.TrimSpace(in.Name),
		Kind:      in.Kind,
		BaseURL:   strings.TrimSpace(in.BaseURL),
		APIKey:    in.APIKey,
		Currency:  currencyOrDefault(in.Currency),
		Balance:   decimal.Zero,
		IsActive:  in.IsActive == nil || *in.IsActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[account.ID] = account
	return account, nil
}

func (s *Store) UpdateProviderAccount(_ context.Context, id int64, patch models.ProviderAccountPatch) (models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return models.ProviderAccount{}, repository.ErrProviderNotFound
	}
	if patch.Name != nil {
		account.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.BaseURL != nil {
		account.BaseURL = strings.TrimSpace(*patch.BaseURL)
	}
	if patch.APIKey != nil {
		account.APIKey = *patch.APIKey
	}
	if patch.Currency != nil {
		account.Currency = currencyOrDefault(*patch.Currency)
	}
	if patch.IsActive != nil {
		account.IsActive = *patch.IsActive
	}
	account.UpdatedAt = s.now()
	s.accounts[id] = account
	return account, nil
}

func (s *Store) SetProviderBalance(_ context.Context, id int64, balance decimal.Decimal, currency string, checkedAt time.Time) (models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return models.ProviderAccount{}, repository.ErrProviderNotFound
	}
	account.Balance = balance
	if currency != "" {
		account.Currency = currency
	}
	checked := checkedAt
	account.LastBalanceCheck = &checked
	account.UpdatedAt = s.now()
	s.accounts[id] = account
	return account, nil
}

// Services

func (s *Store) GetService(_ context.Context, id int64) (models.ServiceDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[id]
	if !ok {
		return models.ServiceDefinition{}, repository.ErrServiceNotFound
	}
	return service, nil
}

func (s *Store) ListServices(_ context.Context, filter models.ServiceFilter) ([]models.ServiceDefinition, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.ServiceDefinition
	for _, service := range s.services {
		if filter.ProviderAccountID > 0 && service.ProviderAccountID != filter.ProviderAccountID {
			continue
		}
		if filter.Platform != "" && service.Platform != filter.Platform {
			continue
		}
		if filter.ActiveOnly && !service.IsActive {
			continue
		}
		matched = append(matched, service)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return paginate(matched, filter.Limit, filter.Offset), len(matched), nil
}

func (s *Store) UpdateService(_ context.Context, id int64, patch models.ServicePatch) (models.ServiceDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[id]
	if !ok {
		return models.ServiceDefinition{}, repository.ErrServiceNotFound
	}
	if patch.Name != nil {
		service.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.ClearPrice {
		service.CustomPrice = nil
	} else if patch.CustomPrice != nil {
		price := *patch.CustomPrice
		service.CustomPrice = &price
	}
	if patch.IsActive != nil {
		service.IsActive = *patch.IsActive
	}
	service.UpdatedAt = s.now()
	s.services[id] = service
	return service, nil
}

// UpsertServices applies an upstream catalog to one account. Local overrides
// are kept, delisted rows that reappear are reactivated, and rows missing
// from items are delisted.
func (s *Store) UpsertServices(_ context.Context, accountID int64, items []models.ServiceUpsert, now time.Time) (models.CatalogSyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result models.CatalogSyncResult
	if _, ok := s.accounts[accountID]; !ok {
		return result, repository.ErrProviderNotFound
	}

	existing := make(map[string]int64)
	for id, service := range s.services {
		if service.ProviderAccountID == accountID {
			existing[service.ExternalServiceID] = id
		}
	}

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		seen[item.ExternalServiceID] = struct{}{}
		if id, ok := existing[item.ExternalServiceID]; ok {
			service := s.services[id]
			service.Name = item.Name
			service.Platform = item.Platform
			service.Type = item.Type
			service.PricePerThousand = item.PricePerThousand
			service.MinQuantity = item.MinQuantity
			service.MaxQuantity = item.MaxQuantity
			if service.DelistedAt != nil {
				service.DelistedAt = nil
				service.IsActive = true
				result.Reactivated++
			}
			service.UpdatedAt = now
			s.services[id] = service
			result.Upserted++
			continue
		}
		s.nextServiceID++
		s.services[s.nextServiceID] = models.ServiceDefinition{
			ID:                s.nextServiceID,
			ProviderAccountID: accountID,
			ExternalServiceID: item.ExternalServiceID,
			Name:              item.Name,
			Platform:          item.Platform,
			Type:              item.Type,
			PricePerThousand:  item.PricePerThousand,
			MinQuantity:       item.MinQuantity,
			MaxQuantity:       item.MaxQuantity,
			IsActive:          true,
			UpdatedAt:         now,
		}
		existing[item.ExternalServiceID] = s.nextServiceID
		result.Upserted++
	}

	for externalID, id := range existing {
		if _, ok := seen[externalID]; ok {
			continue
		}
		service := s.services[id]
		if service.DelistedAt != nil {
			continue
		}
		delisted := now
		service.DelistedAt = &delisted
		service.IsActive = false
		service.UpdatedAt = now
		s.services[id] = service
		result.Delisted++
	}
	return result, nil
}

// Orders

func (s *Store) CreateOrder(_ context.Context, in models.NewOrder) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[in.KeyID]; !ok {
		return models.Order{}, repository.ErrKeyNotFound
	}
	if _, ok := s.services[in.ServiceID]; !ok {
		return models.Order{}, repository.ErrServiceNotFound
	}
	now := s.now()
	order := models.Order{
		ID:         in.ID,
		KeyID:      in.KeyID,
		ServiceID:  in.ServiceID,
		Quantity:   in.Quantity,
		TargetURL:  in.TargetURL,
		Status:     models.OrderStatusPending,
		QuotaState: models.QuotaReserved,
		ResendOf:   in.ResendOf,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.orders[order.ID] = order
	return order, nil
}

func (s *Store) GetOrder(_ context.Context, id uuid.UUID) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return models.Order{}, repository.ErrOrderNotFound
	}
	return order, nil
}

func (s *Store) TransitionOrder(_ context.Context, id uuid.UUID, t models.OrderTransition) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return models.Order{}, repository.ErrOrderNotFound
	}
	if !containsStatus(t.From, order.Status) || (t.WithoutExternalID && order.ExternalOrderID != "") {
		return order, repository.ErrOrderStateNotAllowed
	}
	if t.To != "" {
		order.Status = t.To
	}
	if t.ExternalOrderID != nil {
		order.ExternalOrderID = *t.ExternalOrderID
	}
	if len(t.ProviderResponse) > 0 {
		order.ProviderResponse = append([]byte(nil), t.ProviderResponse...)
	}
	if t.Message != nil {
		order.Message = *t.Message
	}
	if t.QuotaState != nil {
		order.QuotaState = *t.QuotaState
	}
	if t.DispatchedAt != nil {
		v := *t.DispatchedAt
		order.DispatchedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		order.CompletedAt = &v
	}
	order.UpdatedAt = s.now()
	s.orders[id] = order
	return order, nil
}

func (s *Store) ListOrders(_ context.Context, filter models.OrderFilter) ([]models.Order, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.Order
	for _, order := range s.orders {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, order.Status) {
			continue
		}
		if filter.QuotaState != "" && order.QuotaState != filter.QuotaState {
			continue
		}
		if filter.KeyID > 0 && order.KeyID != filter.KeyID {
			continue
		}
		if filter.ServiceID > 0 && order.ServiceID != filter.ServiceID {
			continue
		}
		if filter.HasExternalID != nil && (order.ExternalOrderID != "") != *filter.HasExternalID {
			continue
		}
		if filter.CreatedBefore != nil && !order.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		if filter.UpdatedBefore != nil && !order.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		matched = append(matched, order)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if filter.StalestFirst {
			if a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.ID.String() < b.ID.String()
			}
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID.String() < b.ID.String()
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return paginate(matched, filter.Limit, filter.Offset), len(matched), nil
}

func (s *Store) OrderStats(_ context.Context) ([]models.OrderStatsRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type bucketKey struct{ status, platform string }
	buckets := make(map[bucketKey]*models.OrderStatsRow)
	for _, order := range s.orders {
		platform := ""
		if service, ok := s.services[order.ServiceID]; ok {
			platform = service.Platform
		}
		k := bucketKey{order.Status, platform}
		row, ok := buckets[k]
		if !ok {
			row = &models.OrderStatsRow{Status: order.Status, Platform: platform}
			buckets[k] = row
		}
		row.Orders++
		row.Quantity += int64(order.Quantity)
	}
	out := make([]models.OrderStatsRow, 0, len(buckets))
	for _, row := range buckets {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status == out[j].Status {
			return out[i].Platform < out[j].Platform
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

// CountOrders returns the number of stored orders.
func (s *Store) CountOrders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func containsStatus(list []string, status string) bool {
	for _, item := range list {
		if item == status {
			return true
		}
	}
	return false
}

func currencyOrDefault(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return "USD"
	}
	return currency
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
