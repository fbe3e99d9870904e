package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"keypanel/backend/internal/db"
	"keypanel/backend/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is not set")
	}
	if err := db.Migrate(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return New(pool)
}

func seedService(t *testing.T, repo *Repository) (models.ProviderAccount, models.ServiceDefinition) {
	t.Helper()
	ctx := context.Background()
	account, err := repo.CreateProviderAccount(ctx, models.ProviderAccountInput{
		Name: "test-" + uuid.NewString()[:8], Kind: models.ProviderKindSMMV2, BaseURL: "https://panel.example/api/v2", APIKey: "secret",
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := repo.UpsertServices(ctx, account.ID, []models.ServiceUpsert{
		{ExternalServiceID: "1", Name: "Instagram Followers", Platform: "instagram", Type: "followers", PricePerThousand: decimal.RequireFromString("0.95"), MinQuantity: 10, MaxQuantity: 1000},
	}, time.Now()); err != nil {
		t.Fatalf("upsert services: %v", err)
	}
	services, _, err := repo.ListServices(ctx, models.ServiceFilter{ProviderAccountID: account.ID})
	if err != nil || len(services) != 1 {
		t.Fatalf("list services: %v (%d)", err, len(services))
	}
	return account, services[0]
}

func TestReserveKeyNeverExceedsQuota(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	keys, err := repo.CreateKeys(ctx, []models.Key{{Value: "KP-TEST-" + uuid.NewString(), Category: "instagram", TotalQuota: 10}})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	key := keys[0]

	var reserved, unavailable atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.ReserveKey(ctx, key.ID, time.Now())
			switch {
			case err == nil:
				reserved.Add(1)
			case errors.Is(err, ErrKeyUnavailable):
				unavailable.Add(1)
			default:
				t.Errorf("reserve: %v", err)
			}
		}()
	}
	wg.Wait()
	if reserved.Load() != 10 || unavailable.Load() != 40 {
		t.Fatalf("expected 10/40, got %d/%d", reserved.Load(), unavailable.Load())
	}

	for i := 0; i < 10; i++ {
		if _, err := repo.CommitKey(ctx, key.ID, time.Now()); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	got, err := repo.GetKeyByID(ctx, key.ID)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if got.UsedCount != 10 || got.ReservedCount != 0 || got.Status != models.KeyStatusExhausted {
		t.Fatalf("unexpected key state %+v", got)
	}
	if _, err := repo.CommitKey(ctx, key.ID, time.Now()); !errors.Is(err, ErrNoReservation) {
		t.Fatalf("expected ErrNoReservation, got %v", err)
	}
}

func TestCreateKeysRejectsDuplicates(t *testing.T) {
	repo := newTestRepository(t)
	value := "KP-DUP-" + uuid.NewString()
	_, err := repo.CreateKeys(context.Background(), []models.Key{
		{Value: value, Category: "instagram", TotalQuota: 1},
		{Value: value, Category: "instagram", TotalQuota: 1},
	})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if _, err := repo.GetKeyByValue(context.Background(), value); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected batch rollback, got %v", err)
	}
}

func TestUpsertServicesKeepsCustomPriceAndDelists(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	account, service := seedService(t, repo)

	custom := decimal.RequireFromString("1.50")
	if _, err := repo.UpdateService(ctx, service.ID, models.ServicePatch{CustomPrice: &custom}); err != nil {
		t.Fatalf("update service: %v", err)
	}
	result, err := repo.UpsertServices(ctx, account.ID, []models.ServiceUpsert{
		{ExternalServiceID: "2", Name: "Instagram Likes", Platform: "instagram", Type: "likes", PricePerThousand: decimal.RequireFromString("0.10")},
	}, time.Now())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if result.Delisted != 1 || result.Upserted != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	got, err := repo.GetService(ctx, service.ID)
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if got.IsActive || got.DelistedAt == nil || got.CustomPrice == nil || !got.CustomPrice.Equal(custom) {
		t.Fatalf("unexpected service %+v", got)
	}

	result, err = repo.UpsertServices(ctx, account.ID, []models.ServiceUpsert{
		{ExternalServiceID: "1", Name: "Instagram Followers", Platform: "instagram", Type: "followers", PricePerThousand: decimal.RequireFromString("0.99")},
		{ExternalServiceID: "2", Name: "Instagram Likes", Platform: "instagram", Type: "likes", PricePerThousand: decimal.RequireFromString("0.10")},
	}, time.Now())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if result.Reactivated != 1 {
		t.Fatalf("expected reactivation, got %+v", result)
	}
}

func TestTransitionOrderIsConditional(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, service := seedService(t, repo)
	keys, err := repo.CreateKeys(ctx, []models.Key{{Value: "KP-ORD-" + uuid.NewString(), Category: "instagram", TotalQuota: 2}})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	order, err := repo.CreateOrder(ctx, models.NewOrder{ID: uuid.New(), KeyID: keys[0].ID, ServiceID: service.ID, Quantity: 100, TargetURL: "https://instagram.com/x"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	now := time.Now()
	if _, err := repo.TransitionOrder(ctx, order.ID, models.OrderTransition{
		From: []string{models.OrderStatusPending}, To: models.OrderStatusProcessing, DispatchedAt: &now,
	}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	externalID := "ext-1"
	if _, err := repo.TransitionOrder(ctx, order.ID, models.OrderTransition{
		From: []string{models.OrderStatusProcessing}, WithoutExternalID: true, ExternalOrderID: &externalID, ProviderResponse: []byte(`{"order":1}`),
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	current, err := repo.TransitionOrder(ctx, order.ID, models.OrderTransition{
		From: []string{models.OrderStatusProcessing}, WithoutExternalID: true, To: models.OrderStatusFailed,
	})
	if !errors.Is(err, ErrOrderStateNotAllowed) {
		t.Fatalf("expected reclaim to lose after acceptance, got %v", err)
	}
	if current.Status != models.OrderStatusProcessing || current.ExternalOrderID != externalID {
		t.Fatalf("unexpected current order %+v", current)
	}

	stats, err := repo.OrderStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	found := false
	for _, row := range stats {
		if row.Status == models.OrderStatusProcessing && row.Platform == "instagram" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected processing/instagram row in %s", fmt.Sprint(stats))
	}
}
