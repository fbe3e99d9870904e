package keys

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/logging"
	"keypanel/backend/internal/models"
	"keypanel/backend/internal/repository/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *memstore.Store) {
	t.Helper()
	mem := memstore.New()
	return NewStore(mem, logging.Nop()), mem
}

func issueOne(t *testing.T, store *Store, category string, quota int, expiresAt *time.Time) models.Key {
	t.Helper()
	issued, err := store.Issue(context.Background(), models.KeyIssueParams{
		Count:      1,
		Category:   category,
		TotalQuota: quota,
		ExpiresAt:  expiresAt,
	})
	require.NoError(t, err)
	require.Len(t, issued, 1)
	return issued[0]
}

func TestValidateUnknownKey(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Validate(context.Background(), "KP-NOPE", "instagram.likes")
	assert.ErrorIs(t, err, fault.ErrKeyNotFound)

	_, err = store.Validate(context.Background(), "   ", "instagram.likes")
	assert.ErrorIs(t, err, fault.ErrKeyNotFound)
}

func TestValidateNormalizesInput(t *testing.T) {
	store, _ := newTestStore(t)
	key := issueOne(t, store, "Instagram", 3, nil)
	assert.Equal(t, "instagram", key.Category)

	got, err := store.Validate(context.Background(), "  "+key.Value+" ", "instagram.followers")
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
}

func TestReserveConsumeRelease(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	key := issueOne(t, store, "instagram", 2, nil)

	_, err := store.Reserve(ctx, key.ID)
	require.NoError(t, err)
	used, err := store.Consume(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	_, err = store.Reserve(ctx, key.ID)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, key.ID))

	current, err := store.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.UsedCount)
	assert.Equal(t, 0, current.ReservedCount)
	assert.Equal(t, models.KeyStatusActive, current.Status)

	_, err = store.Reserve(ctx, key.ID)
	require.NoError(t, err)
	used, err = store.Consume(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, used)

	current, err = store.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusExhausted, current.Status)

	_, err = store.Reserve(ctx, key.ID)
	assert.ErrorIs(t, err, fault.ErrKeyExhausted)
}

func TestConsumeWithoutReservationFails(t *testing.T) {
	store, _ := newTestStore(t)
	key := issueOne(t, store, "instagram", 2, nil)

	_, err := store.Consume(context.Background(), key.ID)
	require.Error(t, err)
}

func TestReserveExpiredKey(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	expiresAt := time.Now().UTC().Add(time.Hour)
	key := issueOne(t, store, "instagram", 5, &expiresAt)

	store.now = func() time.Time { return expiresAt.Add(time.Minute) }
	_, err := store.Reserve(ctx, key.ID)
	assert.ErrorIs(t, err, fault.ErrKeyExpired)

	n, err := store.ExpireDue(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	current, err := store.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusExpired, current.Status)
}

func TestExpiryBoundaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	expiresAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	key := issueOne(t, store, "instagram", 5, &expiresAt)

	store.now = func() time.Time { return expiresAt }
	_, err := store.Validate(ctx, key.Value, "instagram")
	require.NoError(t, err)
	_, err = store.Reserve(ctx, key.ID)
	require.NoError(t, err, "a key is still valid at its expiry instant")
	n, err := store.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	store.now = func() time.Time { return expiresAt.Add(time.Nanosecond) }
	_, err = store.Validate(ctx, key.Value, "instagram")
	assert.ErrorIs(t, err, fault.ErrKeyExpired)
	_, err = store.Reserve(ctx, key.ID)
	assert.ErrorIs(t, err, fault.ErrKeyExpired)
}

func TestConcurrentReserveNeverExceedsQuota(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	key := issueOne(t, store, "instagram", 10, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	success, exhausted := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Reserve(ctx, key.ID)
			if err == nil {
				_, err = store.Consume(ctx, key.ID)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, fault.ErrKeyExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, success)
	assert.Equal(t, 40, exhausted)
	current, err := store.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, current.UsedCount)
	assert.Equal(t, models.KeyStatusExhausted, current.Status)
}

func TestIssueValidation(t *testing.T) {
	store, _ := newTestStore(t)
	past := time.Now().UTC().Add(-time.Hour)

	cases := []models.KeyIssueParams{
		{Count: 0, Category: "instagram", TotalQuota: 1},
		{Count: 1, Category: "", TotalQuota: 1},
		{Count: 1, Category: "instagram", TotalQuota: 0},
		{Count: 1, Category: "instagram", TotalQuota: 1, ExpiresAt: &past},
	}
	for _, params := range cases {
		_, err := store.Issue(context.Background(), params)
		assert.Equal(t, fault.KindInvalidRequest, fault.KindOf(err), "params %+v", params)
	}
}
