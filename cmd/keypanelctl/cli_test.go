package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"keypanel/backend/internal/app"
	"keypanel/backend/internal/config"
	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/logging"
	"keypanel/backend/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*config.Config, *app.App) {
	t.Helper()
	cfg := &config.Config{
		StorageDriver: config.StorageDriverMemory,
		JWTSecret:     "test",
		Admin:         config.AdminConfig{Login: "root", Password: "master"},
		RateLimit:     config.RateLimitConfig{OrdersPerKey: 10, OrdersPerIP: 10, Window: time.Minute},
	}
	a, err := app.New(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return cfg, a
}

func seedService(t *testing.T, a *app.App, platform, typ string) models.ServiceDefinition {
	t.Helper()
	ctx := context.Background()
	account, err := a.Storage.CreateProviderAccount(ctx, models.ProviderAccountInput{
		Name: "panel-a", Kind: models.ProviderKindSMMV2, BaseURL: "https://panel.example/api/v2", APIKey: "secret",
	})
	require.NoError(t, err)
	_, err = a.Storage.UpsertServices(ctx, account.ID, []models.ServiceUpsert{
		{ExternalServiceID: "7", Name: platform + " " + typ, Platform: platform, Type: typ, PricePerThousand: decimal.NewFromInt(1), MinQuantity: 100, MaxQuantity: 1000},
	}, time.Now())
	require.NoError(t, err)
	services, _, err := a.Storage.ListServices(ctx, models.ServiceFilter{})
	require.NoError(t, err)
	require.Len(t, services, 1)
	return services[0]
}

func executeCLI(t *testing.T, cfg *config.Config, a *app.App, args ...string) (string, string, error) {
	t.Helper()
	c := &cli{cfg: cfg, app: a}
	cmd := newRootCmd(c)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestKeysIssueListAndCheck(t *testing.T) {
	cfg, a := newTestApp(t)

	out, _, err := executeCLI(t, cfg, a, "keys", "issue", "--category", "instagram", "--quota", "3", "--count", "2", "--json")
	require.NoError(t, err)
	var issued []models.Key
	require.NoError(t, json.Unmarshal([]byte(out), &issued))
	require.Len(t, issued, 2)
	assert.Equal(t, 3, issued[0].TotalQuota)
	assert.Equal(t, "instagram", issued[0].Category)

	out, _, err = executeCLI(t, cfg, a, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "total: 2")
	assert.NotContains(t, out, issued[0].Value, "list must mask key values")

	out, _, err = executeCLI(t, cfg, a, "keys", "check", issued[1].Value)
	require.NoError(t, err)
	assert.Contains(t, out, "remaining 3")
}

func TestKeysCheckAgainstService(t *testing.T) {
	cfg, a := newTestApp(t)
	ctx := context.Background()
	service := seedService(t, a, "tiktok", "views")

	issued, err := a.Keys.Issue(ctx, models.KeyIssueParams{Count: 1, Category: "instagram", TotalQuota: 1})
	require.NoError(t, err)

	_, _, err = executeCLI(t, cfg, a, "keys", "check", issued[0].Value, "--service", strconv.FormatInt(service.ID, 10))
	require.Error(t, err)
	assert.Equal(t, fault.KindKeyInvalid, fault.KindOf(err), "got %v", err)
}

func TestKeysIssueRequiresCategory(t *testing.T) {
	cfg, a := newTestApp(t)
	_, _, err := executeCLI(t, cfg, a, "keys", "issue", "--quota", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "category")
}

func TestProvidersAddAndList(t *testing.T) {
	cfg, a := newTestApp(t)

	out, _, err := executeCLI(t, cfg, a, "providers", "add", "--name", "panel-b", "--url", "https://panel.example/api/v2", "--api-key", "k", "--currency", "USD")
	require.NoError(t, err)
	assert.Contains(t, out, "created provider")

	out, _, err = executeCLI(t, cfg, a, "providers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "panel-b")
	assert.Contains(t, out, "unknown", "balance is unknown until the first check")

	_, _, err = executeCLI(t, cfg, a, "providers", "disable", "abc")
	require.Error(t, err)
}

func TestOrdersErrors(t *testing.T) {
	cfg, a := newTestApp(t)

	_, _, err := executeCLI(t, cfg, a, "orders", "show", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid order id")

	_, _, err = executeCLI(t, cfg, a, "orders", "show", uuid.NewString())
	require.Error(t, err)
	assert.Equal(t, fault.KindOrderInvalid, fault.KindOf(err), "got %v", err)

	t.Setenv("KEYPANEL_STEP_UP_PASSWORD", "")
	_, _, err = executeCLI(t, cfg, a, "orders", "resend", uuid.NewString())
	assert.True(t, errors.Is(err, errStepUpRequired), "got %v", err)

	_, _, err = executeCLI(t, cfg, a, "orders", "resend", uuid.NewString(), "--password", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step-up")

	_, _, err = executeCLI(t, cfg, a, "orders", "resend", uuid.NewString(), "--password", "master")
	assert.Equal(t, fault.KindOrderInvalid, fault.KindOf(err), "got %v", err)
}

func TestOrdersSubmitThenCancelReleasesQuota(t *testing.T) {
	cfg, a := newTestApp(t)
	ctx := context.Background()
	service := seedService(t, a, "instagram", "followers")
	issued, err := a.Keys.Issue(ctx, models.KeyIssueParams{Count: 1, Category: "instagram", TotalQuota: 1})
	require.NoError(t, err)
	key := issued[0]

	out, _, err := executeCLI(t, cfg, a, "orders", "submit", "--json",
		"--key", key.Value, "--service", strconv.FormatInt(service.ID, 10),
		"--quantity", "150", "--target", "https://instagram.com/someone")
	require.NoError(t, err)
	var order models.Order
	require.NoError(t, json.Unmarshal([]byte(out), &order))
	assert.Equal(t, models.OrderStatusPending, order.Status)

	reloaded, err := a.Keys.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.ReservedCount)

	out, _, err = executeCLI(t, cfg, a, "orders", "cancel", order.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, models.OrderStatusCancelled)

	reloaded, err = a.Keys.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.ReservedCount)
	assert.Equal(t, 0, reloaded.UsedCount)

	_, _, err = executeCLI(t, cfg, a, "orders", "dispatch", order.ID.String())
	assert.Equal(t, fault.KindOrderInvalid, fault.KindOf(err), "got %v", err)
}

func TestOrdersSweepAndStatsOnEmptyStore(t *testing.T) {
	cfg, a := newTestApp(t)

	out, _, err := executeCLI(t, cfg, a, "orders", "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "reclaimed 0")

	out, _, err = executeCLI(t, cfg, a, "orders", "stats", "--json")
	require.NoError(t, err)
	var stats models.OrderStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Zero(t, stats.Total)
}

func TestMigrateNeedsPostgres(t *testing.T) {
	cfg, a := newTestApp(t)
	_, _, err := executeCLI(t, cfg, a, "migrate", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_DRIVER=postgres")
}

func TestInjectedAppIsNotClosed(t *testing.T) {
	cfg, a := newTestApp(t)
	_, _, err := executeCLI(t, cfg, a, "keys", "expire")
	require.NoError(t, err)
	_, err = a.Keys.Issue(context.Background(), models.KeyIssueParams{Count: 1, Category: "youtube", TotalQuota: 1})
	require.NoError(t, err)
}
