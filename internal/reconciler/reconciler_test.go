package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"keypanel/backend/internal/logging"
	"keypanel/backend/internal/models"
	"keypanel/backend/internal/providers"
	"keypanel/backend/internal/providers/providertest"
	"keypanel/backend/internal/registry"
	"keypanel/backend/internal/repository/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) NotifyBalance(_ context.Context, report models.BalanceReport, previous string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, report.AccountName+":"+previous+"->"+report.Level)
	return nil
}

type recordingArchiver struct {
	batches [][]models.BalanceReport
}

func (a *recordingArchiver) ArchiveReports(_ context.Context, _ time.Time, reports []models.BalanceReport) (string, error) {
	a.batches = append(a.batches, reports)
	return "mem://balances", nil
}

func setup(t *testing.T, balances map[string]func(ctx context.Context) (providers.Balance, error)) (*registry.Registry, []models.ProviderAccount) {
	t.Helper()
	mem := memstore.New()
	fake := providertest.New(models.ProviderKindJSONRest)
	router := providers.NewRouter(5*time.Second, nil, logging.Nop(), fake)
	reg := registry.New(mem, router, registry.Config{}, logging.Nop())

	var accounts []models.ProviderAccount
	for _, name := range []string{"panel-1", "panel-2", "panel-3"} {
		account, err := mem.CreateProviderAccount(context.Background(), models.ProviderAccountInput{
			Name: name, Kind: models.ProviderKindJSONRest, BaseURL: "https://" + name + ".example", APIKey: "k",
		})
		require.NoError(t, err)
		accounts = append(accounts, account)
	}
	fake.BalanceFunc = func(ctx context.Context, account models.ProviderAccount) (providers.Balance, error) {
		return balances[account.Name](ctx)
	}
	return reg, accounts
}

func fixed(amount string) func(context.Context) (providers.Balance, error) {
	return func(context.Context) (providers.Balance, error) {
		return providers.Balance{Amount: decimal.RequireFromString(amount), Currency: "USD"}, nil
	}
}

func TestRefreshAllIsolatesTimedOutProvider(t *testing.T) {
	reg, accounts := setup(t, map[string]func(context.Context) (providers.Balance, error){
		"panel-1": fixed("25"),
		"panel-2": func(ctx context.Context) (providers.Balance, error) {
			<-ctx.Done()
			return providers.Balance{}, ctx.Err()
		},
		"panel-3": fixed("4.50"),
	})
	archiver := &recordingArchiver{}
	r := New(reg, Config{AccountTimeout: 100 * time.Millisecond}, logging.Nop(), WithArchiver(archiver))

	start := time.Now()
	reports, err := r.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, reports, 3)

	assert.True(t, reports[0].OK())
	assert.True(t, reports[0].Balance.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, models.BalanceLevelNormal, reports[0].Level)

	assert.Equal(t, accounts[1].ID, reports[1].AccountID)
	assert.False(t, reports[1].OK())
	assert.Equal(t, "provider timed out", reports[1].Error)
	assert.Nil(t, reports[1].Balance)

	assert.True(t, reports[2].OK())
	assert.Equal(t, models.BalanceLevelLow, reports[2].Level)

	cached, err := reg.GetAccount(context.Background(), accounts[0].ID)
	require.NoError(t, err)
	assert.True(t, cached.Balance.Equal(decimal.NewFromInt(25)))

	require.Len(t, archiver.batches, 1)
	assert.Len(t, archiver.batches[0], 3)
}

func TestAlertsOnlyOnLevelChange(t *testing.T) {
	amount := "20"
	var mu sync.Mutex
	current := func(context.Context) (providers.Balance, error) {
		mu.Lock()
		defer mu.Unlock()
		return providers.Balance{Amount: decimal.RequireFromString(amount), Currency: "USD"}, nil
	}
	reg, _ := setup(t, map[string]func(context.Context) (providers.Balance, error){
		"panel-1": current, "panel-2": fixed("50"), "panel-3": fixed("50"),
	})
	alerter := &recordingAlerter{}
	r := New(reg, Config{}, logging.Nop(), WithAlerter(alerter))
	ctx := context.Background()

	_, err := r.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerter.alerts)

	mu.Lock()
	amount = "3"
	mu.Unlock()
	_, err = r.RefreshAll(ctx)
	require.NoError(t, err)
	_, err = r.RefreshAll(ctx)
	require.NoError(t, err)

	mu.Lock()
	amount = "0"
	mu.Unlock()
	_, err = r.RefreshAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"panel-1:normal->low", "panel-1:low->zero"}, alerter.alerts)
}

func TestClassify(t *testing.T) {
	threshold := decimal.NewFromInt(10)
	cases := map[string]string{
		"0":     models.BalanceLevelZero,
		"-1":    models.BalanceLevelZero,
		"0.01":  models.BalanceLevelLow,
		"9.99":  models.BalanceLevelLow,
		"10":    models.BalanceLevelNormal,
		"250.5": models.BalanceLevelNormal,
	}
	for in, want := range cases {
		if got := Classify(decimal.RequireFromString(in), threshold); got != want {
			t.Fatalf("Classify(%s) = %s, want %s", in, got, want)
		}
	}
}
