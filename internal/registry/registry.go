// Package registry owns provider accounts and their service catalogs and
// decides which account fulfils a service.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/logging"
	"keypanel/backend/internal/models"
	"keypanel/backend/internal/providers"
	"keypanel/backend/internal/repository"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type Repository interface {
	GetService(ctx context.Context, id int64) (models.ServiceDefinition, error)
	ListServices(ctx context.Context, filter models.ServiceFilter) ([]models.ServiceDefinition, int, error)
	UpdateService(ctx context.Context, id int64, patch models.ServicePatch) (models.ServiceDefinition, error)
	UpsertServices(ctx context.Context, accountID int64, items []models.ServiceUpsert, now time.Time) (models.CatalogSyncResult, error)
	GetProviderAccount(ctx context.Context, id int64) (models.ProviderAccount, error)
	ListProviderAccounts(ctx context.Context, activeOnly bool) ([]models.ProviderAccount, error)
	CreateProviderAccount(ctx context.Context, in models.ProviderAccountInput) (models.ProviderAccount, error)
	UpdateProviderAccount(ctx context.Context, id int64, patch models.ProviderAccountPatch) (models.ProviderAccount, error)
	SetProviderBalance(ctx context.Context, id int64, balance decimal.Decimal, currency string, checkedAt time.Time) (models.ProviderAccount, error)
}

type Config struct {
	BalanceTimeout time.Duration
	CatalogTimeout time.Duration
	Concurrency    int
}

type Registry struct {
	repo   Repository
	client providers.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// CatalogReport is the outcome of refreshing one account's catalog.
type CatalogReport struct {
	AccountID   int64                    `json:"accountId"`
	AccountName string                   `json:"accountName"`
	Result      models.CatalogSyncResult `json:"result"`
	Error       string                   `json:"error,omitempty"`
}

func New(repo Repository, client providers.Client, cfg Config, logger *slog.Logger) *Registry {
	if cfg.BalanceTimeout <= 0 {
		cfg.BalanceTimeout = 10 * time.Second
	}
	if cfg.CatalogTimeout <= 0 {
		cfg.CatalogTimeout = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Registry{
		repo:   repo,
		client: client,
		cfg:    cfg,
		logger: logging.OrDefault(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetService returns a service definition by id.
func (r *Registry) GetService(ctx context.Context, serviceID int64) (models.ServiceDefinition, error) {
	service, err := r.repo.GetService(ctx, serviceID)
	if err != nil {
		return models.ServiceDefinition{}, mapRepoError(err)
	}
	return service, nil
}

// CategoryOf returns the "platform.type" category of a service.
func (r *Registry) CategoryOf(ctx context.Context, serviceID int64) (string, error) {
	service, err := r.GetService(ctx, serviceID)
	if err != nil {
		return "", err
	}
	return service.Category(), nil
}

// SelectAccountFor returns the service and the account that fulfils it. The
// service is unusable when it is disabled, its account is disabled, or the
// account's last balance check found no funds.
func (r *Registry) SelectAccountFor(ctx context.Context, serviceID int64) (models.ServiceDefinition, models.ProviderAccount, error) {
	return r.selectAccount(ctx, serviceID, true)
}

// SelectAccountForResend is SelectAccountFor without the balance gate. An
// operator resending an order has decided the cached balance is stale.
func (r *Registry) SelectAccountForResend(ctx context.Context, serviceID int64) (models.ServiceDefinition, models.ProviderAccount, error) {
	return r.selectAccount(ctx, serviceID, false)
}

func (r *Registry) selectAccount(ctx context.Context, serviceID int64, requireBalance bool) (models.ServiceDefinition, models.ProviderAccount, error) {
	service, err := r.GetService(ctx, serviceID)
	if err != nil {
		return models.ServiceDefinition{}, models.ProviderAccount{}, err
	}
	if !service.IsActive {
		return service, models.ProviderAccount{}, fault.ErrServiceInactive
	}
	account, err := r.repo.GetProviderAccount(ctx, service.ProviderAccountID)
	if err != nil {
		if errors.Is(err, repository.ErrProviderNotFound) {
			return service, models.ProviderAccount{}, fault.New(fault.KindServiceInvalid, fault.ReasonInactive, "service has no provider account")
		}
		return service, models.ProviderAccount{}, err
	}
	if !account.IsActive {
		return service, account, fault.New(fault.KindServiceInvalid, fault.ReasonInactive, "service provider is disabled")
	}
	if requireBalance && account.HasKnownEmptyBalance() {
		return service, account, fault.New(fault.KindServiceInvalid, fault.ReasonInactive, "service provider has no balance")
	}
	return service, account, nil
}

// RefreshServiceCatalog pulls the account's upstream catalog and applies it.
// Custom prices survive, delisted entries are deactivated rather than
// deleted, and delisted entries that reappear are reactivated. An empty
// upstream catalog is rejected so a broken provider cannot delist everything.
func (r *Registry) RefreshServiceCatalog(ctx context.Context, accountID int64) (models.CatalogSyncResult, error) {
	account, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return models.CatalogSyncResult{}, err
	}
	return r.refreshCatalog(ctx, account)
}

func (r *Registry) refreshCatalog(ctx context.Context, account models.ProviderAccount) (models.CatalogSyncResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CatalogTimeout)
	defer cancel()

	upstream, err := r.client.ListServices(callCtx, account)
	if err != nil {
		r.logger.Warn("refresh_catalog", "status", "provider_error", "account_id", account.ID, "error", err)
		return models.CatalogSyncResult{}, err
	}
	if len(upstream) == 0 {
		r.logger.Warn("refresh_catalog", "status", "empty_catalog", "account_id", account.ID)
		return models.CatalogSyncResult{}, fault.Provider(fault.ReasonMalformedResponse, "provider returned an empty catalog", nil)
	}

	items := toUpserts(upstream)
	result, err := r.repo.UpsertServices(ctx, account.ID, items, r.now())
	if err != nil {
		return models.CatalogSyncResult{}, mapRepoError(err)
	}
	r.logger.Info("refresh_catalog", "status", "ok", "account_id", account.ID, "upserted", result.Upserted, "reactivated", result.Reactivated, "delisted", result.Delisted)
	return result, nil
}

// RefreshAllCatalogs refreshes every active account concurrently. One
// account failing does not stop the others.
func (r *Registry) RefreshAllCatalogs(ctx context.Context) ([]CatalogReport, error) {
	accounts, err := r.repo.ListProviderAccounts(ctx, true)
	if err != nil {
		return nil, err
	}
	reports := make([]CatalogReport, len(accounts))
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, account := range accounts {
		g.Go(func() error {
			report := CatalogReport{AccountID: account.ID, AccountName: account.Name}
			result, err := r.refreshCatalog(ctx, account)
			if err != nil {
				report.Error = publicMessage(err)
			} else {
				report.Result = result
			}
			reports[i] = report
			return nil
		})
	}
	_ = g.Wait()
	return reports, nil
}

// RefreshBalance fetches and caches the account balance. On failure the
// cached balance and check time are left untouched.
func (r *Registry) RefreshBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	account, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	updated, err := r.RefreshAccountBalance(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	return updated.Balance, nil
}

// RefreshAccountBalance is RefreshBalance for an already loaded account. The
// provider call runs under the registry's balance timeout.
func (r *Registry) RefreshAccountBalance(ctx context.Context, account models.ProviderAccount) (models.ProviderAccount, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.BalanceTimeout)
	defer cancel()

	balance, err := r.client.GetBalance(callCtx, account)
	if err != nil {
		return account, err
	}
	currency := balance.Currency
	if currency == "" {
		currency = account.Currency
	}
	updated, err := r.repo.SetProviderBalance(ctx, account.ID, balance.Amount, currency, r.now())
	if err != nil {
		return account, mapRepoError(err)
	}
	return updated, nil
}

func (r *Registry) GetAccount(ctx context.Context, accountID int64) (models.ProviderAccount, error) {
	account, err := r.repo.GetProviderAccount(ctx, accountID)
	if err != nil {
		return models.ProviderAccount{}, mapRepoError(err)
	}
	return account, nil
}

func (r *Registry) ListAccounts(ctx context.Context, activeOnly bool) ([]models.ProviderAccount, error) {
	return r.repo.ListProviderAccounts(ctx, activeOnly)
}

func (r *Registry) CreateAccount(ctx context.Context, in models.ProviderAccountInput) (models.ProviderAccount, error) {
	in.Kind = strings.TrimSpace(in.Kind)
	if in.Kind != models.ProviderKindSMMV2 && in.Kind != models.ProviderKindJSONRest {
		return models.ProviderAccount{}, fault.InvalidRequest(fault.ReasonNone, "unsupported provider kind")
	}
	account, err := r.repo.CreateProviderAccount(ctx, in)
	if err != nil {
		return models.ProviderAccount{}, err
	}
	r.logger.Info("provider_account_created", "account_id", account.ID, "kind", account.Kind)
	return account, nil
}

func (r *Registry) UpdateAccount(ctx context.Context, accountID int64, patch models.ProviderAccountPatch) (models.ProviderAccount, error) {
	account, err := r.repo.UpdateProviderAccount(ctx, accountID, patch)
	if err != nil {
		return models.ProviderAccount{}, mapRepoError(err)
	}
	return account, nil
}

func (r *Registry) ListServices(ctx context.Context, filter models.ServiceFilter) ([]models.ServiceDefinition, int, error) {
	return r.repo.ListServices(ctx, filter)
}

// UpdateService applies an admin override. Custom prices are local and are
// never overwritten by catalog refreshes.
func (r *Registry) UpdateService(ctx context.Context, serviceID int64, patch models.ServicePatch) (models.ServiceDefinition, error) {
	if patch.CustomPrice != nil && patch.CustomPrice.IsNegative() {
		return models.ServiceDefinition{}, fault.InvalidRequest(fault.ReasonNone, "customPrice must not be negative")
	}
	service, err := r.repo.UpdateService(ctx, serviceID, patch)
	if err != nil {
		return models.ServiceDefinition{}, mapRepoError(err)
	}
	return service, nil
}

func toUpserts(upstream []providers.Service) []models.ServiceUpsert {
	index := make(map[string]int, len(upstream))
	items := make([]models.ServiceUpsert, 0, len(upstream))
	for _, svc := range upstream {
		platform, typ := providers.Classify(svc.Category, svc.Name)
		if typ == providers.Unclassified {
			_, typ = providers.Classify("", svc.Type)
		}
		item := models.ServiceUpsert{
			ExternalServiceID: svc.ExternalID,
			Name:              svc.Name,
			Platform:          platform,
			Type:              typ,
			PricePerThousand:  svc.Rate,
			MinQuantity:       svc.Min,
			MaxQuantity:       svc.Max,
		}
		if i, ok := index[svc.ExternalID]; ok {
			items[i] = item
			continue
		}
		index[svc.ExternalID] = len(items)
		items = append(items, item)
	}
	return items
}

func publicMessage(err error) string {
	if fe, ok := fault.As(err); ok {
		return fe.Message
	}
	return "internal error"
}

func mapRepoError(err error) error {
	switch {
	case errors.Is(err, repository.ErrServiceNotFound):
		return fault.ErrServiceNotFound
	case errors.Is(err, repository.ErrProviderNotFound):
		return fault.ErrProviderNotFound
	default:
		return err
	}
}
