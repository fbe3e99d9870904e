// Package reconciler refreshes every provider account balance concurrently
// and classifies the result. One slow or failing provider never holds up or
// fails the others.
package reconciler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/logging"
	"keypanel/backend/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Registry is the part of the provider registry the reconciler drives.
type Registry interface {
	ListAccounts(ctx context.Context, activeOnly bool) ([]models.ProviderAccount, error)
	RefreshAccountBalance(ctx context.Context, account models.ProviderAccount) (models.ProviderAccount, error)
}

// Alerter is told when an account drops to a low or zero balance.
type Alerter interface {
	NotifyBalance(ctx context.Context, report models.BalanceReport, previousLevel string) error
}

// Archiver stores a finished batch of reports.
type Archiver interface {
	ArchiveReports(ctx context.Context, at time.Time, reports []models.BalanceReport) (string, error)
}

// Gauge exports the last known balance per account.
type Gauge interface {
	SetProviderBalance(accountID int64, account, currency string, balance decimal.Decimal)
}

type Config struct {
	LowThreshold   decimal.Decimal
	AccountTimeout time.Duration
	Concurrency    int
}

type Reconciler struct {
	registry Registry
	cfg      Config
	alerter  Alerter
	archiver Archiver
	gauge    Gauge
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	levels map[int64]string
}

type Option func(*Reconciler)

func WithAlerter(a Alerter) Option   { return func(r *Reconciler) { r.alerter = a } }
func WithArchiver(a Archiver) Option { return func(r *Reconciler) { r.archiver = a } }
func WithGauge(g Gauge) Option       { return func(r *Reconciler) { r.gauge = g } }

func New(registry Registry, cfg Config, logger *slog.Logger, opts ...Option) *Reconciler {
	if cfg.LowThreshold.IsZero() {
		cfg.LowThreshold = decimal.NewFromInt(10)
	}
	if cfg.AccountTimeout <= 0 {
		cfg.AccountTimeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	r := &Reconciler{
		registry: registry,
		cfg:      cfg,
		logger:   logging.OrDefault(logger),
		now:      func() time.Time { return time.Now().UTC() },
		levels:   make(map[int64]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify buckets a balance as zero, low (below threshold) or normal.
func Classify(balance, threshold decimal.Decimal) string {
	switch {
	case balance.Sign() <= 0:
		return models.BalanceLevelZero
	case balance.LessThan(threshold):
		return models.BalanceLevelLow
	default:
		return models.BalanceLevelNormal
	}
}

// RefreshAll refreshes every active account and returns one report per
// account in id order. Only a failure to list accounts is returned as an
// error; per account failures are reported in the entries.
func (r *Reconciler) RefreshAll(ctx context.Context) ([]models.BalanceReport, error) {
	accounts, err := r.registry.ListAccounts(ctx, true)
	if err != nil {
		return nil, err
	}
	reports := make([]models.BalanceReport, len(accounts))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, account := range accounts {
		g.Go(func() error {
			reports[i] = r.refreshOne(ctx, account)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(reports, func(i, j int) bool { return reports[i].AccountID < reports[j].AccountID })
	r.afterRefresh(ctx, reports)
	return reports, nil
}

func (r *Reconciler) refreshOne(ctx context.Context, account models.ProviderAccount) models.BalanceReport {
	accountCtx, cancel := context.WithTimeout(ctx, r.cfg.AccountTimeout)
	defer cancel()

	report := models.BalanceReport{AccountID: account.ID, AccountName: account.Name}
	updated, err := r.registry.RefreshAccountBalance(accountCtx, account)
	report.CheckedAt = r.now()
	if err != nil {
		if accountCtx.Err() == context.DeadlineExceeded && fault.KindOf(err) == "" {
			err = fault.ErrProviderTimeout
		}
		report.Error = errorMessage(err)
		r.logger.Warn("refresh_balance", "status", "error", "account_id", account.ID, "error", err)
		return report
	}
	balance := updated.Balance
	report.Balance = &balance
	report.Currency = updated.Currency
	report.Level = Classify(balance, r.cfg.LowThreshold)
	return report
}

func (r *Reconciler) afterRefresh(ctx context.Context, reports []models.BalanceReport) {
	failed := 0
	for _, report := range reports {
		if !report.OK() {
			failed++
			continue
		}
		if r.gauge != nil {
			r.gauge.SetProviderBalance(report.AccountID, report.AccountName, report.Currency, *report.Balance)
		}
		previous := r.swapLevel(report.AccountID, report.Level)
		if previous == report.Level || report.Level == models.BalanceLevelNormal || r.alerter == nil {
			continue
		}
		if err := r.alerter.NotifyBalance(ctx, report, previous); err != nil {
			r.logger.Warn("balance_alert", "status", "send_failed", "account_id", report.AccountID, "error", err)
		}
	}

	if r.archiver != nil && len(reports) > 0 {
		location, err := r.archiver.ArchiveReports(ctx, r.now(), reports)
		if err != nil {
			r.logger.Warn("archive_balances", "status", "failed", "error", err)
		} else {
			r.logger.Debug("archive_balances", "status", "ok", "location", location)
		}
	}
	r.logger.Info("refresh_balances", "status", "done", "accounts", len(reports), "failed", failed)
}

func (r *Reconciler) swapLevel(accountID int64, level string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.levels[accountID]
	r.levels[accountID] = level
	return previous
}

func errorMessage(err error) string {
	if fe, ok := fault.As(err); ok {
		return fe.Message
	}
	return "balance refresh failed"
}
