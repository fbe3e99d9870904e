// Package app builds the object graph shared by the api, worker and CLI
// binaries from a loaded config.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"keypanel/backend/internal/config"
	"keypanel/backend/internal/db"
	"keypanel/backend/internal/engine"
	"keypanel/backend/internal/integrations"
	"keypanel/backend/internal/keys"
	"keypanel/backend/internal/metrics"
	"keypanel/backend/internal/providers"
	"keypanel/backend/internal/providers/jsonrest"
	"keypanel/backend/internal/providers/smmv2"
	"keypanel/backend/internal/rate"
	"keypanel/backend/internal/reconciler"
	"keypanel/backend/internal/registry"
	"keypanel/backend/internal/repository"
	"keypanel/backend/internal/repository/memstore"

	"github.com/go-redis/redis/v8"
)

// Storage is everything the core needs from persistence. Both the Postgres
// repository and the in-memory store implement it.
type Storage interface {
	keys.Repository
	registry.Repository
	engine.Repository
}

var (
	_ Storage = (*repository.Repository)(nil)
	_ Storage = (*memstore.Store)(nil)
)

type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Storage    Storage
	Metrics    *metrics.Collector
	Providers  *providers.Router
	Keys       *keys.Store
	Registry   *registry.Registry
	Engine     *engine.Engine
	Reconciler *reconciler.Reconciler

	KeyLimiter rate.Limiter
	IPLimiter  rate.Limiter

	closers []func()
}

// New wires the application. Callers must Close the result.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	storage, err := a.openStorage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Storage = storage

	transport := providers.NewTransport(providers.TransportConfig{
		Timeout: cfg.Providers.HTTPTimeout,
		RPS:     cfg.Providers.RPS,
		Burst:   cfg.Providers.Burst,
	}, nil, logger)
	a.Providers = providers.NewRouter(cfg.Providers.HTTPTimeout, a.Metrics, logger,
		smmv2.New(transport),
		jsonrest.New(transport),
	)

	a.Keys = keys.NewStore(storage, logger)
	a.Registry = registry.New(storage, a.Providers, registry.Config{
		BalanceTimeout: cfg.Reconciler.AccountTimeout,
		Concurrency:    cfg.Reconciler.Concurrency,
	}, logger)
	a.Engine = engine.New(storage, a.Keys, a.Registry, a.Providers, a.Metrics, engine.Config{
		DispatchTimeout:    cfg.Orders.DispatchTimeout,
		PendingGrace:       cfg.Orders.PendingGrace,
		DispatchStaleAfter: cfg.Orders.DispatchStaleAfter,
		FulfillmentMaxAge:  cfg.Orders.FulfillmentMaxAge,
		SweepBatch:         cfg.Orders.SweepBatch,
	}, logger)

	opts := []reconciler.Option{reconciler.WithGauge(a.Metrics)}
	if cfg.Telegram.Token != "" && len(cfg.Telegram.ChatIDs) > 0 {
		opts = append(opts, reconciler.WithAlerter(integrations.NewTelegramAlerter(cfg.Telegram.Token, cfg.Telegram.ChatIDs)))
	}
	if cfg.S3.Bucket != "" {
		archive, err := integrations.NewS3(ctx, cfg.S3)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("s3: %w", err)
		}
		opts = append(opts, reconciler.WithArchiver(archive))
	}
	a.Reconciler = reconciler.New(a.Registry, reconciler.Config{
		LowThreshold:   cfg.Reconciler.LowThreshold,
		AccountTimeout: cfg.Reconciler.AccountTimeout,
		Concurrency:    cfg.Reconciler.Concurrency,
	}, logger, opts...)

	a.KeyLimiter, a.IPLimiter = a.newLimiters(ctx)
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (Storage, error) {
	cfg := a.Config
	if cfg.StorageDriver == config.StorageDriverMemory {
		a.Logger.Warn("storage", "status", "memory", "detail", "state is lost on restart")
		return memstore.New(), nil
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Logger.Info("storage", "status", "migrated")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	return repository.New(pool), nil
}

// newLimiters shares order rate limits through Redis when configured so all
// API instances see the same windows. Without Redis each process counts on
// its own.
func (a *App) newLimiters(ctx context.Context) (rate.Limiter, rate.Limiter) {
	rl := a.Config.RateLimit
	if a.Config.RedisURL != "" {
		client, err := rate.NewRedisClient(ctx, a.Config.RedisURL)
		if err == nil {
			a.closers = append(a.closers, func() { _ = client.Close() })
			return a.redisLimiter(client, "keypanel:rl:key:", rl.OrdersPerKey),
				a.redisLimiter(client, "keypanel:rl:ip:", rl.OrdersPerIP)
		}
		a.Logger.Warn("rate_limit", "status", "redis_unavailable", "error", err)
	}
	return rate.NewWindowLimiter(rl.OrdersPerKey, rl.Window), rate.NewWindowLimiter(rl.OrdersPerIP, rl.Window)
}

func (a *App) redisLimiter(client redis.UniversalClient, prefix string, limit int) rate.Limiter {
	return rate.NewRedisLimiter(client, prefix, limit, a.Config.RateLimit.Window, a.Logger)
}

// Close releases pools and clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
