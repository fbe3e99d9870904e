package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"keypanel/backend/internal/auth"
	"keypanel/backend/internal/engine"
	authmw "keypanel/backend/internal/http/middleware"
	"keypanel/backend/internal/keys"
	"keypanel/backend/internal/metrics"
	"keypanel/backend/internal/rate"
	"keypanel/backend/internal/reconciler"
	"keypanel/backend/internal/registry"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Engine      *engine.Engine
	Keys        *keys.Store
	Registry    *registry.Registry
	Reconciler  *reconciler.Reconciler
	Metrics     *metrics.Collector
	KeyLimiter  rate.Limiter
	IPLimiter   rate.Limiter
	Credentials auth.Credentials
	JWTSecret   string
	// RequestTimeout bounds a whole request. It must exceed the order
	// dispatch timeout so placement can report the provider outcome.
	RequestTimeout time.Duration
}

type Handler struct {
	engine      *engine.Engine
	keys        *keys.Store
	registry    *registry.Registry
	reconciler  *reconciler.Reconciler
	metrics     *metrics.Collector
	keyLimiter  rate.Limiter
	ipLimiter   rate.Limiter
	credentials auth.Credentials
	jwtSecret   string
	reqTimeout  time.Duration
	logger      *slog.Logger
	validator   *validator.Validate
}

func New(deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	return &Handler{
		engine:      deps.Engine,
		keys:        deps.Keys,
		registry:    deps.Registry,
		reconciler:  deps.Reconciler,
		metrics:     deps.Metrics,
		keyLimiter:  deps.KeyLimiter,
		ipLimiter:   deps.IPLimiter,
		credentials: deps.Credentials,
		jwtSecret:   deps.JWTSecret,
		reqTimeout:  deps.RequestTimeout,
		logger:      logger,
		validator:   validator.New(),
	}
}

func (h *Handler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

// withLongTimeout is for calls that fan out to providers.
func (h *Handler) withLongTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 2*time.Minute)
}

func (h *Handler) loggerForRequest(r *http.Request) *slog.Logger {
	logger := h.logger
	if logger == nil {
		return slog.Default()
	}
	if reqID := chimw.GetReqID(r.Context()); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if login, ok := authmw.AdminLoginFromContext(r.Context()); ok {
		logger = logger.With("admin", login)
	}
	return logger
}
