// Package engine runs the order state machine. An order moves
// pending -> processing -> completed|failed, or pending -> cancelled before
// dispatch. A key quota slot is reserved when the order is created, committed
// once the provider accepts it and released when dispatch fails or the order
// is cancelled, so a rejected order never costs the key a use.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/keys"
	"keypanel/backend/internal/logging"
	"keypanel/backend/internal/models"
	"keypanel/backend/internal/providers"
	"keypanel/backend/internal/registry"
	"keypanel/backend/internal/repository"

	"github.com/google/uuid"
)

const maxTargetURLLength = 2048

type Repository interface {
	CreateOrder(ctx context.Context, in models.NewOrder) (models.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error)
	TransitionOrder(ctx context.Context, id uuid.UUID, t models.OrderTransition) (models.Order, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, int, error)
	OrderStats(ctx context.Context) ([]models.OrderStatsRow, error)
}

// Metrics receives order and key outcomes. *metrics.Collector implements it.
type Metrics interface {
	ObserveOrder(status string)
	IncKeyRedemption(result string)
}

type Config struct {
	DispatchTimeout    time.Duration
	PendingGrace       time.Duration
	DispatchStaleAfter time.Duration
	FulfillmentMaxAge  time.Duration
	SweepBatch         int
}

type Engine struct {
	orders   Repository
	keys     *keys.Store
	registry *registry.Registry
	client   providers.Client
	metrics  Metrics
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// PlaceOrderRequest is a redemption request from a key holder.
type PlaceOrderRequest struct {
	KeyValue  string
	ServiceID int64
	Quantity  int
	TargetURL string
}

func New(orders Repository, keyStore *keys.Store, reg *registry.Registry, client providers.Client, m Metrics, cfg Config, logger *slog.Logger) *Engine {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 20 * time.Second
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = 15 * time.Second
	}
	if cfg.DispatchStaleAfter <= 0 {
		cfg.DispatchStaleAfter = 2 * time.Minute
	}
	if cfg.DispatchStaleAfter <= cfg.DispatchTimeout {
		cfg.DispatchStaleAfter = 2 * cfg.DispatchTimeout
	}
	if cfg.FulfillmentMaxAge <= 0 {
		cfg.FulfillmentMaxAge = 7 * 24 * time.Hour
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &Engine{
		orders:   orders,
		keys:     keyStore,
		registry: reg,
		client:   client,
		metrics:  m,
		cfg:      cfg,
		logger:   logging.OrDefault(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PlaceOrder validates the request, records the order and dispatches it to
// the provider. Validation failures return before any order row exists. A
// failed dispatch returns the failed order together with the provider fault.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (models.Order, error) {
	order, service, account, err := e.submit(ctx, req)
	if err != nil {
		return models.Order{}, err
	}
	return e.dispatch(ctx, order, service, account)
}

// Submit validates the request and records a pending order holding one key
// reservation without contacting the provider. The worker dispatches it.
func (e *Engine) Submit(ctx context.Context, req PlaceOrderRequest) (models.Order, error) {
	order, _, _, err := e.submit(ctx, req)
	return order, err
}

// Dispatch sends a pending order to its provider.
func (e *Engine) Dispatch(ctx context.Context, orderID uuid.UUID) (models.Order, error) {
	order, err := e.getOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.Status != models.OrderStatusPending {
		return order, fault.ErrOrderStateNotAllowed
	}
	service, account, err := e.registry.SelectAccountFor(ctx, order.ServiceID)
	if err != nil {
		return e.failPending(ctx, order, err)
	}
	return e.dispatch(ctx, order, service, account)
}

func (e *Engine) submit(ctx context.Context, req PlaceOrderRequest) (models.Order, models.ServiceDefinition, models.ProviderAccount, error) {
	logger := e.logger.With("action", "place_order", "service_id", req.ServiceID)

	target, err := normalizeTarget(req.TargetURL)
	if err != nil {
		return models.Order{}, models.ServiceDefinition{}, models.ProviderAccount{}, err
	}
	if req.Quantity <= 0 {
		return models.Order{}, models.ServiceDefinition{}, models.ProviderAccount{}, fault.InvalidRequest(fault.ReasonQuantityOutOfRange, "quantity must be positive")
	}

	category, err := e.registry.CategoryOf(ctx, req.ServiceID)
	if err != nil {
		logger.Info("place_order", "status", "service_invalid", "error", err)
		return models.Order{}, models.ServiceDefinition{}, models.ProviderAccount{}, err
	}
	key, err := e.keys.Validate(ctx, req.KeyValue, category)
	if err != nil {
		e.metrics.IncKeyRedemption(redemptionResult(err))
		logger.Info("place_order", "status", "key_invalid", "error", err)
		return models.Order{}, models.ServiceDefinition{}, models.ProviderAccount{}, err
	}
	service, account, err := e.registry.SelectAccountFor(ctx, req.ServiceID)
	if err != nil {
		logger.Info("place_order", "status", "service_invalid", "error", err)
		return models.Order{}, models.ServiceDefinition{}, models.ProviderAccount{}, err
	}
	if err := checkQuantity(service, req.Quantity); err != nil {
		return models.Order{}, models.ServiceDefinition{}, models.ProviderAccount{}, err
	}
	if !providers.TargetMatches(service.Platform, target) {
		return models.Order{}, models.ServiceDefinition{}, models.ProviderAccount{}, fault.InvalidRequest(fault.ReasonInvalidTarget, "targetUrl does not point at "+service.Platform)
	}

	if _, err := e.keys.Reserve(ctx, key.ID); err != nil {
		e.metrics.IncKeyRedemption(redemptionResult(err))
		logger.Info("place_order", "status", "key_unavailable", "key_id", key.ID, "error", err)
		return models.Order{}, models.ServiceDefinition{}, models.ProviderAccount{}, err
	}
	order, err := e.orders.CreateOrder(ctx, models.NewOrder{
		ID:        uuid.New(),
		KeyID:     key.ID,
		ServiceID: service.ID,
		Quantity:  req.Quantity,
		TargetURL: target,
	})
	if err != nil {
		e.releaseKey(key.ID)
		logger.Error("place_order", "status", "db_error", "error", err)
		return models.Order{}, models.ServiceDefinition{}, models.ProviderAccount{}, err
	}
	e.metrics.IncKeyRedemption("ok")
	e.metrics.ObserveOrder(models.OrderStatusPending)
	return order, service, account, nil
}

// dispatch moves a pending order to processing and calls the provider. The
// provider call runs under its own deadline detached from the caller so an
// abandoned request still resolves the order.
func (e *Engine) dispatch(ctx context.Context, order models.Order, service models.ServiceDefinition, account models.ProviderAccount) (models.Order, error) {
	logger := e.logger.With("action", "dispatch_order", "order_id", order.ID, "provider_id", account.ID)
	ctx = context.WithoutCancel(ctx)

	dispatchedAt := e.now()
	processing, err := e.orders.TransitionOrder(ctx, order.ID, models.OrderTransition{
		From:         []string{models.OrderStatusPending},
		To:           models.OrderStatusProcessing,
		DispatchedAt: &dispatchedAt,
	})
	if err != nil {
		if errors.Is(err, repository.ErrOrderStateNotAllowed) {
			logger.Info("dispatch_order", "status", "not_pending", "current", processing.Status)
			return processing, fault.ErrOrderStateNotAllowed
		}
		logger.Error("dispatch_order", "status", "db_error", "error", err)
		return order, err
	}
	e.metrics.ObserveOrder(models.OrderStatusProcessing)

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	placed, callErr := e.client.PlaceOrder(callCtx, account, providers.PlaceOrderRequest{
		ExternalServiceID: service.ExternalServiceID,
		Link:              processing.TargetURL,
		Quantity:          processing.Quantity,
	})
	cancel()
	if callErr != nil {
		failed, err := e.failProcessing(ctx, processing, failureMessage(callErr), false)
		if err != nil {
			logger.Error("dispatch_order", "status", "db_error", "error", err)
		}
		logger.Warn("dispatch_order", "status", "provider_failed", "retryable", fault.Retryable(callErr), "error", callErr)
		return failed, callErr
	}

	externalID := placed.ExternalOrderID
	consumed := models.QuotaConsumed
	accepted, err := e.orders.TransitionOrder(ctx, processing.ID, models.OrderTransition{
		From:              []string{models.OrderStatusProcessing},
		WithoutExternalID: true,
		ExternalOrderID:   &externalID,
		ProviderResponse:  placed.Raw,
		QuotaState:        &consumed,
	})
	if err != nil {
		// The provider accepted an order that was reclaimed meanwhile; the
		// reclaiming side already released the reservation.
		logger.Error("dispatch_order", "status", "accepted_after_reclaim", "external_order_id", externalID, "error", err)
		return accepted, err
	}
	used, err := e.keys.Consume(ctx, accepted.KeyID)
	if err != nil {
		logger.Error("dispatch_order", "status", "consume_failed", "key_id", accepted.KeyID, "error", err)
		return accepted, nil
	}
	logger.Info("dispatch_order", "status", "accepted", "external_order_id", externalID, "key_id", accepted.KeyID, "used_count", used)
	return accepted, nil
}

// failProcessing marks a processing order failed. Orders whose quota is still
// reserved give the slot back; accepted orders keep it consumed. The
// conditional transition decides which caller owns the release.
func (e *Engine) failProcessing(ctx context.Context, order models.Order, message string, accepted bool) (models.Order, error) {
	now := e.now()
	t := models.OrderTransition{
		From:              []string{models.OrderStatusProcessing},
		WithoutExternalID: !accepted,
		To:                models.OrderStatusFailed,
		Message:           &message,
		CompletedAt:       &now,
	}
	if !accepted {
		released := models.QuotaReleased
		t.QuotaState = &released
	}
	failed, err := e.orders.TransitionOrder(ctx, order.ID, t)
	if err != nil {
		return failed, err
	}
	e.metrics.ObserveOrder(models.OrderStatusFailed)
	if !accepted {
		e.releaseKey(failed.KeyID)
	}
	return failed, nil
}

// failPending fails a queued order that can no longer be dispatched.
func (e *Engine) failPending(ctx context.Context, order models.Order, cause error) (models.Order, error) {
	now := e.now()
	message := failureMessage(cause)
	released := models.QuotaReleased
	failed, err := e.orders.TransitionOrder(ctx, order.ID, models.OrderTransition{
		From:        []string{models.OrderStatusPending},
		To:          models.OrderStatusFailed,
		Message:     &message,
		QuotaState:  &released,
		CompletedAt: &now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrOrderStateNotAllowed) {
			return failed, fault.ErrOrderStateNotAllowed
		}
		return order, err
	}
	e.metrics.ObserveOrder(models.OrderStatusFailed)
	e.releaseKey(failed.KeyID)
	return failed, cause
}

func (e *Engine) releaseKey(keyID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.keys.Release(ctx, keyID); err != nil {
		e.logger.Error("release_key", "status", "failed", "key_id", keyID, "error", err)
	}
}

func (e *Engine) getOrder(ctx context.Context, orderID uuid.UUID) (models.Order, error) {
	order, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return models.Order{}, fault.ErrOrderNotFound
		}
		return models.Order{}, err
	}
	return order, nil
}

func normalizeTarget(raw string) (string, error) {
	target := strings.TrimSpace(raw)
	if target == "" {
		return "", fault.InvalidRequest(fault.ReasonInvalidTarget, "targetUrl is required")
	}
	if len(target) > maxTargetURLLength {
		return "", fault.InvalidRequest(fault.ReasonInvalidTarget, "targetUrl is too long")
	}
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fault.InvalidRequest(fault.ReasonInvalidTarget, "targetUrl must be an http(s) url")
	}
	return target, nil
}

func checkQuantity(service models.ServiceDefinition, quantity int) error {
	if service.MinQuantity > 0 && quantity < service.MinQuantity {
		return fault.InvalidRequest(fault.ReasonQuantityOutOfRange, "quantity is below the service minimum")
	}
	if service.MaxQuantity > 0 && quantity > service.MaxQuantity {
		return fault.InvalidRequest(fault.ReasonQuantityOutOfRange, "quantity is above the service maximum")
	}
	return nil
}

// failureMessage is what operators see on a failed order. Provider faults
// carry the vendor's own reason.
func failureMessage(err error) string {
	if fe, ok := fault.As(err); ok {
		return fe.Message
	}
	return "dispatch failed"
}

func redemptionResult(err error) string {
	if fe, ok := fault.As(err); ok {
		if fe.Reason != fault.ReasonNone {
			return string(fe.Reason)
		}
		return string(fe.Kind)
	}
	return "error"
}

type nopMetrics struct{}

func (nopMetrics) ObserveOrder(string)     {}
func (nopMetrics) IncKeyRedemption(string) {}
