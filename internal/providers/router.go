package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/logging"
	"keypanel/backend/internal/models"
)

// Observer receives one sample per provider call.
type Observer interface {
	ObserveProviderCall(kind, op, result string, elapsed time.Duration)
}

// Router dispatches calls to the adapter registered for the account kind.
type Router struct {
	adapters map[string]Adapter
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
}

func NewRouter(timeout time.Duration, observer Observer, logger *slog.Logger, adapters ...Adapter) *Router {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	r := &Router{
		adapters: make(map[string]Adapter, len(adapters)),
		timeout:  timeout,
		observer: observer,
		logger:   logging.OrDefault(logger),
	}
	for _, adapter := range adapters {
		r.adapters[adapter.Kind()] = adapter
	}
	return r
}

func (r *Router) GetBalance(ctx context.Context, account models.ProviderAccount) (Balance, error) {
	var out Balance
	err := r.call(ctx, account, OpBalance, func(ctx context.Context, a Adapter) error {
		var err error
		out, err = a.GetBalance(ctx, account)
		return err
	})
	return out, err
}

func (r *Router) ListServices(ctx context.Context, account models.ProviderAccount) ([]Service, error) {
	var out []Service
	err := r.call(ctx, account, OpServices, func(ctx context.Context, a Adapter) error {
		var err error
		out, err = a.ListServices(ctx, account)
		return err
	})
	return out, err
}

func (r *Router) PlaceOrder(ctx context.Context, account models.ProviderAccount, req PlaceOrderRequest) (PlacedOrder, error) {
	var out PlacedOrder
	err := r.call(ctx, account, OpPlace, func(ctx context.Context, a Adapter) error {
		var err error
		out, err = a.PlaceOrder(ctx, account, req)
		return err
	})
	return out, err
}

func (r *Router) GetOrderStatus(ctx context.Context, account models.ProviderAccount, externalOrderID string) (OrderStatus, error) {
	var out OrderStatus
	err := r.call(ctx, account, OpStatus, func(ctx context.Context, a Adapter) error {
		var err error
		out, err = a.GetOrderStatus(ctx, account, externalOrderID)
		return err
	})
	return out, err
}

func (r *Router) call(ctx context.Context, account models.ProviderAccount, op string, fn func(context.Context, Adapter) error) error {
	adapter, ok := r.adapters[account.Kind]
	if !ok {
		return fault.Provider(fault.ReasonRejected, fmt.Sprintf("unsupported provider kind %q", account.Kind), nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx, adapter)
	elapsed := time.Since(start)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && fault.KindOf(err) != fault.KindProviderFailure {
		err = fault.Provider(fault.ReasonTimeout, "provider timed out", err)
	}

	result := "ok"
	if err != nil {
		result = "error"
		if fe, ok := fault.As(err); ok && fe.Reason != fault.ReasonNone {
			result = string(fe.Reason)
		}
		r.logger.Warn("provider_call", "status", result, "op", op, "account_id", account.ID, "kind", account.Kind, "duration_ms", elapsed.Milliseconds(), "error", err)
	}
	if r.observer != nil {
		r.observer.ObserveProviderCall(account.Kind, op, result, elapsed)
	}
	return err
}
