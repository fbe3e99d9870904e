package engine

import (
	"context"
	"errors"
	"fmt"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/keys"
	"keypanel/backend/internal/models"
	"keypanel/backend/internal/providers"
	"keypanel/backend/internal/repository"

	"github.com/google/uuid"
)

// RefreshStatus polls the provider for an accepted processing order and
// applies a terminal status when the provider reports one. A non-terminal reply
// only records the poll. Orders that are not accepted are returned unchanged.
func (e *Engine) RefreshStatus(ctx context.Context, orderID uuid.UUID) (models.Order, error) {
	order, err := e.getOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.IsTerminal() {
		return order, nil
	}
	// Pending or still dispatching: nothing to ask the provider yet.
	if order.Status != models.OrderStatusProcessing || order.ExternalOrderID == "" {
		return order, nil
	}
	service, err := e.registry.GetService(ctx, order.ServiceID)
	if err != nil {
		return order, err
	}
	account, err := e.registry.GetAccount(ctx, service.ProviderAccountID)
	if err != nil {
		return order, err
	}

	status, err := e.client.GetOrderStatus(ctx, account, order.ExternalOrderID)
	if err != nil {
		e.logger.Warn("refresh_status", "status", "provider_failed", "order_id", order.ID, "error", err)
		return order, err
	}

	now := e.now()
	t := models.OrderTransition{
		From:             []string{models.OrderStatusProcessing},
		ProviderResponse: status.Raw,
	}
	switch status.Status {
	case providers.StatusCompleted:
		t.To = models.OrderStatusCompleted
		t.CompletedAt = &now
	case providers.StatusPartial:
		message := fmt.Sprintf("partially completed, %d not delivered", status.Remains)
		t.To = models.OrderStatusCompleted
		t.Message = &message
		t.CompletedAt = &now
	case providers.StatusCancelled, providers.StatusFailed:
		message := "provider reported " + status.RawStatus
		t.To = models.OrderStatusFailed
		t.Message = &message
		t.CompletedAt = &now
	}

	updated, err := e.orders.TransitionOrder(ctx, order.ID, t)
	if err != nil {
		if errors.Is(err, repository.ErrOrderStateNotAllowed) {
			return updated, nil
		}
		return order, err
	}
	if t.To != "" {
		e.metrics.ObserveOrder(t.To)
		e.logger.Info("refresh_status", "status", t.To, "order_id", order.ID, "provider_status", status.RawStatus)
	}
	return updated, nil
}

// Resend places a new order with the service, quantity and target of a
// finished order, funded by the same key. The original order is untouched.
// It fails with QuotaExhausted, creating nothing, when that key has no
// remaining quota.
func (e *Engine) Resend(ctx context.Context, orderID uuid.UUID) (models.Order, error) {
	logger := e.logger.With("action", "resend_order", "order_id", orderID)
	original, err := e.getOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if original.Status != models.OrderStatusFailed && original.Status != models.OrderStatusCompleted {
		return models.Order{}, fault.ErrOrderStateNotAllowed
	}

	service, account, err := e.registry.SelectAccountForResend(ctx, original.ServiceID)
	if err != nil {
		logger.Info("resend_order", "status", "service_invalid", "error", err)
		return models.Order{}, err
	}
	key, err := e.keys.Get(ctx, original.KeyID)
	if err != nil {
		return models.Order{}, err
	}
	if err := keys.CheckUsable(key, e.now()); err != nil {
		return models.Order{}, resendKeyError(err)
	}
	if _, err := e.keys.Reserve(ctx, key.ID); err != nil {
		logger.Info("resend_order", "status", "key_unavailable", "key_id", key.ID, "error", err)
		return models.Order{}, resendKeyError(err)
	}

	resendOf := original.ID
	order, err := e.orders.CreateOrder(ctx, models.NewOrder{
		ID:        uuid.New(),
		KeyID:     key.ID,
		ServiceID: service.ID,
		Quantity:  original.Quantity,
		TargetURL: original.TargetURL,
		ResendOf:  &resendOf,
	})
	if err != nil {
		e.releaseKey(key.ID)
		logger.Error("resend_order", "status", "db_error", "error", err)
		return models.Order{}, err
	}
	e.metrics.ObserveOrder(models.OrderStatusPending)
	logger.Info("resend_order", "status", "created", "new_order_id", order.ID)
	return e.dispatch(ctx, order, service, account)
}

// Cancel cancels an order that has not been dispatched yet and returns its
// quota slot.
func (e *Engine) Cancel(ctx context.Context, orderID uuid.UUID) (models.Order, error) {
	now := e.now()
	released := models.QuotaReleased
	message := "cancelled before dispatch"
	order, err := e.orders.TransitionOrder(ctx, orderID, models.OrderTransition{
		From:        []string{models.OrderStatusPending},
		To:          models.OrderStatusCancelled,
		Message:     &message,
		QuotaState:  &released,
		CompletedAt: &now,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			return models.Order{}, fault.ErrOrderNotFound
		case errors.Is(err, repository.ErrOrderStateNotAllowed):
			return order, fault.ErrOrderStateNotAllowed
		}
		return models.Order{}, err
	}
	e.metrics.ObserveOrder(models.OrderStatusCancelled)
	e.releaseKey(order.KeyID)
	e.logger.Info("cancel_order", "status", "cancelled", "order_id", order.ID)
	return order, nil
}

// SweepReport counts what one SweepStale pass did.
type SweepReport struct {
	Reclaimed  int `json:"reclaimed"`
	Expired    int `json:"expired"`
	Polled     int `json:"polled"`
	Dispatched int `json:"dispatched"`
	Errors     int `json:"errors"`
}

// SweepStale keeps orders from hanging: it fails processing orders whose
// dispatch never returned, fails accepted orders past the fulfillment age,
// polls the remaining accepted ones and dispatches pending orders left past
// their grace period.
func (e *Engine) SweepStale(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := e.now()
	processing := []string{models.OrderStatusProcessing}
	withID, withoutID := true, false

	staleBefore := now.Add(-e.cfg.DispatchStaleAfter)
	stuck, _, err := e.orders.ListOrders(ctx, models.OrderFilter{Statuses: processing, HasExternalID: &withoutID, UpdatedBefore: &staleBefore, Limit: e.cfg.SweepBatch})
	if err != nil {
		return report, fmt.Errorf("list stuck orders: %w", err)
	}
	for _, order := range stuck {
		if _, err := e.failProcessing(ctx, order, "provider dispatch timed out", false); err != nil {
			if !errors.Is(err, repository.ErrOrderStateNotAllowed) {
				report.Errors++
			}
			continue
		}
		report.Reclaimed++
	}

	maxAgeBefore := now.Add(-e.cfg.FulfillmentMaxAge)
	overdue, _, err := e.orders.ListOrders(ctx, models.OrderFilter{Statuses: processing, HasExternalID: &withID, CreatedBefore: &maxAgeBefore, Limit: e.cfg.SweepBatch})
	if err != nil {
		return report, fmt.Errorf("list overdue orders: %w", err)
	}
	for _, order := range overdue {
		if _, err := e.failProcessing(ctx, order, "provider did not confirm fulfillment in time", true); err != nil {
			if !errors.Is(err, repository.ErrOrderStateNotAllowed) {
				report.Errors++
			}
			continue
		}
		report.Expired++
	}

	// Every poll bumps updated_at, so stalest-first walks the whole backlog
	// across passes.
	accepted, _, err := e.orders.ListOrders(ctx, models.OrderFilter{Statuses: processing, HasExternalID: &withID, StalestFirst: true, Limit: e.cfg.SweepBatch})
	if err != nil {
		return report, fmt.Errorf("list accepted orders: %w", err)
	}
	for _, order := range accepted {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if _, err := e.RefreshStatus(ctx, order.ID); err != nil {
			report.Errors++
			continue
		}
		report.Polled++
	}

	graceBefore := now.Add(-e.cfg.PendingGrace)
	queued, _, err := e.orders.ListOrders(ctx, models.OrderFilter{Statuses: []string{models.OrderStatusPending}, CreatedBefore: &graceBefore, Limit: e.cfg.SweepBatch})
	if err != nil {
		return report, fmt.Errorf("list pending orders: %w", err)
	}
	for _, order := range queued {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if _, err := e.Dispatch(ctx, order.ID); err != nil {
			if !errors.Is(err, fault.ErrOrderStateNotAllowed) {
				report.Errors++
			}
			continue
		}
		report.Dispatched++
	}

	if report != (SweepReport{}) {
		e.logger.Info("sweep_orders", "status", "done", "reclaimed", report.Reclaimed, "expired", report.Expired, "polled", report.Polled, "dispatched", report.Dispatched, "errors", report.Errors)
	}
	return report, nil
}

// resendKeyError reports an exhausted key as QuotaExhausted so callers can
// tell it apart from a key rejected on a fresh redemption.
func resendKeyError(err error) error {
	if errors.Is(err, fault.ErrKeyExhausted) {
		return fault.ErrQuotaExhausted
	}
	return err
}
