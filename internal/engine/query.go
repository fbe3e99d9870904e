package engine

import (
	"context"
	"errors"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/keys"
	"keypanel/backend/internal/models"

	"github.com/google/uuid"
)

// SearchByOrderID returns the order with its service, masked key and
// provider. Missing references are left out rather than failing the lookup.
func (e *Engine) SearchByOrderID(ctx context.Context, orderID uuid.UUID) (models.OrderDetail, error) {
	order, err := e.getOrder(ctx, orderID)
	if err != nil {
		return models.OrderDetail{}, err
	}
	detail := models.OrderDetail{Order: order}

	service, err := e.registry.GetService(ctx, order.ServiceID)
	switch {
	case err == nil:
		detail.Service = &models.ServiceSummary{ID: service.ID, Name: service.Name, Platform: service.Platform, Type: service.Type}
		account, err := e.registry.GetAccount(ctx, service.ProviderAccountID)
		if err == nil {
			detail.Provider = &models.ProviderSummary{ID: account.ID, Name: account.Name, Kind: account.Kind}
		} else if !errors.Is(err, fault.ErrProviderNotFound) {
			return models.OrderDetail{}, err
		}
	case !errors.Is(err, fault.ErrServiceNotFound):
		return models.OrderDetail{}, err
	}

	key, err := e.keys.Get(ctx, order.KeyID)
	switch {
	case err == nil:
		summary := keys.Summary(key)
		detail.Key = &summary
	case !errors.Is(err, fault.ErrKeyNotFound):
		return models.OrderDetail{}, err
	}
	return detail, nil
}

func (e *Engine) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, int, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return e.orders.ListOrders(ctx, filter)
}

// Stats folds per status and platform rows into dashboard totals.
func (e *Engine) Stats(ctx context.Context) (models.OrderStats, error) {
	rows, err := e.orders.OrderStats(ctx)
	if err != nil {
		return models.OrderStats{}, err
	}
	stats := models.OrderStats{
		ByStatus:   make(map[string]int64),
		ByPlatform: make(map[string]int64),
	}
	for _, row := range rows {
		stats.Total += row.Orders
		stats.Quantity += row.Quantity
		stats.ByStatus[row.Status] += row.Orders
		platform := row.Platform
		if platform == "" {
			platform = "other"
		}
		stats.ByPlatform[platform] += row.Orders
	}
	return stats, nil
}
