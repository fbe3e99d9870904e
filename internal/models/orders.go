package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusCompleted  = "completed"
	OrderStatusFailed     = "failed"
	OrderStatusCancelled  = "cancelled"
)

const (
	QuotaReserved = "reserved"
	QuotaConsumed = "consumed"
	QuotaReleased = "released"
)

// Order is one engagement order placed against a key.
type Order struct {
	ID               uuid.UUID       `json:"id"`
	KeyID            int64           `json:"keyId"`
	ServiceID        int64           `json:"serviceId"`
	Quantity         int             `json:"quantity"`
	TargetURL        string          `json:"targetUrl"`
	Status           string          `json:"status"`
	ExternalOrderID  string          `json:"externalOrderId,omitempty"`
	ProviderResponse json.RawMessage `json:"providerResponse,omitempty"`
	Message          string          `json:"message,omitempty"`
	QuotaState       string          `json:"quotaState"`
	ResendOf         *uuid.UUID      `json:"resendOf,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	DispatchedAt     *time.Time      `json:"dispatchedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// IsTerminal reports whether the order status can no longer change.
func (o Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// OrderDetail is an order joined with its service, masked key and provider.
type OrderDetail struct {
	Order    Order            `json:"order"`
	Service  *ServiceSummary  `json:"service,omitempty"`
	Key      *KeySummary      `json:"key,omitempty"`
	Provider *ProviderSummary `json:"provider,omitempty"`
}

// NewOrder is the row inserted when an order is submitted.
type NewOrder struct {
	ID        uuid.UUID
	KeyID     int64
	ServiceID int64
	Quantity  int
	TargetURL string
	ResendOf  *uuid.UUID
}

// OrderTransition is a conditional update: it applies only while the order
// status is one of From (and, with WithoutExternalID, while no provider id is
// recorded). An empty To keeps the current status.
type OrderTransition struct {
	From              []string
	WithoutExternalID bool
	To                string
	ExternalOrderID   *string
	ProviderResponse  json.RawMessage
	Message           *string
	QuotaState        *string
	DispatchedAt      *time.Time
	CompletedAt       *time.Time
}

type OrderFilter struct {
	Statuses      []string
	QuotaState    string
	KeyID         int64
	ServiceID     int64
	HasExternalID *bool
	CreatedBefore *time.Time
	UpdatedBefore *time.Time
	// StalestFirst orders by last update, oldest first, instead of newest
	// created first.
	StalestFirst bool
	Limit        int
	Offset       int
}

// OrderStats aggregates order counts for the admin dashboard.
type OrderStats struct {
	Total      int64            `json:"total"`
	ByStatus   map[string]int64 `json:"byStatus"`
	ByPlatform map[string]int64 `json:"byPlatform"`
	Quantity   int64            `json:"quantity"`
}

// OrderStatsRow is one (status, platform) aggregate from storage.
type OrderStatsRow struct {
	Status   string
	Platform string
	Orders   int64
	Quantity int64
}
