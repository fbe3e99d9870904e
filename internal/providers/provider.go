// Package providers talks to third-party SMM vendors. Each vendor API shape
// is an Adapter selected by the account kind; Router exposes them all as one
// Client with a bounded timeout per call and no automatic retry.
package providers

import (
	"context"
	"encoding/json"
	"strings"

	"keypanel/backend/internal/models"

	"github.com/shopspring/decimal"
)

const (
	OpBalance  = "balance"
	OpServices = "services"
	OpPlace    = "place_order"
	OpStatus   = "order_status"
)

// Normalized upstream order statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusPartial    = "partial"
	StatusCancelled  = "cancelled"
	StatusFailed     = "failed"
)

type Balance struct {
	Amount   decimal.Decimal
	Currency string
	Raw      json.RawMessage
}

// Service is one upstream catalog entry as the vendor describes it.
type Service struct {
	ExternalID string
	Name       string
	Category   string
	Type       string
	Rate       decimal.Decimal
	Min        int
	Max        int
}

type PlaceOrderRequest struct {
	ExternalServiceID string
	Link              string
	Quantity          int
}

type PlacedOrder struct {
	ExternalOrderID string
	Raw             json.RawMessage
}

type OrderStatus struct {
	Status     string
	RawStatus  string
	Remains    int
	StartCount int
	Charge     decimal.Decimal
	Raw        json.RawMessage
}

// Client is the provider surface the rest of the system depends on.
type Client interface {
	GetBalance(ctx context.Context, account models.ProviderAccount) (Balance, error)
	ListServices(ctx context.Context, account models.ProviderAccount) ([]Service, error)
	PlaceOrder(ctx context.Context, account models.ProviderAccount, req PlaceOrderRequest) (PlacedOrder, error)
	GetOrderStatus(ctx context.Context, account models.ProviderAccount, externalOrderID string) (OrderStatus, error)
}

// Adapter is a Client for one vendor API shape.
type Adapter interface {
	Client
	Kind() string
}

// NormalizeStatus maps vendor status strings onto the normalized set.
// Unknown values are treated as still processing.
func NormalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued", "awaiting":
		return StatusPending
	case "completed", "complete", "success", "done":
		return StatusCompleted
	case "partial", "partially completed":
		return StatusPartial
	case "canceled", "cancelled", "refunded":
		return StatusCancelled
	case "fail", "failed", "error":
		return StatusFailed
	default:
		return StatusProcessing
	}
}
