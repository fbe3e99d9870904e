// Package providertest provides a scriptable provider adapter for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"keypanel/backend/internal/models"
	"keypanel/backend/internal/providers"

	"github.com/shopspring/decimal"
)

// Adapter answers from its func fields. A nil func returns a canned success.
type Adapter struct {
	KindName string

	BalanceFunc  func(ctx context.Context, account models.ProviderAccount) (providers.Balance, error)
	ServicesFunc func(ctx context.Context, account models.ProviderAccount) ([]providers.Service, error)
	PlaceFunc    func(ctx context.Context, account models.ProviderAccount, req providers.PlaceOrderRequest) (providers.PlacedOrder, error)
	StatusFunc   func(ctx context.Context, account models.ProviderAccount, externalOrderID string) (providers.OrderStatus, error)

	mu     sync.Mutex
	placed []providers.PlaceOrderRequest
	seq    atomic.Int64
	calls  map[string]int
}

func New(kind string) *Adapter {
	return &Adapter{KindName: kind, calls: make(map[string]int)}
}

func (a *Adapter) Kind() string {
	return a.KindName
}

func (a *Adapter) GetBalance(ctx context.Context, account models.ProviderAccount) (providers.Balance, error) {
	a.record(providers.OpBalance)
	if a.BalanceFunc != nil {
		return a.BalanceFunc(ctx, account)
	}
	return providers.Balance{Amount: decimal.NewFromInt(100), Currency: "USD"}, nil
}

func (a *Adapter) ListServices(ctx context.Context, account models.ProviderAccount) ([]providers.Service, error) {
	a.record(providers.OpServices)
	if a.ServicesFunc != nil {
		return a.ServicesFunc(ctx, account)
	}
	return nil, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, account models.ProviderAccount, req providers.PlaceOrderRequest) (providers.PlacedOrder, error) {
	a.record(providers.OpPlace)
	a.mu.Lock()
	a.placed = append(a.placed, req)
	a.mu.Unlock()
	if a.PlaceFunc != nil {
		return a.PlaceFunc(ctx, account, req)
	}
	id := fmt.Sprintf("ext-%d", a.seq.Add(1))
	return providers.PlacedOrder{ExternalOrderID: id, Raw: []byte(`{"order":"` + id + `"}`)}, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, account models.ProviderAccount, externalOrderID string) (providers.OrderStatus, error) {
	a.record(providers.OpStatus)
	if a.StatusFunc != nil {
		return a.StatusFunc(ctx, account, externalOrderID)
	}
	return providers.OrderStatus{Status: providers.StatusProcessing, RawStatus: "In progress"}, nil
}

// Calls returns how many times op was invoked.
func (a *Adapter) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// Placed returns every PlaceOrder request received.
func (a *Adapter) Placed() []providers.PlaceOrderRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]providers.PlaceOrderRequest(nil), a.placed...)
}

func (a *Adapter) record(op string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = make(map[string]int)
	}
	a.calls[op]++
}
