// Package jsonrest speaks bearer-token REST provider APIs that wrap replies
// in {"data": ...} and failures in {"error": {"code", "message"}}.
package jsonrest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/models"
	"keypanel/backend/internal/providers"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

type Adapter struct {
	transport *providers.Transport
}

func New(transport *providers.Transport) *Adapter {
	return &Adapter{transport: transport}
}

func (a *Adapter) Kind() string {
	return models.ProviderKindJSONRest
}

type createOrderRequest struct {
	ServiceID string `json:"service_id"`
	Link      string `json:"link"`
	Quantity  int    `json:"quantity"`
}

func (a *Adapter) GetBalance(ctx context.Context, account models.ProviderAccount) (providers.Balance, error) {
	data, raw, err := a.do(ctx, account, http.MethodGet, "/balance", nil)
	if err != nil {
		return providers.Balance{}, err
	}
	amount, err := decimal.NewFromString(data.Get("balance").String())
	if err != nil {
		return providers.Balance{}, malformed("balance missing or not numeric")
	}
	return providers.Balance{
		Amount:   amount,
		Currency: strings.ToUpper(data.Get("currency").String()),
		Raw:      raw,
	}, nil
}

func (a *Adapter) ListServices(ctx context.Context, account models.ProviderAccount) ([]providers.Service, error) {
	data, _, err := a.do(ctx, account, http.MethodGet, "/services", nil)
	if err != nil {
		return nil, err
	}
	if !data.IsArray() {
		return nil, malformed("services data is not a list")
	}
	items := data.Array()
	out := make([]providers.Service, 0, len(items))
	for _, item := range items {
		id := item.Get("id").String()
		if id == "" {
			return nil, malformed("service entry without id")
		}
		rate, err := decimal.NewFromString(item.Get("price_per_1000").String())
		if err != nil {
			return nil, malformed("service " + id + " has no numeric price")
		}
		out = append(out, providers.Service{
			ExternalID: id,
			Name:       strings.TrimSpace(item.Get("name").String()),
			Category:   strings.TrimSpace(item.Get("platform").String()),
			Type:       strings.TrimSpace(item.Get("type").String()),
			Rate:       rate,
			Min:        int(item.Get("min").Int()),
			Max:        int(item.Get("max").Int()),
		})
	}
	return out, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, account models.ProviderAccount, req providers.PlaceOrderRequest) (providers.PlacedOrder, error) {
	payload, err := json.Marshal(createOrderRequest{
		ServiceID: req.ExternalServiceID,
		Link:      req.Link,
		Quantity:  req.Quantity,
	})
	if err != nil {
		return providers.PlacedOrder{}, err
	}
	data, raw, err := a.do(ctx, account, http.MethodPost, "/orders", payload)
	if err != nil {
		return providers.PlacedOrder{}, err
	}
	id := data.Get("id").String()
	if id == "" {
		return providers.PlacedOrder{}, malformed("order id missing")
	}
	return providers.PlacedOrder{ExternalOrderID: id, Raw: raw}, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, account models.ProviderAccount, externalOrderID string) (providers.OrderStatus, error) {
	data, raw, err := a.do(ctx, account, http.MethodGet, "/orders/"+url.PathEscape(externalOrderID), nil)
	if err != nil {
		return providers.OrderStatus{}, err
	}
	status := data.Get("status")
	if !status.Exists() {
		return providers.OrderStatus{}, malformed("status missing")
	}
	charge, _ := decimal.NewFromString(data.Get("charge").String())
	return providers.OrderStatus{
		Status:     providers.NormalizeStatus(status.String()),
		RawStatus:  status.String(),
		Remains:    int(data.Get("remains").Int()),
		StartCount: int(data.Get("start_count").Int()),
		Charge:     charge,
		Raw:        raw,
	}, nil
}

func (a *Adapter) do(ctx context.Context, account models.ProviderAccount, method, pathPart string, payload []byte) (gjson.Result, []byte, error) {
	target := strings.TrimRight(strings.TrimSpace(account.BaseURL), "/") + pathPart
	var bodyReader io.Reader
	if len(payload) > 0 {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return gjson.Result{}, nil, fault.Provider(fault.ReasonNetwork, "invalid provider url", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+account.APIKey)
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.transport.Do(ctx, req)
	if err != nil {
		return gjson.Result{}, nil, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return gjson.Result{}, nil, malformed("response is not json")
	}
	if e := gjson.GetBytes(resp.Body, "error"); e.Exists() && e.Type != gjson.Null {
		return gjson.Result{}, nil, classifyError(e.Get("code").String(), e.Get("message").String())
	}
	if !resp.OK() {
		return gjson.Result{}, nil, fault.Provider(fault.ReasonRejected, "provider returned status "+strconv.Itoa(resp.StatusCode), &providers.APIError{StatusCode: resp.StatusCode, Body: string(resp.Body)})
	}
	data := gjson.GetBytes(resp.Body, "data")
	if !data.Exists() {
		return gjson.Result{}, nil, malformed("data envelope missing")
	}
	return data, []byte(data.Raw), nil
}

func classifyError(code, message string) error {
	if message == "" {
		message = code
	}
	switch strings.ToLower(code) {
	case "unauthorized", "invalid_api_key", "forbidden":
		return fault.Provider(fault.ReasonAuthRejected, message, nil)
	case "insufficient_funds", "insufficient_balance":
		return fault.Provider(fault.ReasonInsufficientBalance, message, nil)
	default:
		return fault.Provider(fault.ReasonRejected, message, nil)
	}
}

func malformed(message string) error {
	return fault.Provider(fault.ReasonMalformedResponse, message, nil)
}
