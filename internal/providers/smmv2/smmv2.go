// Package smmv2 speaks the common "SMM panel API v2": a single endpoint that
// takes form posts with key and action fields.
package smmv2

import (
	"context"
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
	return models.ProviderKindSMMV2
}

func (a *Adapter) GetBalance(ctx context.Context, account models.ProviderAccount) (providers.Balance, error) {
	body, err := a.post(ctx, account, url.Values{"action": {"balance"}})
	if err != nil {
		return providers.Balance{}, err
	}
	amount, err := parseDecimal(gjson.GetBytes(body, "balance"))
	if err != nil {
		return providers.Balance{}, malformed("balance missing or not numeric")
	}
	return providers.Balance{
		Amount:   amount,
		Currency: strings.ToUpper(gjson.GetBytes(body, "currency").String()),
		Raw:      body,
	}, nil
}

func (a *Adapter) ListServices(ctx context.Context, account models.ProviderAccount) ([]providers.Service, error) {
	body, err := a.post(ctx, account, url.Values{"action": {"services"}})
	if err != nil {
		return nil, err
	}
	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		return nil, malformed("services response is not a list")
	}
	var out []providers.Service
	var parseErr error
	list.ForEach(func(_, item gjson.Result) bool {
		id := item.Get("service").String()
		if id == "" {
			parseErr = malformed("service entry without id")
			return false
		}
		rate, err := parseDecimal(item.Get("rate"))
		if err != nil {
			parseErr = malformed("service " + id + " has no numeric rate")
			return false
		}
		out = append(out, providers.Service{
			ExternalID: id,
			Name:       strings.TrimSpace(item.Get("name").String()),
			Category:   strings.TrimSpace(item.Get("category").String()),
			Type:       strings.TrimSpace(item.Get("type").String()),
			Rate:       rate,
			Min:        parseInt(item.Get("min")),
			Max:        parseInt(item.Get("max")),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, account models.ProviderAccount, req providers.PlaceOrderRequest) (providers.PlacedOrder, error) {
	body, err := a.post(ctx, account, url.Values{
		"action":   {"add"},
		"service":  {req.ExternalServiceID},
		"link":     {req.Link},
		"quantity": {strconv.Itoa(req.Quantity)},
	})
	if err != nil {
		return providers.PlacedOrder{}, err
	}
	id := gjson.GetBytes(body, "order").String()
	if id == "" || id == "0" {
		return providers.PlacedOrder{}, malformed("order id missing")
	}
	return providers.PlacedOrder{ExternalOrderID: id, Raw: body}, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, account models.ProviderAccount, externalOrderID string) (providers.OrderStatus, error) {
	body, err := a.post(ctx, account, url.Values{"action": {"status"}, "order": {externalOrderID}})
	if err != nil {
		return providers.OrderStatus{}, err
	}
	raw := gjson.GetBytes(body, "status")
	if !raw.Exists() {
		return providers.OrderStatus{}, malformed("status missing")
	}
	charge, _ := parseDecimal(gjson.GetBytes(body, "charge"))
	return providers.OrderStatus{
		Status:     providers.NormalizeStatus(raw.String()),
		RawStatus:  raw.String(),
		Remains:    parseInt(gjson.GetBytes(body, "remains")),
		StartCount: parseInt(gjson.GetBytes(body, "start_count")),
		Charge:     charge,
		Raw:        body,
	}, nil
}

// post sends one action and returns a body that is valid JSON without an
// error field.
func (a *Adapter) post(ctx context.Context, account models.ProviderAccount, form url.Values) ([]byte, error) {
	form.Set("key", account.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(account.BaseURL), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fault.Provider(fault.ReasonNetwork, "invalid provider url", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.transport.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, malformed("response is not json")
	}
	if msg := gjson.GetBytes(resp.Body, "error"); msg.Exists() && msg.String() != "" {
		return nil, classifyError(msg.String())
	}
	if !resp.OK() {
		return nil, fault.Provider(fault.ReasonRejected, "provider returned status "+strconv.Itoa(resp.StatusCode), &providers.APIError{StatusCode: resp.StatusCode, Body: string(resp.Body)})
	}
	return resp.Body, nil
}

// classifyError maps panel error strings. The message is kept verbatim.
func classifyError(message string) error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "api key"), strings.Contains(lower, "incorrect key"), strings.Contains(lower, "invalid key"):
		return fault.Provider(fault.ReasonAuthRejected, message, nil)
	case strings.Contains(lower, "not enough funds"), strings.Contains(lower, "insufficient"), strings.Contains(lower, "low balance"):
		return fault.Provider(fault.ReasonInsufficientBalance, message, nil)
	default:
		return fault.Provider(fault.ReasonRejected, message, nil)
	}
}

func malformed(message string) error {
	return fault.Provider(fault.ReasonMalformedResponse, message, nil)
}

func parseDecimal(v gjson.Result) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(v.String()))
}

func parseInt(v gjson.Result) int {
	if !v.Exists() {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v.String()))
	if err != nil {
		return int(v.Float())
	}
	return n
}
