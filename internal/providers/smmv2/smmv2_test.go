package smmv2

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/models"
	"keypanel/backend/internal/providers"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, models.ProviderAccount) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	transport := providers.NewTransport(providers.TransportConfig{Timeout: 2 * time.Second, RPS: 100, Burst: 100}, srv.Client(), nil)
	account := models.ProviderAccount{ID: 1, Kind: models.ProviderKindSMMV2, BaseURL: srv.URL + "/api/v2", APIKey: "panel-key"}
	return New(transport), account
}

// TestSMMV2Balance verifies the balance action and its parsing.
func TestSMMV2Balance(t *testing.T) {
	t.Parallel()
	adapter, account := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v2" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("key") != "panel-key" || r.PostForm.Get("action") != "balance" {
			t.Fatalf("unexpected form %v", r.PostForm)
		}
		_, _ = w.Write([]byte(`{"balance":"100.84292","currency":"usd"}`))
	})

	balance, err := adapter.GetBalance(context.Background(), account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Amount.String() != "100.84292" || balance.Currency != "USD" {
		t.Fatalf("unexpected balance %+v", balance)
	}
}

// TestSMMV2Services verifies catalog parsing with mixed string and number fields.
func TestSMMV2Services(t *testing.T) {
	t.Parallel()
	adapter, account := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"service":1,"name":"Instagram Followers [Real]","type":"Default","category":"Instagram","rate":"0.90","min":"50","max":"10000"},
			{"service":"2","name":"YouTube Views","type":"Default","category":"YouTube","rate":1.5,"min":100,"max":1000000}
		]`))
	})

	services, err := adapter.ListServices(context.Background(), account)
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}
	if services[0].ExternalID != "1" || services[0].Min != 50 || services[0].Max != 10000 || services[0].Rate.String() != "0.9" {
		t.Fatalf("unexpected first service %+v", services[0])
	}
	if services[1].ExternalID != "2" || services[1].Rate.String() != "1.5" || services[1].Max != 1000000 {
		t.Fatalf("unexpected second service %+v", services[1])
	}
}

// TestSMMV2PlaceOrder verifies the add action.
func TestSMMV2PlaceOrder(t *testing.T) {
	t.Parallel()
	adapter, account := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("action") != "add" || r.PostForm.Get("service") != "7" || r.PostForm.Get("quantity") != "500" || r.PostForm.Get("link") != "https://instagram.com/someone" {
			t.Fatalf("unexpected form %v", r.PostForm)
		}
		_, _ = w.Write([]byte(`{"order":23501}`))
	})

	placed, err := adapter.PlaceOrder(context.Background(), account, providers.PlaceOrderRequest{
		ExternalServiceID: "7",
		Link:              "https://instagram.com/someone",
		Quantity:          500,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if placed.ExternalOrderID != "23501" {
		t.Fatalf("unexpected order id %q", placed.ExternalOrderID)
	}
}

// TestSMMV2Status verifies status normalization.
func TestSMMV2Status(t *testing.T) {
	t.Parallel()
	adapter, account := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"charge":"0.27819","start_count":"3572","status":"Partial","remains":"157","currency":"USD"}`))
	})

	status, err := adapter.GetOrderStatus(context.Background(), account, "23501")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != providers.StatusPartial || status.Remains != 157 || status.StartCount != 3572 {
		t.Fatalf("unexpected status %+v", status)
	}
}

// TestSMMV2ErrorMapping verifies panel error strings map to provider reasons.
func TestSMMV2ErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		body   string
		status int
		want   error
		msg    string
	}{
		{body: `{"error":"Incorrect API key"}`, status: 200, want: fault.ErrProviderAuth},
		{body: `{"error":"Not enough funds on balance"}`, status: 200, want: fault.ErrProviderNoBalance, msg: "Not enough funds on balance"},
		{body: `{"error":"Link is private"}`, status: 200, want: fault.ErrProviderRejected, msg: "Link is private"},
		{body: `<html>oops</html>`, status: 200, want: fault.ErrProviderMalformed},
		{body: `{}`, status: 401, want: fault.ErrProviderAuth},
		{body: `{}`, status: 503, want: fault.ErrProviderNetwork},
	}
	for _, tc := range cases {
		adapter, account := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		})
		_, err := adapter.PlaceOrder(context.Background(), account, providers.PlaceOrderRequest{ExternalServiceID: "1", Link: "x", Quantity: 1})
		if !errors.Is(err, tc.want) {
			t.Fatalf("body %s: expected %v, got %v", tc.body, tc.want, err)
		}
		if tc.msg != "" {
			fe, _ := fault.As(err)
			if fe.Message != tc.msg {
				t.Fatalf("expected verbatim message %q, got %q", tc.msg, fe.Message)
			}
		}
	}
}

// TestSMMV2Timeout verifies a slow provider resolves to a timeout.
func TestSMMV2Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	adapter, account := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := adapter.GetBalance(ctx, account)
	if !errors.Is(err, fault.ErrProviderTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !fault.Retryable(err) {
		t.Fatalf("timeouts should be retryable")
	}
}
