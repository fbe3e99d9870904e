package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"keypanel/backend/internal/auth"
	"keypanel/backend/internal/engine"
	"keypanel/backend/internal/fault"
	"keypanel/backend/internal/http/middleware"
	"keypanel/backend/internal/keys"
	"keypanel/backend/internal/logging"
	"keypanel/backend/internal/metrics"
	"keypanel/backend/internal/models"
	"keypanel/backend/internal/providers"
	"keypanel/backend/internal/providers/providertest"
	"keypanel/backend/internal/rate"
	"keypanel/backend/internal/reconciler"
	"keypanel/backend/internal/registry"
	"keypanel/backend/internal/repository/memstore"

	"github.com/shopspring/decimal"
)

type testServer struct {
	router  http.Handler
	keys    *keys.Store
	fake    *providertest.Adapter
	service models.ServiceDefinition
}

func newTestServer(t *testing.T, keyLimit int) testServer {
	t.Helper()
	ctx := context.Background()
	mem := memstore.New()
	fake := providertest.New(models.ProviderKindSMMV2)
	collector := metrics.New()
	router := providers.NewRouter(time.Second, collector, logging.Nop(), fake)
	reg := registry.New(mem, router, registry.Config{}, logging.Nop())
	keyStore := keys.NewStore(mem, logging.Nop())
	eng := engine.New(mem, keyStore, reg, router, collector, engine.Config{DispatchTimeout: 200 * time.Millisecond}, logging.Nop())

	account, err := mem.CreateProviderAccount(ctx, models.ProviderAccountInput{
		Name: "panel-a", Kind: models.ProviderKindSMMV2, BaseURL: "https://panel.example/api/v2", APIKey: "secret",
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := mem.UpsertServices(ctx, account.ID, []models.ServiceUpsert{
		{ExternalServiceID: "101", Name: "Instagram Followers", Platform: "instagram", Type: "followers", PricePerThousand: decimal.NewFromInt(1), MinQuantity: 10, MaxQuantity: 10000},
	}, time.Now()); err != nil {
		t.Fatalf("upsert services: %v", err)
	}
	services, _, err := mem.ListServices(ctx, models.ServiceFilter{})
	if err != nil || len(services) != 1 {
		t.Fatalf("list services: %v", err)
	}

	h := New(Deps{
		Engine:      eng,
		Keys:        keyStore,
		Registry:    reg,
		Reconciler:  reconciler.New(reg, reconciler.Config{}, logging.Nop(), reconciler.WithGauge(collector)),
		Metrics:     collector,
		KeyLimiter:  rate.NewWindowLimiter(keyLimit, time.Minute),
		IPLimiter:   rate.NewWindowLimiter(1000, time.Minute),
		Credentials: auth.Credentials{Login: "root", Password: "master"},
		JWTSecret:   "test-secret",
	}, logging.Nop())
	return testServer{router: h.Router(), keys: keyStore, fake: fake, service: services[0]}
}

func (s testServer) issueKey(t *testing.T, category string, quota int) models.Key {
	t.Helper()
	issued, err := s.keys.Issue(context.Background(), models.KeyIssueParams{Count: 1, Category: category, TotalQuota: quota})
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	return issued[0]
}

func (s testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func (s testServer) adminToken(t *testing.T) string {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/auth/admin", map[string]string{"login": "root", "password": "master"}, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("admin login: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return out.Token
}

func decodeFault(t *testing.T, resp *httptest.ResponseRecorder) faultResponse {
	t.Helper()
	var out faultResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode fault: %v", err)
	}
	return out
}

func orderBody(key models.Key, serviceID int64) map[string]interface{} {
	return map[string]interface{}{
		"key":       key.Value,
		"serviceId": serviceID,
		"quantity":  100,
		"targetUrl": "https://instagram.com/someone",
	}
}

func TestPlaceOrderAndTrack(t *testing.T) {
	s := newTestServer(t, 100)
	key := s.issueKey(t, "instagram", 2)

	resp := s.do(t, http.MethodPost, "/orders", orderBody(key, s.service.ID), nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if strings.Contains(resp.Body.String(), "externalOrderId") || strings.Contains(resp.Body.String(), "keyId") {
		t.Fatalf("public order leaks provider or key ids: %s", resp.Body.String())
	}
	var placed publicOrder
	if err := json.NewDecoder(resp.Body).Decode(&placed); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if placed.Status != models.OrderStatusProcessing {
		t.Fatalf("expected processing, got %q", placed.Status)
	}

	resp = s.do(t, http.MethodGet, "/orders/"+placed.ID.String(), nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("track: expected 200, got %d", resp.Code)
	}
	var tracked publicOrder
	if err := json.NewDecoder(resp.Body).Decode(&tracked); err != nil {
		t.Fatalf("decode tracked: %v", err)
	}
	if tracked.Service == nil || tracked.Service.Platform != "instagram" {
		t.Fatalf("expected service summary, got %+v", tracked.Service)
	}

	resp = s.do(t, http.MethodGet, "/orders/not-a-uuid", nil, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", resp.Code)
	}
}

func TestPlaceOrderFaultMapping(t *testing.T) {
	s := newTestServer(t, 100)

	mismatch := s.issueKey(t, "youtube", 5)
	resp := s.do(t, http.MethodPost, "/orders", orderBody(mismatch, s.service.ID), nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("category mismatch: expected 403, got %d", resp.Code)
	}
	if f := decodeFault(t, resp); f.Kind != fault.KindKeyInvalid || f.Reason != fault.ReasonCategoryMismatch {
		t.Fatalf("unexpected fault %+v", f)
	}

	single := s.issueKey(t, "instagram", 1)
	if resp := s.do(t, http.MethodPost, "/orders", orderBody(single, s.service.ID), nil); resp.Code != http.StatusCreated {
		t.Fatalf("first use: expected 201, got %d", resp.Code)
	}
	resp = s.do(t, http.MethodPost, "/orders", orderBody(single, s.service.ID), nil)
	if resp.Code != http.StatusGone {
		t.Fatalf("exhausted: expected 410, got %d", resp.Code)
	}

	resp = s.do(t, http.MethodPost, "/orders", orderBody(single, 9999), nil)
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown service: expected 422, got %d", resp.Code)
	}

	resp = s.do(t, http.MethodPost, "/orders", `{"key":`, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", resp.Code)
	}
	if f := decodeFault(t, resp); f.Kind != fault.KindInvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", f)
	}
}

func TestPlaceOrderProviderRejectionReturnsOrder(t *testing.T) {
	s := newTestServer(t, 100)
	s.fake.PlaceFunc = func(context.Context, models.ProviderAccount, providers.PlaceOrderRequest) (providers.PlacedOrder, error) {
		return providers.PlacedOrder{}, fault.Provider(fault.ReasonRejected, "Link is private", nil)
	}
	key := s.issueKey(t, "instagram", 1)

	resp := s.do(t, http.MethodPost, "/orders", orderBody(key, s.service.ID), nil)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", resp.Code, resp.Body.String())
	}
	var out struct {
		faultResponse
		Order publicOrder `json:"order"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Message != "Link is private" || out.Retryable {
		t.Fatalf("unexpected fault %+v", out.faultResponse)
	}
	if out.Order.Status != models.OrderStatusFailed || out.Order.Message != "Link is private" {
		t.Fatalf("expected failed order with provider reason, got %+v", out.Order)
	}

	// The failed dispatch did not cost the key its only use.
	resp = s.do(t, http.MethodPost, "/keys/check", map[string]interface{}{"key": key.Value, "serviceId": s.service.ID}, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("check key: expected 200, got %d", resp.Code)
	}
	var check checkKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		t.Fatalf("decode check: %v", err)
	}
	if check.Remaining != 1 || check.Key.UsedCount != 0 {
		t.Fatalf("expected untouched quota, got %+v", check)
	}
	if strings.Contains(check.Key.Masked, key.Value) {
		t.Fatalf("key value must be masked")
	}
}

func TestQueuedOrderCanBeCancelledByAdmin(t *testing.T) {
	s := newTestServer(t, 100)
	key := s.issueKey(t, "instagram", 1)

	body := orderBody(key, s.service.ID)
	body["queue"] = true
	resp := s.do(t, http.MethodPost, "/orders", body, nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	var queued publicOrder
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if queued.Status != models.OrderStatusPending {
		t.Fatalf("expected pending, got %q", queued.Status)
	}
	if s.fake.Calls(providers.OpPlace) != 0 {
		t.Fatalf("queued order must not reach the provider")
	}
	reloaded, err := s.keys.Get(context.Background(), key.ID)
	if err != nil || reloaded.ReservedCount != 1 {
		t.Fatalf("expected one reservation, got %+v err=%v", reloaded, err)
	}

	auth := map[string]string{"Authorization": "Bearer " + s.adminToken(t)}
	resp = s.do(t, http.MethodPost, "/admin/orders/"+queued.ID.String()+"/cancel", nil, auth)
	if resp.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var cancelled models.Order
	if err := json.NewDecoder(resp.Body).Decode(&cancelled); err != nil {
		t.Fatalf("decode cancelled: %v", err)
	}
	if cancelled.Status != models.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %q", cancelled.Status)
	}
	reloaded, err = s.keys.Get(context.Background(), key.ID)
	if err != nil || reloaded.ReservedCount != 0 || reloaded.UsedCount != 0 {
		t.Fatalf("expected reservation released, got %+v err=%v", reloaded, err)
	}

	resp = s.do(t, http.MethodPost, "/admin/orders/"+queued.ID.String()+"/cancel", nil, auth)
	if resp.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", resp.Code)
	}
	if resp := s.do(t, http.MethodPost, "/orders", orderBody(key, s.service.ID), nil); resp.Code != http.StatusCreated {
		t.Fatalf("released quota must be usable, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestPlaceOrderRateLimitedPerKey(t *testing.T) {
	s := newTestServer(t, 1)
	key := s.issueKey(t, "instagram", 10)
	if resp := s.do(t, http.MethodPost, "/orders", orderBody(key, s.service.ID), nil); resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	if resp := s.do(t, http.MethodPost, "/orders", orderBody(key, s.service.ID), nil); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
}

func TestAdminResendRequiresStepUp(t *testing.T) {
	s := newTestServer(t, 100)
	key := s.issueKey(t, "instagram", 3)
	resp := s.do(t, http.MethodPost, "/orders", orderBody(key, s.service.ID), nil)
	var placed publicOrder
	if err := json.NewDecoder(resp.Body).Decode(&placed); err != nil {
		t.Fatalf("decode order: %v", err)
	}

	if resp := s.do(t, http.MethodGet, "/admin/stats", nil, nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}

	token := s.adminToken(t)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	// Resend needs a finished order; mark it completed through a status poll.
	s.fake.StatusFunc = func(context.Context, models.ProviderAccount, string) (providers.OrderStatus, error) {
		return providers.OrderStatus{Status: providers.StatusCompleted, RawStatus: "Completed"}, nil
	}
	if resp := s.do(t, http.MethodPost, "/admin/orders/"+placed.ID.String()+"/refresh", nil, bearer); resp.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	resendPath := "/admin/orders/" + placed.ID.String() + "/resend"
	if resp := s.do(t, http.MethodPost, resendPath, nil, bearer); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without step-up, got %d", resp.Code)
	}

	resp = s.do(t, http.MethodPost, "/admin/step-up", map[string]string{"password": "wrong"}, bearer)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong master password, got %d", resp.Code)
	}
	resp = s.do(t, http.MethodPost, "/admin/step-up", map[string]string{"password": "master"}, bearer)
	if resp.Code != http.StatusOK {
		t.Fatalf("step-up: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var stepUp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&stepUp); err != nil {
		t.Fatalf("decode step-up: %v", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + token, middleware.StepUpHeader: stepUp.Token}
	resp = s.do(t, http.MethodPost, resendPath, nil, headers)
	if resp.Code != http.StatusCreated {
		t.Fatalf("resend: expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var resent models.Order
	if err := json.NewDecoder(resp.Body).Decode(&resent); err != nil {
		t.Fatalf("decode resent: %v", err)
	}
	if resent.ResendOf == nil || *resent.ResendOf != placed.ID || resent.ID == placed.ID {
		t.Fatalf("expected new order referencing original, got %+v", resent)
	}

	resp = s.do(t, http.MethodGet, "/admin/orders/"+resent.ID.String(), nil, bearer)
	if resp.Code != http.StatusOK {
		t.Fatalf("admin get: expected 200, got %d", resp.Code)
	}
	var detail models.OrderDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Key == nil || detail.Key.UsedCount != 2 || detail.Provider == nil {
		t.Fatalf("unexpected detail %+v", detail)
	}

	resp = s.do(t, http.MethodGet, "/admin/stats", nil, bearer)
	var stats models.OrderStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.ByPlatform["instagram"] != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAdminKeysAndServices(t *testing.T) {
	s := newTestServer(t, 100)
	bearer := map[string]string{"Authorization": "Bearer " + s.adminToken(t)}

	resp := s.do(t, http.MethodPost, "/admin/keys", map[string]interface{}{"count": 3, "category": "Instagram", "totalQuota": 5}, bearer)
	if resp.Code != http.StatusCreated {
		t.Fatalf("issue: expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	resp = s.do(t, http.MethodPost, "/admin/keys", map[string]interface{}{"count": 0, "category": "instagram", "totalQuota": 5}, bearer)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid issue: expected 400, got %d", resp.Code)
	}

	resp = s.do(t, http.MethodGet, "/admin/keys?category=instagram", nil, bearer)
	var listed struct {
		Items []models.Key `json:"items"`
		Total int          `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode keys: %v", err)
	}
	if listed.Total != 3 {
		t.Fatalf("expected 3 keys, got %d", listed.Total)
	}

	path := "/admin/services/" + jsonInt(s.service.ID)
	resp = s.do(t, http.MethodPatch, path, map[string]interface{}{"customPrice": "2.50"}, bearer)
	if resp.Code != http.StatusOK {
		t.Fatalf("patch service: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	resp = s.do(t, http.MethodGet, "/services", nil, nil)
	var services struct {
		Items []publicService `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&services); err != nil {
		t.Fatalf("decode services: %v", err)
	}
	if len(services.Items) != 1 || !services.Items[0].PricePerThousand.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("expected effective custom price, got %+v", services.Items)
	}
}

func TestAdminRefreshAllBalancesReportsPerAccount(t *testing.T) {
	s := newTestServer(t, 100)
	bearer := map[string]string{"Authorization": "Bearer " + s.adminToken(t)}
	resp := s.do(t, http.MethodPost, "/admin/providers/balances/refresh", nil, bearer)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var out struct {
		Reports []models.BalanceReport `json:"reports"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Reports) != 1 || out.Reports[0].Level != models.BalanceLevelNormal {
		t.Fatalf("unexpected reports %+v", out.Reports)
	}

	resp = s.do(t, http.MethodGet, "/metrics", nil, nil)
	if !strings.Contains(resp.Body.String(), "keypanel_provider_balance") {
		t.Fatalf("expected balance gauge in metrics output")
	}
}

func TestFaultStatus(t *testing.T) {
	cases := []struct {
		err  *fault.Error
		want int
	}{
		{fault.ErrKeyNotFound, http.StatusForbidden},
		{fault.ErrKeyExpired, http.StatusGone},
		{fault.ErrKeyExhausted, http.StatusGone},
		{fault.ErrServiceInactive, http.StatusUnprocessableEntity},
		{fault.ErrProviderNotFound, http.StatusNotFound},
		{fault.ErrProviderTimeout, http.StatusBadGateway},
		{fault.ErrQuotaExhausted, http.StatusConflict},
		{fault.ErrOrderNotFound, http.StatusNotFound},
		{fault.ErrOrderStateNotAllowed, http.StatusConflict},
		{fault.InvalidRequest(fault.ReasonInvalidTarget, "bad url"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		if got := faultStatus(tc.err); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

// TestUnknownProviderAccountIsNotFound verifies provider_invalid maps to 404.
func TestUnknownProviderAccountIsNotFound(t *testing.T) {
	s := newTestServer(t, 100)
	bearer := map[string]string{"Authorization": "Bearer " + s.adminToken(t)}
	resp := s.do(t, http.MethodPost, "/admin/providers/9999/balance", nil, bearer)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.Code, resp.Body.String())
	}
	body := decodeFault(t, resp)
	if body.Kind != fault.KindProviderInvalid || body.Reason != fault.ReasonNotFound {
		t.Fatalf("unexpected fault %+v", body)
	}
}
