package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cartrouter/internal/aggregator"
	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/provider"
	"github.com/sells-group/cartrouter/internal/reliability"
	"github.com/sells-group/cartrouter/internal/router"
	"github.com/sells-group/cartrouter/internal/scoring"
	"github.com/sells-group/cartrouter/internal/token"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type brokenProvider struct{ id string }

func (b brokenProvider) ID() string { return b.id }

func (b brokenProvider) GetQuote(context.Context, provider.QuoteRequest, model.ProviderConfig) (*model.ProviderQuote, error) {
	return nil, provider.NewError(b.id, provider.CodeUpstream5xx, "upstream unavailable")
}

func (b brokenProvider) HealthCheck(context.Context, model.ProviderConfig) bool { return false }

func newTestServer(t *testing.T, configs []model.ProviderConfig, cfg Config) (*httptest.Server, *clock) {
	t.Helper()
	reg := provider.NewRegistry(configs)
	for _, c := range configs {
		if c.Kind == "broken" {
			reg.Register(brokenProvider{id: c.ID})
			continue
		}
		reg.Register(provider.NewMockProvider(c.ID))
	}
	eng, err := scoring.NewEngine(scoring.DefaultWeights())
	require.NoError(t, err)
	learner, err := reliability.NewLearner(reliability.DefaultConfig(), nil)
	require.NoError(t, err)
	c := &clock{now: time.Now().UTC()}
	tokens := token.NewManager(token.NewMemoryStore(), 5*time.Minute, token.WithClock(c.Now))

	rt := router.New(reg, aggregator.New(reg), eng, learner, tokens)
	srv := httptest.NewServer(New(rt, cfg).Routes())
	t.Cleanup(srv.Close)
	return srv, c
}

func usProviders() []model.ProviderConfig {
	return []model.ProviderConfig{
		{ID: "basketly", Name: "Basketly", Enabled: true, Priority: 60, Regions: []string{"US"}, TimeoutMs: 1000},
		{ID: "freshmart", Name: "FreshMart", Enabled: true, Priority: 80, Regions: []string{"US-CA", "US-NY"}, TimeoutMs: 1000},
		{ID: "quickcart", Name: "QuickCart", Enabled: true, Priority: 40, Regions: []string{"*"}, TimeoutMs: 1000},
	}
}

const routeBody = `{
	"items": [
		{"name": "Whole Milk", "quantity": 1, "unit": "gallon"},
		{"name": "Eggs", "quantity": 12},
		{"name": "Sourdough Bread", "quantity": 1}
	],
	"shippingAddress": {"street": "1 Market St", "city": "San Francisco", "state": "CA", "postalCode": "94105", "country": "US"},
	"optimizeFor": "price"
}`

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func tokenBody(id string) string {
	b, _ := json.Marshal(map[string]string{"confirmationToken": id})
	return string(b)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, usProviders(), Config{})
	resp, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestRouteConfirmFlow(t *testing.T) {
	srv, _ := newTestServer(t, usProviders(), Config{})

	resp, dec := post(t, srv.URL+"/v1/route", routeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode, dec)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	tok, ok := dec["confirmationToken"].(string)
	require.True(t, ok)
	require.NotEmpty(t, tok)
	assert.Equal(t, "mock", dec["mode"])
	assert.Equal(t, "price", dec["optimizeFor"])
	assert.Contains(t, dec, "scoreBreakdown")
	assert.Len(t, dec["itemAvailability"], 3)
	assert.Len(t, dec["alternatives"], 2)
	assert.NotEmpty(t, dec["message"])

	quote := dec["quote"].(map[string]any)
	total := quote["totalCents"].(float64)
	for _, alt := range dec["alternatives"].([]any) {
		assert.GreaterOrEqual(t, alt.(map[string]any)["totalCents"].(float64), total)
	}

	resp, body := post(t, srv.URL+"/v1/tokens/confirm", tokenBody(tok))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "CONFIRMED", body["state"])
	assert.Equal(t, dec["providerId"], body["providerId"])

	resp, body = post(t, srv.URL+"/v1/tokens/confirm", tokenBody(tok))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "TOKEN_CONFLICT", body["error"])

	resp, body = get(t, srv.URL+"/v1/tokens/"+tok)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CONFIRMED", body["state"])
}

func TestCancelAndExpiry(t *testing.T) {
	srv, c := newTestServer(t, usProviders(), Config{})

	_, dec := post(t, srv.URL+"/v1/route", routeBody)
	first := dec["confirmationToken"].(string)
	_, dec = post(t, srv.URL+"/v1/route", routeBody)
	second := dec["confirmationToken"].(string)

	resp, body := post(t, srv.URL+"/v1/tokens/cancel", tokenBody(first))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "CANCELLED", body["state"])

	c.Advance(6 * time.Minute)
	resp, body = post(t, srv.URL+"/v1/tokens/confirm", tokenBody(second))
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "TOKEN_EXPIRED", body["error"])

	resp, body = post(t, srv.URL+"/v1/tokens/cancel", tokenBody("does-not-exist"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "TOKEN_NOT_FOUND", body["error"])

	resp, _ = get(t, srv.URL+"/v1/tokens/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouteErrors(t *testing.T) {
	broken := []model.ProviderConfig{
		{ID: "down", Name: "Down", Kind: "broken", Enabled: true, Regions: []string{"*"}, TimeoutMs: 500},
	}
	germany := strings.NewReplacer(`"state": "CA", `, "", `"country": "US"`, `"country": "DE"`).Replace(routeBody)

	tests := []struct {
		name    string
		configs []model.ProviderConfig
		body    string
		status  int
		code    string
	}{
		{"malformed json", usProviders(), `{"items":`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing items", usProviders(), `{"shippingAddress":{"city":"SF","postalCode":"94105","country":"US"}}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad mode", usProviders(), strings.Replace(routeBody, `"price"`, `"fastest"`, 1), http.StatusBadRequest, "INVALID_REQUEST"},
		{"no providers", usProviders()[:2], germany, http.StatusUnprocessableEntity, "NO_PROVIDERS"},
		{"no valid quotes", broken, routeBody, http.StatusBadGateway, "NO_VALID_QUOTES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.configs, Config{})
			resp, body := post(t, srv.URL+"/v1/route", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, body)
			assert.Equal(t, tt.code, body["error"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestOutcomes(t *testing.T) {
	srv, _ := newTestServer(t, usProviders(), Config{})

	resp, body := post(t, srv.URL+"/v1/outcomes",
		`{"orderId":"ord-1","providerId":"freshmart","itemsOrdered":3,"actualTotalCents":4120,"latencyMs":2400,"success":true}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["accepted"])

	resp, body = post(t, srv.URL+"/v1/outcomes", `{"orderId":"ord-1","providerId":"freshmart","success":false}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body = post(t, srv.URL+"/v1/outcomes", `{"success":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", body["error"])
	assert.Len(t, body["details"], 2)

	_, list := get(t, srv.URL+"/v1/providers")
	for _, p := range list["providers"].([]any) {
		m := p.(map[string]any)
		if m["id"] != "freshmart" {
			continue
		}
		rel := m["reliability"].(map[string]any)
		assert.InDelta(t, 0.6, rel["successRate"].(float64), 1e-9)
		assert.InDelta(t, 1.0, rel["samples"].(float64), 1e-9)
	}
}

func TestProviders(t *testing.T) {
	srv, _ := newTestServer(t, usProviders(), Config{})

	resp, body := get(t, srv.URL+"/v1/providers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["providers"].([]any)
	require.Len(t, list, 3)
	first := list[0].(map[string]any)
	assert.Equal(t, "basketly", first["id"])
	assert.NotContains(t, first, "baseUrl")
	assert.NotContains(t, first, "auth")

	resp, body = get(t, srv.URL+"/v1/providers/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, h := range body["providers"].([]any) {
		assert.Equal(t, true, h.(map[string]any)["healthy"])
	}
}

func TestToggleProvider(t *testing.T) {
	srv, _ := newTestServer(t, usProviders(), Config{})

	enabled := func() map[string]bool {
		_, body := get(t, srv.URL+"/v1/providers")
		out := map[string]bool{}
		for _, p := range body["providers"].([]any) {
			m := p.(map[string]any)
			out[m["id"].(string)] = m["enabled"].(bool)
		}
		return out
	}

	resp, body := post(t, srv.URL+"/v1/providers/freshmart/disable", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "freshmart", body["providerId"])
	assert.Equal(t, false, body["enabled"])
	assert.False(t, enabled()["freshmart"])

	resp, dec := post(t, srv.URL+"/v1/route", routeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, "freshmart", dec["providerId"])
	assert.Len(t, dec["alternatives"], 1)

	resp, _ = post(t, srv.URL+"/v1/providers/freshmart/enable", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, enabled()["freshmart"])

	resp, body = post(t, srv.URL+"/v1/providers/ghost/disable", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "PROVIDER_NOT_FOUND", body["error"])
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, usProviders(), Config{CORSOrigins: []string{"https://app.example.com"}})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/route", bytes.NewReader(nil))
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := map[router.Code]int{
		router.CodeInvalidRequest: http.StatusBadRequest,
		router.CodeNoProviders:    http.StatusUnprocessableEntity,
		router.CodeNoValidQuotes:  http.StatusBadGateway,
		router.CodeInternal:       http.StatusInternalServerError,
		router.CodeTokenNotFound:  http.StatusNotFound,
		router.CodeTokenConflict:  http.StatusConflict,
		router.CodeTokenExpired:   http.StatusGone,

		router.CodeProviderNotFound: http.StatusNotFound,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusFor(code), code)
	}
}
