package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cartrouter/internal/config"
	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/reliability"
	"github.com/sells-group/cartrouter/internal/router"
	"github.com/sells-group/cartrouter/internal/scoring"
)

const providersYAML = `
providers:
  - id: basketly
    name: Basketly
    kind: mock
    enabled: true
    priority: 60
    regions: [US]
  - id: freshmart
    name: FreshMart
    kind: mock
    enabled: true
    priority: 80
    regions: [US-CA, US-NY]
  - id: dormant
    kind: mock
    enabled: false
    regions: ["*"]
`

const requestJSON = `{
	"items": [
		{"name": "Whole Milk", "quantity": 1, "unit": "gallon"},
		{"name": "Eggs", "quantity": 12}
	],
	"shippingAddress": {"city": "San Francisco", "state": "CA", "postalCode": "94105", "country": "US"}
}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(providersYAML), 0o600))

	c := &config.Config{}
	c.Store.Driver = "memory"
	c.Server.Port = 8080
	c.Providers.Path = path
	c.Routing.TotalToleranceCents = model.DefaultTotalToleranceCents
	c.Routing.MaxAlternatives = 3
	c.Routing.DefaultMode = "balanced"
	c.Scoring.Weights = scoring.DefaultWeights()
	c.Reliability = reliability.DefaultConfig()
	c.Tokens.TTLSecs = 600
	c.Tokens.Backend = config.TokenBackendStore
	c.Tokens.RetentionSecs = 3600
	c.Events.Buffer = 64
	c.Resilience.BreakerThreshold = 5
	c.Resilience.BreakerResetSecs = 30
	require.NoError(t, c.Validate("serve"))
	return c
}

func TestBuildApp_RoutesWithMockProviders(t *testing.T) {
	ctx := context.Background()
	env, err := buildApp(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(env.Close)

	dec, err := env.Router.Route(ctx, router.Request{
		Items:           []model.RequestedItem{{Name: "Whole Milk", Quantity: 1}},
		ShippingAddress: model.Address{City: "Oakland", State: "CA", PostalCode: "94607", Country: "US"},
	})
	require.NoError(t, err)
	assert.Contains(t, []string{"basketly", "freshmart"}, dec.ProviderID)
	assert.Equal(t, scoring.ModeBalanced, dec.OptimizeFor)
	assert.NotEmpty(t, dec.ConfirmationToken)

	tok, err := env.Router.Confirm(ctx, dec.ConfirmationToken)
	require.NoError(t, err)
	assert.Equal(t, model.TokenConfirmed, tok.State)
}

func TestBuildApp_MemoryTokenBackend(t *testing.T) {
	c := testConfig(t)
	c.Tokens.Backend = config.TokenBackendMemory

	env, err := buildApp(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	assert.Nil(t, env.Redis)
}

func TestBuildApp_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"missing provider file", func(c *config.Config) { c.Providers.Path = filepath.Join(t.TempDir(), "none.yaml") }, "read config"},
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "mongo" }, "unknown driver"},
		{"bad reliability", func(c *config.Config) { c.Reliability.Alpha = 0 }, "alpha"},
		{"bad mode", func(c *config.Config) { c.Routing.DefaultMode = "cheapest" }, "unknown optimization mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig(t)
			tt.mutate(c)
			_, err := buildApp(context.Background(), c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuildApp_SQLitePersistsReliability(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)
	c.Store.Driver = "sqlite"
	c.Store.SQLitePath = filepath.Join(t.TempDir(), "router.db")

	env, err := buildApp(ctx, c)
	require.NoError(t, err)
	require.NoError(t, env.Router.RecordOutcome(ctx, model.OrderOutcome{OrderID: "o-1", ProviderID: "freshmart", ItemsOrdered: 2, Success: true}))
	env.Close()

	env, err = buildApp(ctx, c)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	assert.InDelta(t, 0.6, env.Learner.GetReliability("freshmart"), 1e-9)
}

func TestStartWorkers_StopOnCancel(t *testing.T) {
	c := testConfig(t)
	c.Tokens.SweepIntervalSecs = 1
	env, err := buildApp(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(env.Close)

	ctx, cancel := context.WithCancel(context.Background())
	wait := env.startWorkers(ctx)
	cancel()

	done := make(chan error, 1)
	go func() { done <- wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestRunRoute(t *testing.T) {
	ctx := context.Background()
	env, err := buildApp(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(env.Close)

	var out bytes.Buffer
	require.NoError(t, runRoute(ctx, env.Router, strings.NewReader(requestJSON), "price", &out))

	var dec map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &dec))
	assert.Equal(t, "price", dec["optimizeFor"])
	assert.NotEmpty(t, dec["confirmationToken"])
	assert.Contains(t, dec["message"], "Pricing is an estimate.")
}

func TestRunRoute_NoProviders(t *testing.T) {
	ctx := context.Background()
	env, err := buildApp(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(env.Close)

	body := `{"items":[{"name":"Milk","quantity":1}],"shippingAddress":{"city":"Berlin","postalCode":"10115","country":"DE"}}`
	var out bytes.Buffer
	err = runRoute(ctx, env.Router, strings.NewReader(body), "", &out)
	require.Error(t, err)

	var body2 map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &body2))
	assert.Equal(t, "NO_PROVIDERS", body2["error"])
}

func TestRunRoute_MalformedInput(t *testing.T) {
	var out bytes.Buffer
	err := runRoute(context.Background(), nil, strings.NewReader("{"), "", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode request")
	assert.Empty(t, out.String())
}

func TestOpenInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(path, []byte(requestJSON), 0o600))

	in, err := openInput(path)
	require.NoError(t, err)
	require.NoError(t, in.Close())

	_, err = openInput(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestPrintProviders(t *testing.T) {
	env, err := buildApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(env.Close)

	var out bytes.Buffer
	require.NoError(t, printProviders(&out, env.Router.Providers(), env.Learner.Scores()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[0], "CIRCUIT")
	assert.Contains(t, out.String(), "freshmart")
	assert.Contains(t, out.String(), "0.500")
	assert.Contains(t, out.String(), "dormant")
	assert.NotContains(t, out.String(), "Unconfigured")
}

func TestPrintProviders_UnconfiguredScores(t *testing.T) {
	ctx := context.Background()
	env, err := buildApp(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(env.Close)

	_, err = env.Learner.RecordOutcome(ctx, model.OrderOutcome{OrderID: "o-1", ProviderID: "retired", ItemsOrdered: 1, Success: true})
	require.NoError(t, err)
	_, err = env.Learner.RecordOutcome(ctx, model.OrderOutcome{OrderID: "o-2", ProviderID: "freshmart", ItemsOrdered: 1, Success: true})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printProviders(&out, env.Router.Providers(), env.Learner.Scores()))

	_, orphans, found := strings.Cut(out.String(), "Unconfigured providers with learned scores:")
	require.True(t, found)
	assert.Contains(t, orphans, "retired")
	assert.Contains(t, orphans, "0.600")
	assert.NotContains(t, orphans, "freshmart")
}

func TestBuildApp_MetricsDisabledByDefault(t *testing.T) {
	env, err := buildApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(env.Close)
	assert.Nil(t, env.Meters)
	assert.NotNil(t, env.Breakers)
}

func TestReloadProviders(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)
	env, err := buildApp(ctx, c)
	require.NoError(t, err)
	t.Cleanup(env.Close)

	updated := strings.Replace(providersYAML, "id: dormant\n    kind: mock\n    enabled: false", "id: dormant\n    kind: mock\n    enabled: true", 1)
	updated += `  - id: nightowl
    kind: mock
    enabled: true
    priority: 95
    regions: [US]
`
	require.NoError(t, os.WriteFile(c.Providers.Path, []byte(updated), 0o600))

	hup := make(chan os.Signal, 1)
	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		env.watchReload(watchCtx, hup)
		close(done)
	}()
	hup <- syscall.SIGHUP

	require.Eventually(t, func() bool {
		return len(env.Registry.Snapshot().All()) == 4
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	dec, err := env.Router.Route(ctx, router.Request{
		Items:           []model.RequestedItem{{Name: "Whole Milk", Quantity: 1}},
		ShippingAddress: model.Address{City: "Oakland", State: "CA", PostalCode: "94607", Country: "US"},
		OptimizeFor:     "balanced",
	})
	require.NoError(t, err)
	ids := []string{dec.ProviderID}
	for _, alt := range dec.Alternatives {
		ids = append(ids, alt.ProviderID)
	}
	assert.ElementsMatch(t, []string{"basketly", "freshmart", "dormant", "nightowl"}, ids)

	// A broken table is rejected and the current one stays.
	require.NoError(t, os.WriteFile(c.Providers.Path, []byte("providers: [unclosed"), 0o600))
	require.Error(t, env.reloadProviders())
	assert.Len(t, env.Registry.Snapshot().All(), 4)
}

func TestPrintHealth(t *testing.T) {
	ctx := context.Background()
	env, err := buildApp(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(env.Close)

	var out bytes.Buffer
	require.NoError(t, printHealth(ctx, &out, env.Router))
	assert.Contains(t, out.String(), "basketly")
	assert.Contains(t, out.String(), "true")
	assert.NotContains(t, out.String(), "dormant")
}

func TestServerConfig(t *testing.T) {
	s := config.ServerConfig{Port: 9090, CORSOrigins: []string{"*"}, ReadTimeoutSecs: 10, WriteTimeoutSecs: 30, RequestTimeoutSecs: 15}

	ac := apiConfig(s)
	assert.Equal(t, 15*time.Second, ac.RequestTimeout)
	assert.Equal(t, []string{"*"}, ac.CORSOrigins)

	srv := newHTTPServer(s, nil)
	assert.Equal(t, ":9090", srv.Addr)
	assert.Equal(t, 10*time.Second, srv.ReadTimeout)
	assert.Equal(t, 30*time.Second, srv.WriteTimeout)
}
