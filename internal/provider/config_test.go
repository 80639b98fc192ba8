package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cartrouter/internal/model"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_FRESHMART_SECRET", "s3cret")

	yaml := `
providers:
  - id: freshmart
    name: FreshMart
    enabled: true
    priority: 70
    commission_rate: 0.05
    regions: [US-CA]
    timeout_ms: 2500
    retries: 2
    mock_fallback: true
    base_url: https://api.freshmart.test
    auth:
      mode: oauth2_client_credentials
      token_url: https://auth.freshmart.test/token
      client_id: router
      client_secret: ${TEST_FRESHMART_SECRET}
  - id: demo
    kind: mock
    enabled: true
    regions: ["*"]
`
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	configs, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	fm := configs[0]
	assert.Equal(t, "FreshMart", fm.Name)
	assert.Equal(t, model.ProviderKindREST, fm.Kind)
	assert.Equal(t, 70, fm.Priority)
	assert.InDelta(t, 0.05, fm.CommissionRate, 1e-9)
	assert.Equal(t, 2500, fm.TimeoutMs)
	assert.Equal(t, 2, fm.Retries)
	assert.True(t, fm.MockFallback)
	assert.Equal(t, model.AuthClientCredentials, fm.Auth.Mode)
	assert.Equal(t, "s3cret", fm.Auth.ClientSecret)
	assert.Equal(t, "USD", fm.Currency)

	demo := configs[1]
	assert.Equal(t, "demo", demo.Name)
	assert.Equal(t, model.ProviderKindMock, demo.Kind)
	assert.Equal(t, defaultTimeoutMs, demo.TimeoutMs)
	assert.Equal(t, model.AuthNone, demo.Auth.Mode)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad yaml", "providers: [", "parse config"},
		{"duplicate", "providers:\n  - {id: a, kind: mock, regions: [US]}\n  - {id: a, kind: mock, regions: [US]}", "duplicate id"},
		{"priority range", "providers:\n  - {id: a, kind: mock, priority: 101, regions: [US]}", "priority must be between 0 and 100"},
		{"commission range", "providers:\n  - {id: a, kind: mock, commission_rate: 1.5, regions: [US]}", "commission_rate"},
		{"no regions", "providers:\n  - {id: a, kind: mock}", "at least one region"},
		{"rest without url", "providers:\n  - {id: a, regions: [US]}", "base_url is required"},
		{"unknown kind", "providers:\n  - {id: a, kind: soap, regions: [US]}", "unknown kind"},
		{"oauth without token url", "providers:\n  - {id: a, base_url: 'http://x', regions: [US], auth: {mode: oauth2_client_credentials}}", "token_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServes(t *testing.T) {
	cfg := model.ProviderConfig{Regions: []string{"us", "DE-BY"}}
	assert.True(t, cfg.Serves("US"))
	assert.True(t, cfg.Serves("US-CA"))
	assert.True(t, cfg.Serves("de-by"))
	assert.False(t, cfg.Serves("DE-BE"))
	assert.False(t, cfg.Serves("DE"))
}
