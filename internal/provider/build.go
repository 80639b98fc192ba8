package provider

import (
	"slices"

	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/resilience"
)

// BuildRegistry constructs one implementation per configured provider and
// registers it. REST providers share the breaker set (one breaker per id)
// and are wrapped with the mock fallback; the wrapper only engages for
// configs with mock_fallback enabled.
func BuildRegistry(configs []model.ProviderConfig, breakers *resilience.Breakers, opts ...RESTOption) *Registry {
	reg := NewRegistry(configs)
	for _, cfg := range configs {
		reg.Register(Build(cfg, breakers, opts...))
	}
	return reg
}

// Build returns the implementation for a single provider config.
func Build(cfg model.ProviderConfig, breakers *resilience.Breakers, opts ...RESTOption) Provider {
	switch cfg.Kind {
	case model.ProviderKindMock:
		return NewMockProvider(cfg.ID)
	default:
		if breakers != nil {
			opts = append(slices.Clone(opts), WithBreaker(breakers.Get(cfg.ID)))
		}
		return WithMockFallback(NewRESTProvider(cfg, opts...))
	}
}

// Reload re-reads the provider table at path, rebuilds every implementation
// and publishes the new table. Requests that already took a snapshot keep
// it. A table that fails to load leaves the registry untouched.
func Reload(reg *Registry, path string, breakers *resilience.Breakers, opts ...RESTOption) ([]model.ProviderConfig, error) {
	configs, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	// Implementations first so no published snapshot names an unregistered id.
	for _, cfg := range configs {
		reg.Register(Build(cfg, breakers, opts...))
	}
	reg.Update(configs)
	return configs, nil
}

// BreakerConfig returns the circuit breaker policy for provider calls: only
// retryable failures count toward opening the circuit.
func BreakerConfig(failureThreshold, resetTimeoutSecs int) resilience.CircuitBreakerConfig {
	cfg := resilience.FromCircuitConfig(failureThreshold, resetTimeoutSecs)
	cfg.ShouldTrip = IsRetryable
	return cfg
}
