package resilience

import (
	"time"

	"github.com/sells-group/cartrouter/internal/model"
)

// ForProvider builds the retry policy for a provider: one initial attempt
// plus cfg.Retries retries, each retry logged under the provider id.
func ForProvider(cfg model.ProviderConfig, shouldRetry func(error) bool) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.Retries > 0 {
		rc.MaxAttempts = cfg.Retries + 1
	}
	// Keep backoff well inside the per-attempt deadline.
	if budget := cfg.Timeout(); budget > 0 && rc.MaxBackoff > budget/4 {
		rc.MaxBackoff = budget / 4
		if rc.InitialBackoff > rc.MaxBackoff {
			rc.InitialBackoff = rc.MaxBackoff
		}
	}
	rc.ShouldRetry = shouldRetry
	rc.OnRetry = RetryLogger(cfg.ID, "quote")
	return rc
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
