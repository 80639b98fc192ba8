package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/resilience"
)

// DefaultHealthTimeout bounds each provider health probe.
const DefaultHealthTimeout = 3 * time.Second

// ProviderStatus is the operator view of one configured provider.
type ProviderStatus struct {
	model.ProviderConfig
	Reliability model.ReliabilityScore `json:"reliability"`
	Registered  bool                   `json:"registered"`
	Circuit     string                 `json:"circuit,omitempty"`
}

// HealthStatus is the result of one health probe.
type HealthStatus struct {
	ProviderID string `json:"providerId"`
	Healthy    bool   `json:"healthy"`
	LatencyMs  int64  `json:"latencyMs"`
	Error      string `json:"error,omitempty"`
}

// Providers lists every configured provider with its learned reliability.
func (r *Router) Providers() []ProviderStatus {
	configs := r.registry.Snapshot().All()
	var circuits map[string]resilience.CircuitState
	if r.breakers != nil {
		circuits = r.breakers.States()
	}
	out := make([]ProviderStatus, len(configs))
	for i, c := range configs {
		score, _ := r.learner.Score(c.ID)
		score.SuccessRate = r.learner.GetReliability(c.ID)
		out[i] = ProviderStatus{
			ProviderConfig: c,
			Reliability:    score,
			Registered:     r.registry.Lookup(c.ID) != nil,
		}
		if cs, ok := circuits[c.ID]; ok {
			out[i].Circuit = cs.String()
		}
	}
	return out
}

// SetProviderEnabled toggles a provider at runtime. Decisions already past
// candidate selection keep the table they started with.
func (r *Router) SetProviderEnabled(id string, enabled bool) error {
	if !r.registry.SetEnabled(id, enabled) {
		return &Error{
			Code:    CodeProviderNotFound,
			Message: fmt.Sprintf("provider %q is not configured", id),
			Details: map[string]string{"providerId": id},
		}
	}
	if enabled && r.breakers != nil {
		r.breakers.Get(id).Reset()
	}
	zap.L().Info("router: provider toggled", zap.String("provider", id), zap.Bool("enabled", enabled))
	return nil
}

// Health probes every enabled provider concurrently. Results follow
// configuration order.
func (r *Router) Health(ctx context.Context) []HealthStatus {
	var enabled []model.ProviderConfig
	for _, c := range r.registry.Snapshot().All() {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}

	out := make([]HealthStatus, len(enabled))
	var g errgroup.Group
	for i, cfg := range enabled {
		g.Go(func() error {
			out[i] = r.probe(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Router) probe(ctx context.Context, cfg model.ProviderConfig) HealthStatus {
	st := HealthStatus{ProviderID: cfg.ID}
	impl := r.registry.Lookup(cfg.ID)
	if impl == nil {
		st.Error = "provider is not registered"
		return st
	}
	timeout := DefaultHealthTimeout
	if cfg.TimeoutMs > 0 {
		timeout = cfg.Timeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	st.Healthy = impl.HealthCheck(ctx, cfg)
	st.LatencyMs = r.now().Sub(start).Milliseconds()
	if !st.Healthy && ctx.Err() != nil {
		st.Error = "health check timed out"
	}
	return st
}
