// Package provider defines the fulfillment provider contract, its concrete
// implementations, and the registry that selects candidates per request.
package provider

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sells-group/cartrouter/internal/model"
)

// QuoteRequest is the normalized payload shared by every provider attempt
// for one routing request. Items always carry stable ids.
type QuoteRequest struct {
	RequestID string                `json:"requestId"`
	Items     []model.RequestedItem `json:"items"`
	Address   model.Address         `json:"address"`
	Region    string                `json:"region"`
}

// Provider is implemented once per fulfillment backend.
type Provider interface {
	// ID returns the provider identifier (matches ProviderConfig.ID).
	ID() string
	// GetQuote prices the request. Failures are *ProviderError.
	GetQuote(ctx context.Context, req QuoteRequest, cfg model.ProviderConfig) (*model.ProviderQuote, error)
	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context, cfg model.ProviderConfig) bool
}

// Snapshot is an immutable view of the provider table. Requests take one
// snapshot up front so runtime toggles never affect them mid-flight.
type Snapshot struct {
	configs []model.ProviderConfig
}

// All returns every configured provider, sorted by id.
func (s *Snapshot) All() []model.ProviderConfig {
	return slices.Clone(s.configs)
}

// EnabledProvidersSorted returns enabled providers serving region, highest
// priority first, ties broken by id.
func (s *Snapshot) EnabledProvidersSorted(region string) []model.ProviderConfig {
	var out []model.ProviderConfig
	for _, c := range s.configs {
		if c.Enabled && c.Serves(region) {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b model.ProviderConfig) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Registry manages provider implementations and their current configuration.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	writeMu   sync.Mutex
	snap      atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry with the given configuration table.
func NewRegistry(configs []model.ProviderConfig) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	r.Update(configs)
	return r
}

// Register adds (or replaces) the implementation for p.ID().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Lookup returns the implementation for a provider id, or nil.
func (r *Registry) Lookup(id string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[id]
}

// Update atomically replaces the configuration table.
func (r *Registry) Update(configs []model.ProviderConfig) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.publish(configs)
}

func (r *Registry) publish(configs []model.ProviderConfig) {
	cloned := make([]model.ProviderConfig, len(configs))
	for i, c := range configs {
		c.Regions = slices.Clone(c.Regions)
		cloned[i] = c
	}
	slices.SortFunc(cloned, func(a, b model.ProviderConfig) int { return strings.Compare(a.ID, b.ID) })
	r.snap.Store(&Snapshot{configs: cloned})
}

// SetEnabled toggles one provider by publishing a new snapshot. Returns
// false if the id is unknown.
func (r *Registry) SetEnabled(id string, enabled bool) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	cur := r.Snapshot().All()
	idx := slices.IndexFunc(cur, func(c model.ProviderConfig) bool { return c.ID == id })
	if idx < 0 {
		return false
	}
	cur[idx].Enabled = enabled
	r.publish(cur)
	return true
}

// Snapshot returns the current immutable configuration view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// EnabledProvidersSorted is shorthand for Snapshot().EnabledProvidersSorted.
func (r *Registry) EnabledProvidersSorted(region string) []model.ProviderConfig {
	return r.Snapshot().EnabledProvidersSorted(region)
}
