package model

import (
	"slices"
	"strings"
	"time"
)

// ProviderKind selects which implementation backs a configured provider.
type ProviderKind string

const (
	ProviderKindREST ProviderKind = "rest"
	ProviderKindMock ProviderKind = "mock"
)

// AuthMode selects how a REST provider authenticates.
type AuthMode string

const (
	AuthNone              AuthMode = "none"
	AuthAPIKey            AuthMode = "api_key"
	AuthClientCredentials AuthMode = "oauth2_client_credentials"
)

// AuthConfig holds provider credentials. Values never leave the process in
// user-facing responses.
type AuthConfig struct {
	Mode         AuthMode `yaml:"mode" json:"-"`
	APIKey       string   `yaml:"api_key" json:"-"`
	TokenURL     string   `yaml:"token_url" json:"-"`
	ClientID     string   `yaml:"client_id" json:"-"`
	ClientSecret string   `yaml:"client_secret" json:"-"`
	Scope        string   `yaml:"scope" json:"-"`
}

// ProviderConfig is the operator policy for one fulfillment provider.
type ProviderConfig struct {
	ID             string       `yaml:"id" json:"id"`
	Name           string       `yaml:"name" json:"name"`
	Kind           ProviderKind `yaml:"kind" json:"kind"`
	Enabled        bool         `yaml:"enabled" json:"enabled"`
	Priority       int          `yaml:"priority" json:"priority"`
	CommissionRate float64      `yaml:"commission_rate" json:"commissionRate"`
	Regions        []string     `yaml:"regions" json:"regions"`
	TimeoutMs      int          `yaml:"timeout_ms" json:"timeoutMs"`
	Retries        int          `yaml:"retries" json:"retries"`
	MockFallback   bool         `yaml:"mock_fallback" json:"mockFallback"`
	BaseURL        string       `yaml:"base_url" json:"-"`
	Auth           AuthConfig   `yaml:"auth" json:"-"`
	RateLimitRPS   float64      `yaml:"rate_limit_rps" json:"rateLimitRps,omitempty"`
	Currency       string       `yaml:"currency" json:"currency,omitempty"`
}

// Timeout returns the per-attempt budget as a duration.
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Serves reports whether the provider delivers to the region. "*" matches
// every region, and a country entry ("US") matches its subdivisions ("US-CA").
func (c ProviderConfig) Serves(region string) bool {
	region = strings.ToUpper(strings.TrimSpace(region))
	country, _, _ := strings.Cut(region, "-")
	return slices.ContainsFunc(c.Regions, func(r string) bool {
		r = strings.ToUpper(strings.TrimSpace(r))
		return r == "*" || r == region || r == country
	})
}

// ReliabilityScore is the learned health signal for one provider.
type ReliabilityScore struct {
	ProviderID  string    `json:"providerId"`
	SuccessRate float64   `json:"successRate"`
	LatencyMs   float64   `json:"latencyMs"`
	Samples     int64     `json:"samples"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// OrderOutcome is a write-once report of how a routed order actually went.
type OrderOutcome struct {
	OrderID          string    `json:"orderId"`
	ProviderID       string    `json:"providerId"`
	ItemsOrdered     int       `json:"itemsOrdered"`
	QuotedTotalCents *int64    `json:"quotedTotalCents,omitempty"`
	ActualTotalCents *int64    `json:"actualTotalCents,omitempty"`
	LatencyMs        *float64  `json:"latencyMs,omitempty"`
	Success          bool      `json:"success"`
	Timestamp        time.Time `json:"timestamp"`
}
