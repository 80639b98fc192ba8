// Package model holds the normalized types shared by the routing pipeline.
package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// QuoteMode tags whether a quote came from a live integration or the
// deterministic fallback generator.
type QuoteMode string

const (
	QuoteModeReal QuoteMode = "real"
	QuoteModeMock QuoteMode = "mock"
)

// AvailabilityStatus is the per-item match result reported by a provider.
type AvailabilityStatus string

const (
	AvailabilityFound       AvailabilityStatus = "found"
	AvailabilitySubstituted AvailabilityStatus = "substituted"
	AvailabilityUnavailable AvailabilityStatus = "unavailable"
)

// DefaultTotalToleranceCents is the allowed drift between a quote total and
// the sum of its components when no tolerance is configured.
const DefaultTotalToleranceCents int64 = 10

// RequestedItem is one line of the caller's shopping list.
type RequestedItem struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Quantity    float64  `json:"quantity"`
	Unit        string   `json:"unit,omitempty"`
	Preferences []string `json:"preferences,omitempty"`
}

// Address is the delivery destination.
type Address struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// Region returns the serviceability code for the address: "US-CA" when a
// state is present, otherwise just the country code.
func (a Address) Region() string {
	country := strings.ToUpper(strings.TrimSpace(a.Country))
	state := strings.ToUpper(strings.TrimSpace(a.State))
	if state == "" {
		return country
	}
	return country + "-" + state
}

// DeliveryWindow bounds when an order is expected to arrive.
type DeliveryWindow struct {
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`
}

// Quote is the priced offer. All amounts are integer minor currency units.
type Quote struct {
	SubtotalCents            int64           `json:"subtotalCents"`
	FeesCents                int64           `json:"feesCents"`
	TaxCents                 int64           `json:"taxCents"`
	TotalCents               int64           `json:"totalCents"`
	Currency                 string          `json:"currency"`
	EstimatedDeliveryMinutes int             `json:"estimatedDeliveryMinutes"`
	DeliveryWindow           *DeliveryWindow `json:"deliveryWindow,omitempty"`
}

// ComponentDrift is the absolute difference between TotalCents and the sum of
// subtotal, fees and tax.
func (q Quote) ComponentDrift() int64 {
	d := q.TotalCents - (q.SubtotalCents + q.FeesCents + q.TaxCents)
	if d < 0 {
		return -d
	}
	return d
}

// CartLine is a requested item matched to a provider product.
type CartLine struct {
	ItemID         string  `json:"itemId"`
	RequestedName  string  `json:"requestedName"`
	ProductName    string  `json:"productName"`
	Quantity       float64 `json:"quantity"`
	UnitPriceCents int64   `json:"unitPriceCents"`
	LineTotalCents int64   `json:"lineTotalCents"`
}

// ItemAvailability reports how one requested item was matched.
type ItemAvailability struct {
	ItemID     string             `json:"itemId"`
	Name       string             `json:"name"`
	Status     AvailabilityStatus `json:"status"`
	Substitute string             `json:"substitute,omitempty"`
}

// ProviderQuote is one provider's normalized answer for a request. Config is
// the policy the quote was scored under; its JSON form never carries the
// endpoint or credentials, so persisted tokens keep it.
type ProviderQuote struct {
	ProviderID       string             `json:"providerId"`
	ProviderName     string             `json:"provider"`
	Config           ProviderConfig     `json:"config"`
	Cart             []CartLine         `json:"cart"`
	Quote            Quote              `json:"quote"`
	ItemAvailability []ItemAvailability `json:"itemAvailability"`
	AffiliateURL     string             `json:"affiliateUrl,omitempty"`
	Mode             QuoteMode          `json:"mode"`
	LatencyMs        int64              `json:"latencyMs"`
}

// AvailabilityRatio is found-or-substituted items over requested items.
func (pq *ProviderQuote) AvailabilityRatio() float64 {
	if len(pq.ItemAvailability) == 0 {
		return 0
	}
	var found int
	for _, ia := range pq.ItemAvailability {
		if ia.Status == AvailabilityFound || ia.Status == AvailabilitySubstituted {
			found++
		}
	}
	return float64(found) / float64(len(pq.ItemAvailability))
}

// Validate checks the quote invariants: totals add up within tolerance, no
// money component or delivery estimate is negative, and there is exactly one
// availability entry per requested item.
func (pq *ProviderQuote) Validate(itemCount int, toleranceCents int64) error {
	if toleranceCents < 0 {
		toleranceCents = DefaultTotalToleranceCents
	}
	if drift := pq.Quote.ComponentDrift(); drift > toleranceCents {
		return eris.Errorf("quote %s: total %d drifts %d from components (tolerance %d)",
			pq.ProviderID, pq.Quote.TotalCents, drift, toleranceCents)
	}
	if len(pq.ItemAvailability) != itemCount {
		return eris.Errorf("quote %s: %d availability entries for %d items",
			pq.ProviderID, len(pq.ItemAvailability), itemCount)
	}
	if pq.Quote.TotalCents < 0 {
		return eris.Errorf("quote %s: negative total %d", pq.ProviderID, pq.Quote.TotalCents)
	}
	for _, c := range []struct {
		name  string
		cents int64
	}{
		{"subtotal", pq.Quote.SubtotalCents},
		{"fees", pq.Quote.FeesCents},
		{"tax", pq.Quote.TaxCents},
	} {
		if c.cents < 0 {
			return eris.Errorf("quote %s: negative %s %d", pq.ProviderID, c.name, c.cents)
		}
	}
	if pq.Quote.EstimatedDeliveryMinutes < 0 {
		return eris.Errorf("quote %s: negative delivery estimate %d minutes",
			pq.ProviderID, pq.Quote.EstimatedDeliveryMinutes)
	}
	return nil
}

// ScoreBreakdown holds the normalized sub-scores that fed a ranking decision.
type ScoreBreakdown struct {
	Priority     float64 `json:"priority"`
	Price        float64 `json:"price"`
	Speed        float64 `json:"speed"`
	Commission   float64 `json:"commission"`
	Availability float64 `json:"availability"`
	Reliability  float64 `json:"reliability"`
}

// ScoredQuote is a ProviderQuote with its ranking result attached.
type ScoredQuote struct {
	ProviderQuote
	Score       float64        `json:"score"`
	Breakdown   ScoreBreakdown `json:"scoreBreakdown"`
	Explanation string         `json:"explanation"`
	Rank        int            `json:"rank"`
}
