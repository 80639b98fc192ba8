package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/sells-group/cartrouter/internal/model"
)

// Mock quote shape. Prices and timings are derived from a hash of the
// provider id and item name so the same request always yields the same quote.
const (
	mockMinUnitCents   = 149
	mockUnitSpreadCts  = 850
	mockBaseFeeCents   = 399
	mockTaxBasisPoints = 800
	mockBaseMinutes    = 35
	mockMinuteSpread   = 90
)

// MockProvider returns deterministic quotes without any network I/O. It
// backs kind=mock providers and the degraded path of WithMockFallback.
type MockProvider struct {
	id  string
	now func() time.Time
}

// NewMockProvider creates a deterministic provider for id.
func NewMockProvider(id string) *MockProvider {
	return &MockProvider{id: id, now: time.Now}
}

// ID returns the provider id.
func (m *MockProvider) ID() string { return m.id }

// GetQuote returns the deterministic quote for req.
func (m *MockProvider) GetQuote(ctx context.Context, req QuoteRequest, cfg model.ProviderConfig) (*model.ProviderQuote, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(m.id, err)
	}
	return MockQuote(cfg, req, m.now()), nil
}

// HealthCheck always succeeds.
func (m *MockProvider) HealthCheck(_ context.Context, _ model.ProviderConfig) bool { return true }

// MockQuote builds the deterministic quote for cfg and req as of now.
func MockQuote(cfg model.ProviderConfig, req QuoteRequest, now time.Time) *model.ProviderQuote {
	pq := &model.ProviderQuote{
		ProviderID:       cfg.ID,
		ProviderName:     cfg.Name,
		Config:           cfg,
		Mode:             model.QuoteModeMock,
		ItemAvailability: make([]model.ItemAvailability, 0, len(req.Items)),
	}

	var subtotal int64
	for _, item := range req.Items {
		h := mockHash(cfg.ID, item.Name)
		ia := model.ItemAvailability{ItemID: item.ID, Name: item.Name, Status: model.AvailabilityFound}
		switch {
		case h%19 == 0:
			ia.Status = model.AvailabilityUnavailable
			pq.ItemAvailability = append(pq.ItemAvailability, ia)
			continue
		case h%7 == 0:
			ia.Status = model.AvailabilitySubstituted
			ia.Substitute = "store brand " + strings.ToLower(item.Name)
		}
		pq.ItemAvailability = append(pq.ItemAvailability, ia)

		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		unit := int64(mockMinUnitCents + h%mockUnitSpreadCts)
		line := int64(math.Round(float64(unit) * qty))
		subtotal += line

		product := item.Name
		if ia.Substitute != "" {
			product = ia.Substitute
		}
		pq.Cart = append(pq.Cart, model.CartLine{
			ItemID:         item.ID,
			RequestedName:  item.Name,
			ProductName:    product,
			Quantity:       qty,
			UnitPriceCents: unit,
			LineTotalCents: line,
		})
	}

	providerHash := mockHash(cfg.ID, "")
	fees := int64(mockBaseFeeCents + providerHash%300)
	tax := subtotal * mockTaxBasisPoints / 10_000
	minutes := mockBaseMinutes + int(providerHash%mockMinuteSpread)

	pq.Quote = model.Quote{
		SubtotalCents:            subtotal,
		FeesCents:                fees,
		TaxCents:                 tax,
		TotalCents:               subtotal + fees + tax,
		Currency:                 cfg.Currency,
		EstimatedDeliveryMinutes: minutes,
		DeliveryWindow: &model.DeliveryWindow{
			Earliest: now.Add(time.Duration(minutes-15) * time.Minute).UTC(),
			Latest:   now.Add(time.Duration(minutes+15) * time.Minute).UTC(),
		},
	}
	if pq.Quote.Currency == "" {
		pq.Quote.Currency = defaultCurrency
	}
	if cfg.BaseURL != "" {
		pq.AffiliateURL = fmt.Sprintf("%s/checkout?ref=%s", strings.TrimRight(cfg.BaseURL, "/"), req.RequestID)
	}
	return pq
}

func mockHash(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(p))))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum32()
}
