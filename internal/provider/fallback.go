package provider

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/cartrouter/internal/model"
)

// maxFallbackReserve caps the slice of the caller's deadline held back so a
// timed-out real call still leaves time to serve the mock quote.
const maxFallbackReserve = 100 * time.Millisecond

// fallbackProvider degrades to a deterministic mock quote when the wrapped
// provider fails and the config allows it.
type fallbackProvider struct {
	inner Provider
	now   func() time.Time
}

// WithMockFallback wraps p so that a failed real call returns MockQuote
// tagged mode=mock whenever cfg.MockFallback is set. The real call runs
// under a deadline shortened by a fifth of the budget (at most
// maxFallbackReserve), so a real-call timeout still falls back. A caller
// context that is itself done is not papered over.
func WithMockFallback(p Provider) Provider {
	return &fallbackProvider{inner: p, now: time.Now}
}

func (f *fallbackProvider) ID() string { return f.inner.ID() }

func (f *fallbackProvider) GetQuote(ctx context.Context, req QuoteRequest, cfg model.ProviderConfig) (*model.ProviderQuote, error) {
	if !cfg.MockFallback {
		return f.inner.GetQuote(ctx, req, cfg)
	}

	innerCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		reserve := min(time.Until(deadline)/5, maxFallbackReserve)
		if reserve > 0 {
			var cancel context.CancelFunc
			innerCtx, cancel = context.WithDeadline(ctx, deadline.Add(-reserve))
			defer cancel()
		}
	}

	pq, err := f.inner.GetQuote(innerCtx, req, cfg)
	if err == nil || ctx.Err() != nil {
		return pq, err
	}

	pe := Classify(cfg.ID, err)
	zap.L().Warn("provider: real quote failed, serving mock fallback",
		zap.String("provider", cfg.ID),
		zap.String("code", string(pe.Code)),
		zap.String("detail", Redact(pe.Detail)),
	)
	return MockQuote(cfg, req, f.now()), nil
}

func (f *fallbackProvider) HealthCheck(ctx context.Context, cfg model.ProviderConfig) bool {
	return f.inner.HealthCheck(ctx, cfg)
}
