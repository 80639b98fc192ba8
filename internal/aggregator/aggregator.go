// Package aggregator fans one routing request out to every candidate
// provider concurrently and collects whichever quotes come back valid.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/provider"
)

// Diagnoses returned by NoValidQuotesError.Diagnose.
const (
	DiagnosisAllDown        = "all_providers_down"
	DiagnosisNotServiceable = "not_serviceable"
)

// Failure is one provider's excluded attempt.
type Failure struct {
	ProviderID string             `json:"providerId"`
	Code       provider.ErrorCode `json:"code"`
	Message    string             `json:"message"`
	Retryable  bool               `json:"retryable"`
}

// Attempt records the timing of one provider call, successful or not.
type Attempt struct {
	ProviderID string             `json:"providerId"`
	LatencyMs  int64              `json:"latencyMs"`
	OK         bool               `json:"ok"`
	Mode       model.QuoteMode    `json:"mode,omitempty"`
	Code       provider.ErrorCode `json:"code,omitempty"`
}

// Result holds the outcome of a fan-out. Quotes, Failures and Attempts
// follow candidate order.
type Result struct {
	Quotes   []*model.ProviderQuote
	Failures []Failure
	Attempts []Attempt
}

// NoValidQuotesError is returned when every candidate failed.
type NoValidQuotesError struct {
	Failures []Failure
}

func (e *NoValidQuotesError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s=%s", f.ProviderID, f.Code)
	}
	return fmt.Sprintf("no valid quotes from %d providers (%s)", len(e.Failures), strings.Join(parts, ", "))
}

// Diagnose distinguishes an outage (every failure was a timeout or other
// retryable error) from a request nobody could serve.
func (e *NoValidQuotesError) Diagnose() string {
	if len(e.Failures) == 0 {
		return DiagnosisNotServiceable
	}
	for _, f := range e.Failures {
		if !f.Retryable && f.Code != provider.CodeCircuitOpen {
			return DiagnosisNotServiceable
		}
	}
	return DiagnosisAllDown
}

// Lookup resolves a provider id to its implementation. *provider.Registry
// satisfies it.
type Lookup interface {
	Lookup(id string) provider.Provider
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithToleranceCents sets the allowed drift between a quote total and its
// components. Negative values select model.DefaultTotalToleranceCents.
func WithToleranceCents(cents int64) Option {
	return func(a *Aggregator) { a.tolerance = cents }
}

// WithAttemptHook registers a callback invoked after each provider attempt.
// It runs on the fan-out goroutine and must not block.
func WithAttemptHook(fn func(requestID string, at Attempt)) Option {
	return func(a *Aggregator) { a.onAttempt = fn }
}

// Aggregator runs concurrent quote fan-outs.
type Aggregator struct {
	providers Lookup
	tolerance int64
	onAttempt func(string, Attempt)
	now       func() time.Time
}

// New creates an Aggregator that resolves implementations through providers.
func New(providers Lookup, opts ...Option) *Aggregator {
	a := &Aggregator{
		providers: providers,
		tolerance: model.DefaultTotalToleranceCents,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type slot struct {
	quote   *model.ProviderQuote
	failure *Failure
	attempt Attempt
}

// Collect asks every candidate for a quote concurrently. Each call is bounded
// by its own timeout; a slow or failing provider never delays the others.
// Returns *NoValidQuotesError when no candidate produced a valid quote.
func (a *Aggregator) Collect(ctx context.Context, req provider.QuoteRequest, candidates []model.ProviderConfig) (*Result, error) {
	slots := make([]slot, len(candidates))

	// Plain errgroup: tasks never return an error, so one failure cannot
	// cancel its siblings.
	var g errgroup.Group
	for i, cfg := range candidates {
		g.Go(func() error {
			slots[i] = a.attempt(ctx, req, cfg)
			if a.onAttempt != nil {
				a.onAttempt(req.RequestID, slots[i].attempt)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Attempts: make([]Attempt, 0, len(slots))}
	for _, s := range slots {
		res.Attempts = append(res.Attempts, s.attempt)
		if s.failure != nil {
			res.Failures = append(res.Failures, *s.failure)
			continue
		}
		res.Quotes = append(res.Quotes, s.quote)
	}

	if len(res.Quotes) == 0 {
		return res, &NoValidQuotesError{Failures: res.Failures}
	}
	return res, nil
}

type callResult struct {
	quote *model.ProviderQuote
	err   error
}

func (a *Aggregator) attempt(ctx context.Context, req provider.QuoteRequest, cfg model.ProviderConfig) slot {
	start := a.now()
	s := slot{attempt: Attempt{ProviderID: cfg.ID}}

	pq, err := a.call(ctx, req, cfg)
	s.attempt.LatencyMs = a.now().Sub(start).Milliseconds()
	if err == nil {
		err = a.validate(pq, req, cfg)
	}

	if err != nil {
		pe := provider.Classify(cfg.ID, err)
		s.failure = &Failure{ProviderID: cfg.ID, Code: pe.Code, Message: pe.Message, Retryable: pe.Retryable}
		s.attempt.Code = pe.Code
		zap.L().Warn("aggregator: provider excluded",
			zap.String("request_id", req.RequestID),
			zap.String("provider", cfg.ID),
			zap.String("code", string(pe.Code)),
			zap.Int64("latency_ms", s.attempt.LatencyMs),
			zap.String("detail", provider.Redact(pe.Detail)),
		)
		return s
	}

	pq.LatencyMs = s.attempt.LatencyMs
	s.quote = pq
	s.attempt.OK = true
	s.attempt.Mode = pq.Mode
	zap.L().Debug("aggregator: quote received",
		zap.String("request_id", req.RequestID),
		zap.String("provider", cfg.ID),
		zap.String("mode", string(pq.Mode)),
		zap.Int64("total_cents", pq.Quote.TotalCents),
		zap.Int64("latency_ms", s.attempt.LatencyMs),
	)
	return s
}

// call races the provider against its deadline. A late result lands in the
// buffered channel and is dropped.
func (a *Aggregator) call(ctx context.Context, req provider.QuoteRequest, cfg model.ProviderConfig) (*model.ProviderQuote, error) {
	impl := a.providers.Lookup(cfg.ID)
	if impl == nil {
		return nil, provider.NewError(cfg.ID, provider.CodeConfig, "provider is not registered")
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.TimeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout())
	}
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: provider.NewError(cfg.ID, provider.CodeUpstream5xx, fmt.Sprintf("provider panicked: %v", r))}
			}
		}()
		pq, err := impl.GetQuote(callCtx, req, cfg)
		done <- callResult{quote: pq, err: err}
	}()

	select {
	case r := <-done:
		return r.quote, r.err
	case <-callCtx.Done():
		if !errors.Is(ctx.Err(), context.Canceled) {
			return nil, provider.NewError(cfg.ID, provider.CodeTimeout, "provider timed out")
		}
		return nil, provider.Classify(cfg.ID, callCtx.Err())
	}
}

func (a *Aggregator) validate(pq *model.ProviderQuote, req provider.QuoteRequest, cfg model.ProviderConfig) error {
	if pq == nil {
		return provider.NewError(cfg.ID, provider.CodeInvalid, "provider returned no quote")
	}
	if pq.ProviderID == "" {
		pq.ProviderID = cfg.ID
	}
	if pq.ProviderName == "" {
		pq.ProviderName = cfg.Name
	}
	pq.Config = cfg
	if err := pq.Validate(len(req.Items), a.tolerance); err != nil {
		pe := provider.NewError(cfg.ID, provider.CodeInvalid, "provider returned an inconsistent quote")
		pe.Detail = err.Error()
		pe.Err = err
		return pe
	}
	return nil
}
