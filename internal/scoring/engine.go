// Package scoring ranks provider quotes under an optimization mode.
package scoring

import (
	"math"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cartrouter/internal/model"
)

// Epsilon is the tolerance for floating-point comparisons during ranking.
const Epsilon = 1e-9

// DefaultReliabilityPrior is the reliability assumed for providers with no
// recorded outcomes.
const DefaultReliabilityPrior = 0.5

// Option configures an Engine.
type Option func(*Engine)

// WithPrior sets the reliability used when a provider is missing from the
// snapshot passed to Rank.
func WithPrior(p float64) Option {
	return func(e *Engine) { e.prior = p }
}

// Engine scores and ranks quotes. It is stateless apart from its weights and
// safe for concurrent use.
type Engine struct {
	weights Weights
	prior   float64
}

// NewEngine creates an Engine with the balanced weight vector w.
func NewEngine(w Weights, opts ...Option) (*Engine, error) {
	if err := ValidateWeights(w); err != nil {
		return nil, err
	}
	e := &Engine{weights: w, prior: DefaultReliabilityPrior}
	for _, o := range opts {
		o(e)
	}
	if e.prior < 0 || e.prior > 1 {
		return nil, eris.Errorf("scoring: reliability prior %.3f out of range [0,1]", e.prior)
	}
	return e, nil
}

// Weights returns the engine's balanced weight vector.
func (e *Engine) Weights() Weights { return e.weights }

// Rank scores quotes and returns them best first with Rank set from 1.
// reliability maps provider id to its current estimate; missing entries use
// the prior. The result is deterministic for the same inputs.
func (e *Engine) Rank(quotes []*model.ProviderQuote, mode Mode, reliability map[string]float64) ([]model.ScoredQuote, error) {
	if len(quotes) == 0 {
		return nil, eris.New("scoring: no quotes to rank")
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	availability := make([]float64, len(quotes))
	allZero := true
	for i, q := range quotes {
		availability[i] = q.AvailabilityRatio()
		if availability[i] > Epsilon {
			allZero = false
		}
	}

	w := e.weights.ForMode(mode)
	if allZero {
		w = fallbackWeights(w)
	}

	priceRange, speedRange := observedRanges(quotes, availability, allZero)

	scored := make([]model.ScoredQuote, len(quotes))
	for i, q := range quotes {
		rel, ok := reliability[q.ProviderID]
		if !ok {
			rel = e.prior
		}
		b := model.ScoreBreakdown{
			Priority:     clamp01(float64(q.Config.Priority) / 100),
			Price:        priceRange.best(float64(q.Quote.TotalCents)),
			Speed:        speedRange.best(float64(q.Quote.EstimatedDeliveryMinutes)),
			Commission:   clamp01(q.Config.CommissionRate),
			Availability: availability[i],
			Reliability:  clamp01(rel),
		}
		scored[i] = model.ScoredQuote{
			ProviderQuote: *q,
			Score:         weighted(w, b),
			Breakdown:     b,
		}
	}

	slices.SortStableFunc(scored, func(a, b model.ScoredQuote) int {
		return compare(a, b, allZero, mode.Focused())
	})

	for i := range scored {
		scored[i].Rank = i + 1
		scored[i].Explanation = Explain(scored[i], w, len(scored))
	}
	return scored, nil
}

// fallbackWeights applies when no candidate found any item: only price and
// priority decide.
func fallbackWeights(w Weights) Weights {
	out := Weights{Priority: w.Priority, Price: w.Price}
	if out.Price <= 0 {
		out.Price = 1
	}
	return out
}

func weighted(w Weights, b model.ScoreBreakdown) float64 {
	return w.Priority*b.Priority +
		w.Price*b.Price +
		w.Speed*b.Speed +
		w.Commission*b.Commission +
		w.Availability*b.Availability +
		w.Reliability*b.Reliability
}

// compare orders a before b (negative) when a ranks higher. In focused modes
// operator priority settles quotes whose score and availability are equal.
func compare(a, b model.ScoredQuote, allZero, focused bool) int {
	if !allZero {
		aZero, bZero := a.Breakdown.Availability <= Epsilon, b.Breakdown.Availability <= Epsilon
		if aZero != bZero {
			if bZero {
				return -1
			}
			return 1
		}
	}
	if c := cmpDesc(a.Score, b.Score); c != 0 {
		return c
	}
	if c := cmpDesc(a.Breakdown.Availability, b.Breakdown.Availability); c != 0 {
		return c
	}
	if focused {
		if c := cmpDesc(a.Breakdown.Priority, b.Breakdown.Priority); c != 0 {
			return c
		}
	}
	if a.Quote.TotalCents != b.Quote.TotalCents {
		if a.Quote.TotalCents < b.Quote.TotalCents {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ProviderID, b.ProviderID)
}

func cmpDesc(a, b float64) int {
	switch {
	case math.Abs(a-b) <= Epsilon:
		return 0
	case a > b:
		return -1
	default:
		return 1
	}
}

// span is an observed [min,max] range where lower raw values are better.
type span struct {
	min, max float64
}

// best maps v onto [0,1] with 1 at the minimum. A degenerate range scores 1.
func (s span) best(v float64) float64 {
	if s.max-s.min <= Epsilon {
		return 1
	}
	return clamp01((s.max - v) / (s.max - s.min))
}

// observedRanges computes the price and delivery-time ranges. Quotes that
// found nothing are left out when others found something, so an empty cart's
// bare fees cannot set the price floor.
func observedRanges(quotes []*model.ProviderQuote, availability []float64, allZero bool) (price, speed span) {
	first := true
	for i, q := range quotes {
		if !allZero && availability[i] <= Epsilon {
			continue
		}
		total := float64(q.Quote.TotalCents)
		minutes := float64(q.Quote.EstimatedDeliveryMinutes)
		if first {
			price = span{total, total}
			speed = span{minutes, minutes}
			first = false
			continue
		}
		price.min, price.max = math.Min(price.min, total), math.Max(price.max, total)
		speed.min, speed.max = math.Min(speed.min, minutes), math.Max(speed.max, minutes)
	}
	return price, speed
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
