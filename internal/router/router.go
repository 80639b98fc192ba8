// Package router runs a routing decision end to end: candidate selection,
// quote fan-out, ranking and token issue. It also fronts the token
// transitions and outcome reporting that follow a decision.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cartrouter/internal/aggregator"
	"github.com/sells-group/cartrouter/internal/events"
	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/provider"
	"github.com/sells-group/cartrouter/internal/reliability"
	"github.com/sells-group/cartrouter/internal/resilience"
	"github.com/sells-group/cartrouter/internal/scoring"
	"github.com/sells-group/cartrouter/internal/token"
)

// DefaultMaxAlternatives is how many runner-up quotes a decision carries.
const DefaultMaxAlternatives = 3

// Request is a routing request.
type Request struct {
	RequestID       string                `json:"requestId,omitempty"`
	Items           []model.RequestedItem `json:"items"`
	ShippingAddress model.Address         `json:"shippingAddress"`
	OptimizeFor     string                `json:"optimizeFor,omitempty"`
}

// Alternative summarizes a runner-up quote.
type Alternative struct {
	Provider                 string          `json:"provider"`
	ProviderID               string          `json:"providerId"`
	TotalCents               int64           `json:"totalCents"`
	Currency                 string          `json:"currency"`
	EstimatedDeliveryMinutes int             `json:"estimatedDeliveryMinutes"`
	Availability             float64         `json:"availability"`
	Score                    float64         `json:"score"`
	Rank                     int             `json:"rank"`
	Explanation              string          `json:"explanation"`
	Mode                     model.QuoteMode `json:"mode"`
}

// Decision is a successful routing result.
type Decision struct {
	RequestID         string                   `json:"requestId"`
	Provider          string                   `json:"provider"`
	ProviderID        string                   `json:"providerId"`
	Cart              []model.CartLine         `json:"cart"`
	Quote             model.Quote              `json:"quote"`
	ItemAvailability  []model.ItemAvailability `json:"itemAvailability"`
	Score             float64                  `json:"score"`
	ScoreBreakdown    model.ScoreBreakdown     `json:"scoreBreakdown"`
	Alternatives      []Alternative            `json:"alternatives"`
	ConfirmationToken string                   `json:"confirmationToken"`
	ExpiresAt         time.Time                `json:"expiresAt"`
	AffiliateURL      string                   `json:"affiliateUrl,omitempty"`
	Mode              model.QuoteMode          `json:"mode"`
	OptimizeFor       scoring.Mode             `json:"optimizeFor"`
	Message           string                   `json:"message"`
	Failures          []aggregator.Failure     `json:"failures,omitempty"`
}

// Option configures a Router.
type Option func(*Router)

// WithMaxAlternatives caps the runner-ups returned with a decision.
func WithMaxAlternatives(n int) Option {
	return func(r *Router) {
		if n >= 0 {
			r.maxAlternatives = n
		}
	}
}

// WithDefaultMode sets the objective used when a request names none.
func WithDefaultMode(m scoring.Mode) Option {
	return func(r *Router) { r.defaultMode = m }
}

// WithEmitter publishes route.completed events.
func WithEmitter(em *events.Emitter) Option {
	return func(r *Router) { r.emitter = em }
}

// WithBreakers reports per-provider circuit state in Providers. A provider
// re-enabled through SetProviderEnabled gets a closed circuit.
func WithBreakers(b *resilience.Breakers) Option {
	return func(r *Router) { r.breakers = b }
}

// WithAsyncOutcomes routes RecordOutcome through the learner's queue.
func WithAsyncOutcomes() Option {
	return func(r *Router) { r.asyncOutcomes = true }
}

// Router wires the routing components together.
type Router struct {
	registry *provider.Registry
	agg      *aggregator.Aggregator
	engine   *scoring.Engine
	learner  *reliability.Learner
	tokens   *token.Manager

	emitter         *events.Emitter
	breakers        *resilience.Breakers
	maxAlternatives int
	defaultMode     scoring.Mode
	asyncOutcomes   bool
	now             func() time.Time
}

// New creates a Router.
func New(registry *provider.Registry, agg *aggregator.Aggregator, engine *scoring.Engine,
	learner *reliability.Learner, tokens *token.Manager, opts ...Option) *Router {
	r := &Router{
		registry:        registry,
		agg:             agg,
		engine:          engine,
		learner:         learner,
		tokens:          tokens,
		maxAlternatives: DefaultMaxAlternatives,
		defaultMode:     scoring.ModeBalanced,
		now:             time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route picks the best provider for req and issues a confirmation token for
// it. Failures are *Error.
func (r *Router) Route(ctx context.Context, req Request) (dec *Decision, err error) {
	start := r.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	var (
		mode       = r.defaultMode
		candidates int
		quotes     int
	)
	defer func() {
		code := "OK"
		if err != nil {
			code = string(AsError(err).Code)
		}
		r.emitter.Emit(events.Event{
			Kind:       events.RouteCompleted,
			RequestID:  req.RequestID,
			Mode:       string(mode),
			Code:       code,
			Candidates: candidates,
			Quotes:     quotes,
			LatencyMs:  r.now().Sub(start).Milliseconds(),
		})
	}()

	if req.OptimizeFor != "" {
		m, perr := scoring.ParseMode(req.OptimizeFor)
		if perr != nil {
			return nil, &Error{Code: CodeInvalidRequest, Message: "optimizeFor must be price, speed, margin or balanced", Err: perr}
		}
		mode = m
	}

	payload, err := aggregator.BuildPayload(req.RequestID, req.Items, req.ShippingAddress)
	if err != nil {
		var ve *aggregator.ValidationError
		if errors.As(err, &ve) {
			return nil, &Error{Code: CodeInvalidRequest, Message: "request is invalid", Details: ve.Problems, Err: err}
		}
		return nil, &Error{Code: CodeInternal, Message: "could not build provider payload", Err: err}
	}

	pool := r.registry.Snapshot().EnabledProvidersSorted(payload.Region)
	candidates = len(pool)
	if candidates == 0 {
		return nil, &Error{
			Code:    CodeNoProviders,
			Message: fmt.Sprintf("no enabled provider serves %s", payload.Region),
			Details: map[string]string{"region": payload.Region},
		}
	}

	res, err := r.agg.Collect(ctx, payload, pool)
	if err != nil {
		var nv *aggregator.NoValidQuotesError
		if errors.As(err, &nv) {
			return nil, &Error{
				Code:    CodeNoValidQuotes,
				Message: "no provider returned a valid quote",
				Details: map[string]any{"diagnosis": nv.Diagnose(), "failures": nv.Failures},
				Err:     err,
			}
		}
		return nil, &Error{Code: CodeInternal, Message: "quote collection failed", Err: err}
	}
	quotes = len(res.Quotes)

	ids := make([]string, len(res.Quotes))
	for i, q := range res.Quotes {
		ids[i] = q.ProviderID
	}
	ranked, err := r.engine.Rank(res.Quotes, mode, r.learner.Snapshot(ids))
	if err != nil {
		return nil, &Error{Code: CodeInternal, Message: "ranking failed", Err: err}
	}

	winner := ranked[0]
	tok, err := r.tokens.Issue(ctx, winner)
	if err != nil {
		return nil, &Error{Code: CodeInternal, Message: "could not issue confirmation token", Err: err}
	}

	dec = r.decision(req.RequestID, mode, ranked, tok, res.Failures)
	zap.L().Info("router: route decided",
		zap.String("request_id", req.RequestID),
		zap.String("provider", winner.ProviderID),
		zap.String("mode", string(mode)),
		zap.Float64("score", winner.Score),
		zap.Int("candidates", candidates),
		zap.Int("quotes", quotes),
	)
	return dec, nil
}

func (r *Router) decision(requestID string, mode scoring.Mode, ranked []model.ScoredQuote,
	tok *model.ConfirmationToken, failures []aggregator.Failure) *Decision {
	w := ranked[0]
	dec := &Decision{
		RequestID:         requestID,
		Provider:          w.ProviderName,
		ProviderID:        w.ProviderID,
		Cart:              w.Cart,
		Quote:             w.Quote,
		ItemAvailability:  w.ItemAvailability,
		Score:             w.Score,
		ScoreBreakdown:    w.Breakdown,
		Alternatives:      []Alternative{},
		ConfirmationToken: tok.ID,
		ExpiresAt:         tok.ExpiresAt,
		AffiliateURL:      w.AffiliateURL,
		Mode:              w.Mode,
		OptimizeFor:       mode,
		Message:           message(w),
		Failures:          failures,
	}
	for _, sq := range ranked[1:] {
		if len(dec.Alternatives) >= r.maxAlternatives {
			break
		}
		dec.Alternatives = append(dec.Alternatives, Alternative{
			Provider:                 sq.ProviderName,
			ProviderID:               sq.ProviderID,
			TotalCents:               sq.Quote.TotalCents,
			Currency:                 sq.Quote.Currency,
			EstimatedDeliveryMinutes: sq.Quote.EstimatedDeliveryMinutes,
			Availability:             sq.Breakdown.Availability,
			Score:                    sq.Score,
			Rank:                     sq.Rank,
			Explanation:              sq.Explanation,
			Mode:                     sq.Mode,
		})
	}
	return dec
}

func message(w model.ScoredQuote) string {
	name := w.ProviderName
	if name == "" {
		name = w.ProviderID
	}
	msg := fmt.Sprintf("%s can deliver for %s in about %d minutes; %s.",
		name, FormatMoney(w.Quote.TotalCents, w.Quote.Currency), w.Quote.EstimatedDeliveryMinutes, w.Explanation)
	if w.Mode == model.QuoteModeMock {
		msg += " Pricing is an estimate."
	}
	return msg
}

// FormatMoney renders minor units, e.g. 4060 USD as "$40.60".
func FormatMoney(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	amount := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	switch currency {
	case "", "USD":
		return sign + "$" + amount
	default:
		return sign + amount + " " + currency
	}
}

// Confirm validates a token and marks it used.
func (r *Router) Confirm(ctx context.Context, id string) (*model.ConfirmationToken, error) {
	if id == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "confirmationToken is required"}
	}
	t, err := r.tokens.Confirm(ctx, id)
	if err != nil {
		return nil, tokenError(err)
	}
	return t, nil
}

// Cancel releases a token.
func (r *Router) Cancel(ctx context.Context, id string) (*model.ConfirmationToken, error) {
	if id == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "confirmationToken is required"}
	}
	t, err := r.tokens.Cancel(ctx, id)
	if err != nil {
		return nil, tokenError(err)
	}
	return t, nil
}

// Token returns a token's current state.
func (r *Router) Token(ctx context.Context, id string) (*model.ConfirmationToken, error) {
	t, err := r.tokens.Get(ctx, id)
	if err != nil {
		return nil, tokenError(err)
	}
	return t, nil
}

// RecordOutcome feeds a delivered order back into the learner. Replays of a
// known order id are accepted and ignored.
func (r *Router) RecordOutcome(ctx context.Context, o model.OrderOutcome) error {
	if r.asyncOutcomes {
		err := r.learner.Submit(o)
		if err == nil {
			return nil
		}
		if !errors.Is(err, reliability.ErrQueueFull) {
			return outcomeError(err)
		}
		zap.L().Warn("router: outcome queue full, recording inline", zap.String("order_id", o.OrderID))
	}
	if _, err := r.learner.RecordOutcome(ctx, o); err != nil {
		return outcomeError(err)
	}
	return nil
}

func outcomeError(err error) error {
	var ve *reliability.ValidationError
	if errors.As(err, &ve) {
		return &Error{Code: CodeInvalidRequest, Message: "outcome is invalid", Details: ve.Problems, Err: err}
	}
	return &Error{Code: CodeInternal, Message: "could not record outcome", Err: eris.Wrap(err, "router: record outcome")}
}
