// Package reliability maintains a smoothed per-provider success signal
// learned from reported order outcomes.
package reliability

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cartrouter/internal/model"
)

// ErrQueueFull is returned by Submit when the ingestion queue is saturated.
var ErrQueueFull = eris.New("reliability: outcome queue full")

// Store persists outcomes and scores. InsertOutcome must be insert-if-absent
// keyed by order id and report whether the row was new.
type Store interface {
	InsertOutcome(ctx context.Context, o model.OrderOutcome) (bool, error)
	SaveScore(ctx context.Context, s model.ReliabilityScore) error
	LoadScores(ctx context.Context) ([]model.ReliabilityScore, error)
}

// Config tunes the moving averages.
//
// Alpha is the weight of the newest outcome. Higher values track recent
// behavior quickly but swing on single failures; after n consecutive
// failures a provider starting at Prior sits at Prior*(1-Alpha)^n.
type Config struct {
	Alpha        float64 `mapstructure:"alpha"`
	Prior        float64 `mapstructure:"prior"`
	LatencyAlpha float64 `mapstructure:"latency_alpha"`
	QueueSize    int     `mapstructure:"queue_size"`
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{Alpha: 0.2, Prior: 0.5, LatencyAlpha: 0.2, QueueSize: 256}
}

// Validate checks the tuning ranges.
func (c Config) Validate() error {
	var errs []string
	if c.Alpha <= 0 || c.Alpha > 1 {
		errs = append(errs, fmt.Sprintf("alpha must be in (0,1], got %g", c.Alpha))
	}
	if c.LatencyAlpha <= 0 || c.LatencyAlpha > 1 {
		errs = append(errs, fmt.Sprintf("latency_alpha must be in (0,1], got %g", c.LatencyAlpha))
	}
	if c.Prior < 0 || c.Prior > 1 {
		errs = append(errs, fmt.Sprintf("prior must be in [0,1], got %g", c.Prior))
	}
	if c.QueueSize < 0 {
		errs = append(errs, "queue_size must be >= 0")
	}
	if len(errs) > 0 {
		return eris.Errorf("reliability: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

type entry struct {
	mu    sync.RWMutex
	score model.ReliabilityScore
}

// Option configures a Learner.
type Option func(*Learner)

// WithRecordHook registers a callback run after each newly applied outcome.
func WithRecordHook(fn func(o model.OrderOutcome, s model.ReliabilityScore)) Option {
	return func(l *Learner) { l.onRecord = fn }
}

// Learner folds outcomes into per-provider estimates. Each provider has its
// own lock; updates for different providers never contend.
type Learner struct {
	cfg   Config
	store Store

	mu      sync.RWMutex
	entries map[string]*entry

	seenMu sync.Mutex
	seen   map[string]struct{}

	queue    chan model.OrderOutcome
	onRecord func(model.OrderOutcome, model.ReliabilityScore)
	now      func() time.Time
}

// NewLearner creates a Learner. A nil store keeps everything in memory.
func NewLearner(cfg Config, store Store, opts ...Option) (*Learner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Learner{
		cfg:     cfg,
		store:   store,
		entries: make(map[string]*entry),
		seen:    make(map[string]struct{}),
		queue:   make(chan model.OrderOutcome, cfg.QueueSize),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Prior returns the estimate used for providers without samples.
func (l *Learner) Prior() float64 { return l.cfg.Prior }

// Load warms the learner from persisted scores.
func (l *Learner) Load(ctx context.Context) error {
	scores, err := l.store.LoadScores(ctx)
	if err != nil {
		return eris.Wrap(err, "reliability: load scores")
	}
	for _, s := range scores {
		e := l.entry(s.ProviderID)
		e.mu.Lock()
		e.score = s
		e.mu.Unlock()
	}
	zap.L().Info("reliability: loaded scores", zap.Int("providers", len(scores)))
	return nil
}

// RecordOutcome applies o once. It returns false without changing anything
// when the order id was already recorded.
func (l *Learner) RecordOutcome(ctx context.Context, o model.OrderOutcome) (bool, error) {
	if err := validateOutcome(o); err != nil {
		return false, err
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = l.now().UTC()
	}

	// The reservation only covers concurrent duplicates; the store's
	// insert-if-absent rejects later ones.
	if !l.reserve(o.OrderID) {
		return false, nil
	}
	defer l.release(o.OrderID)

	inserted, err := l.store.InsertOutcome(ctx, o)
	if err != nil {
		return false, eris.Wrapf(err, "reliability: insert outcome %s", o.OrderID)
	}
	if !inserted {
		return false, nil
	}

	e := l.entry(o.ProviderID)
	e.mu.Lock()
	e.score = l.apply(e.score, o)
	updated := e.score
	if err := l.store.SaveScore(ctx, updated); err != nil {
		// The in-memory estimate stays authoritative; the next save catches up.
		zap.L().Warn("reliability: save score failed",
			zap.String("provider", o.ProviderID),
			zap.Error(err),
		)
	}
	e.mu.Unlock()

	zap.L().Debug("reliability: outcome recorded",
		zap.String("order_id", o.OrderID),
		zap.String("provider", o.ProviderID),
		zap.Bool("success", o.Success),
		zap.Float64("success_rate", updated.SuccessRate),
		zap.Int64("samples", updated.Samples),
	)
	if l.onRecord != nil {
		l.onRecord(o, updated)
	}
	return true, nil
}

func (l *Learner) apply(s model.ReliabilityScore, o model.OrderOutcome) model.ReliabilityScore {
	s.ProviderID = o.ProviderID
	if s.Samples == 0 {
		s.SuccessRate = l.cfg.Prior
	}
	var x float64
	if o.Success {
		x = 1
	}
	s.SuccessRate = l.cfg.Alpha*x + (1-l.cfg.Alpha)*s.SuccessRate

	if o.LatencyMs != nil && *o.LatencyMs >= 0 {
		latency := *o.LatencyMs
		if s.LatencyMs == 0 {
			s.LatencyMs = latency
		} else {
			s.LatencyMs = l.cfg.LatencyAlpha*latency + (1-l.cfg.LatencyAlpha)*s.LatencyMs
		}
	}
	s.Samples++
	s.UpdatedAt = o.Timestamp
	return s
}

func validateOutcome(o model.OrderOutcome) error {
	var errs []string
	if strings.TrimSpace(o.OrderID) == "" {
		errs = append(errs, "orderId is required")
	}
	if strings.TrimSpace(o.ProviderID) == "" {
		errs = append(errs, "providerId is required")
	}
	if o.ItemsOrdered < 0 {
		errs = append(errs, "itemsOrdered must be >= 0")
	}
	if len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}
	return nil
}

// ValidationError reports a malformed outcome.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid outcome: " + strings.Join(e.Problems, "; ")
}

func (l *Learner) reserve(orderID string) bool {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	if _, ok := l.seen[orderID]; ok {
		return false
	}
	l.seen[orderID] = struct{}{}
	return true
}

func (l *Learner) release(orderID string) {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	delete(l.seen, orderID)
}

func (l *Learner) entry(providerID string) *entry {
	l.mu.RLock()
	e, ok := l.entries[providerID]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[providerID]; !ok {
		e = &entry{score: model.ReliabilityScore{ProviderID: providerID, SuccessRate: l.cfg.Prior}}
		l.entries[providerID] = e
	}
	return e
}

func (l *Learner) lookup(providerID string) (*entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[providerID]
	return e, ok
}

// GetReliability returns the current estimate, or the prior when the
// provider has no samples.
func (l *Learner) GetReliability(providerID string) float64 {
	e, ok := l.lookup(providerID)
	if !ok {
		return l.cfg.Prior
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.score.Samples == 0 {
		return l.cfg.Prior
	}
	return e.score.SuccessRate
}

// Score returns the full record for a provider.
func (l *Learner) Score(providerID string) (model.ReliabilityScore, bool) {
	e, ok := l.lookup(providerID)
	if !ok {
		return model.ReliabilityScore{ProviderID: providerID, SuccessRate: l.cfg.Prior}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.score, true
}

// Snapshot returns the estimates for ids, read once for a whole ranking.
func (l *Learner) Snapshot(ids []string) map[string]float64 {
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		out[id] = l.GetReliability(id)
	}
	return out
}

// Scores returns every known record sorted by provider id.
func (l *Learner) Scores() []model.ReliabilityScore {
	l.mu.RLock()
	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	slices.Sort(ids)

	out := make([]model.ReliabilityScore, 0, len(ids))
	for _, id := range ids {
		if s, ok := l.Score(id); ok {
			out = append(out, s)
		}
	}
	return out
}
