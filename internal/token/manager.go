// Package token implements the confirmation token state machine:
// QUOTED moves once to CONFIRMED, CANCELLED or EXPIRED.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cartrouter/internal/model"
)

// DefaultTTL is how long an issued token stays confirmable.
const DefaultTTL = 10 * time.Minute

var (
	// ErrNotFound is returned for unknown token ids.
	ErrNotFound = eris.New("token not found")
	// ErrConflict is returned when the token already left QUOTED.
	ErrConflict = eris.New("token state conflict")
	// ErrExpired is returned when the token's deadline has passed.
	ErrExpired = eris.New("token expired")
)

// Store persists tokens. CompareAndSwap must atomically move id from state
// from to state to, reporting false when the current state differs, and
// ErrNotFound when id is unknown.
type Store interface {
	Create(ctx context.Context, t model.ConfirmationToken) error
	Get(ctx context.Context, id string) (model.ConfirmationToken, error)
	CompareAndSwap(ctx context.Context, id string, from, to model.TokenState, at time.Time) (bool, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTransitionHook registers a callback run after every state change.
func WithTransitionHook(fn func(t model.ConfirmationToken, from model.TokenState)) Option {
	return func(m *Manager) { m.onTransition = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager issues tokens and applies transitions through its Store.
type Manager struct {
	store        Store
	ttl          time.Duration
	now          func() time.Time
	onTransition func(model.ConfirmationToken, model.TokenState)
}

// NewManager creates a Manager. A non-positive ttl selects DefaultTTL.
func NewManager(store Store, ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{store: store, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// TTL returns the token lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue creates a QUOTED token for the winning quote.
func (m *Manager) Issue(ctx context.Context, winner model.ScoredQuote) (*model.ConfirmationToken, error) {
	now := m.now().UTC()
	t := model.ConfirmationToken{
		ID:        uuid.NewString(),
		Quote:     winner,
		State:     model.TokenQuoted,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return nil, eris.Wrap(err, "token: create")
	}
	zap.L().Debug("token: issued",
		zap.String("token", t.ID),
		zap.String("provider", winner.ProviderID),
		zap.Time("expires_at", t.ExpiresAt),
	)
	return &t, nil
}

// Confirm moves a QUOTED token to CONFIRMED.
func (m *Manager) Confirm(ctx context.Context, id string) (*model.ConfirmationToken, error) {
	return m.transition(ctx, id, model.TokenConfirmed)
}

// Cancel moves a QUOTED token to CANCELLED.
func (m *Manager) Cancel(ctx context.Context, id string) (*model.ConfirmationToken, error) {
	return m.transition(ctx, id, model.TokenCancelled)
}

// Get returns the token. A QUOTED token past its deadline is expired first.
func (m *Manager) Get(ctx context.Context, id string) (*model.ConfirmationToken, error) {
	t, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if t.State == model.TokenQuoted && t.ExpiredAt(now) {
		if _, err := m.swap(ctx, t, model.TokenExpired, now); err != nil {
			return nil, err
		}
		if t, err = m.load(ctx, id); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func (m *Manager) transition(ctx context.Context, id string, to model.TokenState) (*model.ConfirmationToken, error) {
	t, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()

	switch {
	case t.State == model.TokenExpired:
		return nil, eris.Wrapf(ErrExpired, "token %s", id)
	case t.State != model.TokenQuoted:
		return nil, eris.Wrapf(ErrConflict, "token %s is %s", id, t.State)
	case t.ExpiredAt(now):
		if _, err := m.swap(ctx, t, model.TokenExpired, now); err != nil {
			return nil, err
		}
		return nil, m.settled(ctx, id)
	}

	ok, err := m.swap(ctx, t, to, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, m.settled(ctx, id)
	}
	t.State, t.UpdatedAt = to, now
	return &t, nil
}

// swap applies one CAS from t's current state.
func (m *Manager) swap(ctx context.Context, t model.ConfirmationToken, to model.TokenState, at time.Time) (bool, error) {
	ok, err := m.store.CompareAndSwap(ctx, t.ID, t.State, to, at)
	if errors.Is(err, ErrNotFound) {
		return false, eris.Wrapf(ErrNotFound, "token %s", t.ID)
	}
	if err != nil {
		return false, eris.Wrapf(err, "token: transition %s", t.ID)
	}
	if !ok {
		return false, nil
	}

	zap.L().Info("token: transition",
		zap.String("token", t.ID),
		zap.String("from", string(t.State)),
		zap.String("to", string(to)),
	)
	if m.onTransition != nil {
		from := t.State
		t.State, t.UpdatedAt = to, at
		m.onTransition(t, from)
	}
	return true, nil
}

// settled re-reads a token that lost a race and reports why.
func (m *Manager) settled(ctx context.Context, id string) error {
	t, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if t.State == model.TokenExpired {
		return eris.Wrapf(ErrExpired, "token %s", id)
	}
	return eris.Wrapf(ErrConflict, "token %s is %s", id, t.State)
}

func (m *Manager) load(ctx context.Context, id string) (model.ConfirmationToken, error) {
	t, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return t, eris.Wrapf(ErrNotFound, "token %s", id)
	}
	if err != nil {
		return t, eris.Wrapf(err, "token: get %s", id)
	}
	return t, nil
}
