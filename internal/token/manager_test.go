package token_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/token"
	"github.com/sells-group/cartrouter/internal/token/tokentest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(t *testing.T, opts ...token.Option) (*token.Manager, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]token.Option{token.WithClock(c.Now)}, opts...)
	return token.NewManager(token.NewMemoryStore(), 5*time.Minute, opts...), c
}

func winner() model.ScoredQuote {
	return model.ScoredQuote{ProviderQuote: model.ProviderQuote{ProviderID: "freshmart"}, Score: 0.9, Rank: 1}
}

func TestManager_IssueAndConfirm(t *testing.T) {
	m, c := newManager(t)
	ctx := context.Background()

	tok, err := m.Issue(ctx, winner())
	require.NoError(t, err)
	assert.NotEmpty(t, tok.ID)
	assert.Equal(t, model.TokenQuoted, tok.State)
	assert.Equal(t, c.Now().Add(5*time.Minute), tok.ExpiresAt)

	c.Advance(time.Minute)
	confirmed, err := m.Confirm(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenConfirmed, confirmed.State)
	assert.Equal(t, c.Now(), confirmed.UpdatedAt)

	_, err = m.Confirm(ctx, tok.ID)
	assert.ErrorIs(t, err, token.ErrConflict)
	_, err = m.Cancel(ctx, tok.ID)
	assert.ErrorIs(t, err, token.ErrConflict)

	got, err := m.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenConfirmed, got.State)
	assert.Equal(t, "freshmart", got.Quote.ProviderID)
}

func TestManager_Cancel(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	tok, err := m.Issue(ctx, winner())
	require.NoError(t, err)
	cancelled, err := m.Cancel(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenCancelled, cancelled.State)

	_, err = m.Confirm(ctx, tok.ID)
	assert.ErrorIs(t, err, token.ErrConflict)
}

func TestManager_NotFound(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Confirm(ctx, "nope")
	assert.ErrorIs(t, err, token.ErrNotFound)
	_, err = m.Get(ctx, "nope")
	assert.ErrorIs(t, err, token.ErrNotFound)
}

func TestManager_LazyExpiry(t *testing.T) {
	var transitions []model.TokenState
	m, c := newManager(t, token.WithTransitionHook(func(tok model.ConfirmationToken, from model.TokenState) {
		assert.Equal(t, model.TokenQuoted, from)
		transitions = append(transitions, tok.State)
	}))
	ctx := context.Background()

	tok, err := m.Issue(ctx, winner())
	require.NoError(t, err)

	c.Advance(5 * time.Minute)
	_, err = m.Confirm(ctx, tok.ID)
	assert.ErrorIs(t, err, token.ErrExpired)

	got, err := m.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenExpired, got.State)

	_, err = m.Cancel(ctx, tok.ID)
	assert.ErrorIs(t, err, token.ErrExpired)
	assert.Equal(t, []model.TokenState{model.TokenExpired}, transitions)
}

func TestManager_GetExpiresLazily(t *testing.T) {
	m, c := newManager(t)
	ctx := context.Background()

	tok, err := m.Issue(ctx, winner())
	require.NoError(t, err)
	c.Advance(time.Hour)

	got, err := m.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenExpired, got.State)
}

func TestManager_ConcurrentConfirmCancel(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		tok, err := m.Issue(ctx, winner())
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for j, op := range []func(context.Context, string) (*model.ConfirmationToken, error){m.Confirm, m.Cancel} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[j] = op(ctx, tok.ID)
			}()
		}
		close(start)
		wg.Wait()

		successes, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				successes++
			case errors.Is(err, token.ErrConflict):
				conflicts++
			}
		}
		require.Equal(t, 1, successes, "iteration %d", i)
		require.Equal(t, 1, conflicts, "iteration %d", i)
	}
}

func TestManager_Sweep(t *testing.T) {
	store := token.NewMemoryStore()
	c := &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := token.NewManager(store, time.Minute, token.WithClock(c.Now))
	ctx := context.Background()

	done, err := m.Issue(ctx, winner())
	require.NoError(t, err)
	_, err = m.Confirm(ctx, done.ID)
	require.NoError(t, err)
	stale, err := m.Issue(ctx, winner())
	require.NoError(t, err)

	c.Advance(2 * time.Hour)
	fresh, err := m.Issue(ctx, winner())
	require.NoError(t, err)

	n, err := m.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = m.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, token.ErrNotFound)
	_, err = m.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestManager_RunSweeperStops(t *testing.T) {
	m, _ := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, m.RunSweeper(ctx, 10*time.Millisecond, time.Hour))
	assert.NoError(t, m.RunSweeper(context.Background(), 0, time.Hour))
}

func TestMemoryStore(t *testing.T) {
	tokentest.RunStoreTests(t, func(*testing.T) token.Store { return token.NewMemoryStore() })
}

func TestReclaimable(t *testing.T) {
	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	before, after := cutoff.Add(-time.Minute), cutoff.Add(time.Minute)

	tests := []struct {
		name string
		tok  model.ConfirmationToken
		want bool
	}{
		{"confirmed long ago", model.ConfirmationToken{State: model.TokenConfirmed, UpdatedAt: before}, true},
		{"confirmed recently", model.ConfirmationToken{State: model.TokenConfirmed, UpdatedAt: after}, false},
		{"quoted past deadline", model.ConfirmationToken{State: model.TokenQuoted, ExpiresAt: before}, true},
		{"quoted still open", model.ConfirmationToken{State: model.TokenQuoted, ExpiresAt: after}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, token.Reclaimable(tt.tok, cutoff))
		})
	}
}
