// Package tokentest holds behavior checks shared by token.Store
// implementations.
package tokentest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/token"
)

var freshmart = model.ProviderConfig{
	ID:             "freshmart",
	Name:           "FreshMart",
	Enabled:        true,
	Priority:       70,
	CommissionRate: 0.05,
	Regions:        []string{"US-CA"},
	BaseURL:        "https://api.freshmart.test",
}

// Token returns a QUOTED token issued at now.
func Token(id string, now time.Time, ttl time.Duration) model.ConfirmationToken {
	return model.ConfirmationToken{
		ID: id,
		Quote: model.ScoredQuote{
			ProviderQuote: model.ProviderQuote{
				ProviderID:   "freshmart",
				ProviderName: "FreshMart",
				Config:       freshmart,
				Quote:        model.Quote{SubtotalCents: 1000, FeesCents: 399, TaxCents: 80, TotalCents: 1479, Currency: "USD", EstimatedDeliveryMinutes: 45},
				Mode:         model.QuoteModeReal,
			},
			Score: 0.82,
			Rank:  1,
		},
		State:     model.TokenQuoted,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	}
}

// RunStoreTests exercises the token.Store contract against a fresh store
// produced by newStore.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) token.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		want := Token("tok-1", now, time.Minute)
		require.NoError(t, s.Create(ctx, want))

		got, err := s.Get(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, model.TokenQuoted, got.State)
		assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
		assert.Equal(t, int64(1479), got.Quote.Quote.TotalCents)
		assert.Equal(t, "freshmart", got.Quote.ProviderID)
		assert.Equal(t, 70, got.Quote.Config.Priority)
		assert.InDelta(t, 0.05, got.Quote.Config.CommissionRate, 1e-9)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, token.ErrNotFound)
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, Token("tok-2", now, time.Minute)))

		later := now.Add(time.Second)
		ok, err := s.CompareAndSwap(ctx, "tok-2", model.TokenQuoted, model.TokenConfirmed, later)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.CompareAndSwap(ctx, "tok-2", model.TokenQuoted, model.TokenCancelled, later)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "tok-2")
		require.NoError(t, err)
		assert.Equal(t, model.TokenConfirmed, got.State)
		assert.True(t, later.Equal(got.UpdatedAt))

		_, err = s.CompareAndSwap(ctx, "missing", model.TokenQuoted, model.TokenConfirmed, later)
		assert.ErrorIs(t, err, token.ErrNotFound)
	})

	t.Run("concurrent swaps have one winner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, Token("tok-3", now, time.Minute)))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			to := model.TokenConfirmed
			if i%2 == 1 {
				to = model.TokenCancelled
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CompareAndSwap(ctx, "tok-3", model.TokenQuoted, to, now)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("delete before", func(t *testing.T) {
		s := newStore(t)
		old := now.Add(-2 * time.Hour)
		require.NoError(t, s.Create(ctx, Token("live", now, time.Minute)))
		require.NoError(t, s.Create(ctx, Token("stale-quoted", old, time.Minute)))
		require.NoError(t, s.Create(ctx, Token("stale-confirmed", old, time.Hour)))
		_, err := s.CompareAndSwap(ctx, "stale-confirmed", model.TokenQuoted, model.TokenConfirmed, old.Add(time.Minute))
		require.NoError(t, err)

		n, err := s.DeleteBefore(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.Get(ctx, "live")
		assert.NoError(t, err)
		_, err = s.Get(ctx, "stale-quoted")
		assert.ErrorIs(t, err, token.ErrNotFound)
	})
}
