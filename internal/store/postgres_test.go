package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/token"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS reliability`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertOutcome(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"new order", 1, true},
		{"replayed order", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgresStore(t)
			o := model.OrderOutcome{OrderID: "ord-1", ProviderID: "freshmart", ItemsOrdered: 2, Success: true, Timestamp: time.Now().UTC()}

			mock.ExpectExec(`INSERT INTO outcomes .* ON CONFLICT \(order_id\) DO NOTHING`).
				WithArgs("ord-1", "freshmart", 2, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), true, pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("INSERT", tt.affected))

			got, err := s.InsertOutcome(context.Background(), o)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_InsertOutcome_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO outcomes`).
		WillReturnError(errors.New("connection reset"))

	_, err := s.InsertOutcome(context.Background(), model.OrderOutcome{OrderID: "ord-2", ProviderID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert outcome ord-2")
}

func TestPostgresStore_SaveScore_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`ON CONFLICT \(provider_id\) DO UPDATE`).
		WithArgs("quickcart", 0.6, 1200.0, int64(3), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveScore(context.Background(), model.ReliabilityScore{
		ProviderID: "quickcart", SuccessRate: 0.6, LatencyMs: 1200, Samples: 3, UpdatedAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadScores(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT provider_id, success_rate, latency_ms, samples, updated_at FROM reliability`).
		WillReturnRows(pgxmock.NewRows([]string{"provider_id", "success_rate", "latency_ms", "samples", "updated_at"}).
			AddRow("basketly", 0.4, 0.0, int64(1), at).
			AddRow("freshmart", 0.9, 950.0, int64(12), at))

	scores, err := s.LoadScores(context.Background())
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "freshmart", scores[1].ProviderID)
	assert.Equal(t, int64(12), scores[1].Samples)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetToken(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	quote, err := json.Marshal(model.ScoredQuote{ProviderQuote: model.ProviderQuote{ProviderID: "freshmart"}, Rank: 1})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, state, quote, issued_at, expires_at, updated_at FROM tokens WHERE id = \$1`).
		WithArgs("tok-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "state", "quote", "issued_at", "expires_at", "updated_at"}).
			AddRow("tok-1", "QUOTED", quote, now, now.Add(10*time.Minute), now))

	got, err := s.Get(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, model.TokenQuoted, got.State)
	assert.Equal(t, "freshmart", got.Quote.ProviderID)
	assert.Equal(t, now.Add(10*time.Minute), got.ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetToken_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM tokens WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, token.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSwap(t *testing.T) {
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("swapped", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectExec(`UPDATE tokens SET state = \$1, updated_at = \$2 WHERE id = \$3 AND state = \$4`).
			WithArgs("CONFIRMED", at, "tok-1", "QUOTED").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		ok, err := s.CompareAndSwap(context.Background(), "tok-1", model.TokenQuoted, model.TokenConfirmed, at)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("state moved on", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectExec(`UPDATE tokens`).
			WithArgs("CANCELLED", at, "tok-1", "QUOTED").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT 1 FROM tokens WHERE id = \$1`).
			WithArgs("tok-1").
			WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

		ok, err := s.CompareAndSwap(context.Background(), "tok-1", model.TokenQuoted, model.TokenCancelled, at)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown token", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectExec(`UPDATE tokens`).
			WithArgs("CONFIRMED", at, "nope", "QUOTED").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT 1 FROM tokens`).
			WithArgs("nope").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.CompareAndSwap(context.Background(), "nope", model.TokenQuoted, model.TokenConfirmed, at)
		assert.ErrorIs(t, err, token.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_DeleteBefore(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM tokens`).
		WithArgs("QUOTED", cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := s.DeleteBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
