package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cartrouter/internal/db"
	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/token"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres wraps an open pool. Close closes the pool.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS reliability (
	provider_id  TEXT PRIMARY KEY,
	success_rate DOUBLE PRECISION NOT NULL,
	latency_ms   DOUBLE PRECISION NOT NULL DEFAULT 0,
	samples      BIGINT NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS outcomes (
	order_id           TEXT PRIMARY KEY,
	provider_id        TEXT NOT NULL,
	items_ordered      INTEGER NOT NULL DEFAULT 0,
	quoted_total_cents BIGINT,
	actual_total_cents BIGINT,
	latency_ms         DOUBLE PRECISION,
	success            BOOLEAN NOT NULL,
	recorded_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tokens (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	quote      JSONB NOT NULL,
	issued_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_provider ON outcomes(provider_id);
CREATE INDEX IF NOT EXISTS idx_tokens_state_expires ON tokens(state, expires_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// InsertOutcome implements reliability.Store. The order id primary key makes
// a replayed report a no-op.
func (s *PostgresStore) InsertOutcome(ctx context.Context, o model.OrderOutcome) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO outcomes (order_id, provider_id, items_ordered, quoted_total_cents, actual_total_cents, latency_ms, success, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (order_id) DO NOTHING`,
		o.OrderID, o.ProviderID, o.ItemsOrdered, o.QuotedTotalCents, o.ActualTotalCents, o.LatencyMs,
		o.Success, o.Timestamp,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert outcome %s", o.OrderID)
	}
	return tag.RowsAffected() == 1, nil
}

// SaveScore implements reliability.Store.
func (s *PostgresStore) SaveScore(ctx context.Context, sc model.ReliabilityScore) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reliability (provider_id, success_rate, latency_ms, samples, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider_id) DO UPDATE SET
			success_rate = EXCLUDED.success_rate,
			latency_ms = EXCLUDED.latency_ms,
			samples = EXCLUDED.samples,
			updated_at = EXCLUDED.updated_at`,
		sc.ProviderID, sc.SuccessRate, sc.LatencyMs, sc.Samples, sc.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save score %s", sc.ProviderID)
}

// LoadScores implements reliability.Store.
func (s *PostgresStore) LoadScores(ctx context.Context) ([]model.ReliabilityScore, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider_id, success_rate, latency_ms, samples, updated_at FROM reliability ORDER BY provider_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load scores")
	}
	defer rows.Close()

	var out []model.ReliabilityScore
	for rows.Next() {
		var sc model.ReliabilityScore
		if err := rows.Scan(&sc.ProviderID, &sc.SuccessRate, &sc.LatencyMs, &sc.Samples, &sc.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan score")
		}
		out = append(out, sc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load scores iterate")
}

// Create implements token.Store.
func (s *PostgresStore) Create(ctx context.Context, t model.ConfirmationToken) error {
	quoteJSON, err := json.Marshal(t.Quote)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal token quote")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tokens (id, state, quote, issued_at, expires_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, string(t.State), quoteJSON, t.IssuedAt, t.ExpiresAt, t.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert token %s", t.ID)
}

// Get implements token.Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (model.ConfirmationToken, error) {
	var t model.ConfirmationToken
	var state string
	var quoteJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, state, quote, issued_at, expires_at, updated_at FROM tokens WHERE id = $1`, id,
	).Scan(&t.ID, &state, &quoteJSON, &t.IssuedAt, &t.ExpiresAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, token.ErrNotFound
	}
	if err != nil {
		return t, eris.Wrapf(err, "postgres: get token %s", id)
	}
	if err := json.Unmarshal(quoteJSON, &t.Quote); err != nil {
		return t, eris.Wrap(err, "postgres: unmarshal token quote")
	}
	t.State = model.TokenState(state)
	return t, nil
}

// CompareAndSwap implements token.Store with a conditional UPDATE; the row
// lock taken by UPDATE serializes racing transitions.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, id string, from, to model.TokenState, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tokens SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
		string(to), at, id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: swap token %s", id)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM tokens WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, token.ErrNotFound
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: check token %s", id)
	}
	return false, nil
}

// DeleteBefore implements token.Store.
func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tokens
		 WHERE (state <> $1 AND updated_at < $2)
		    OR (state = $1 AND expires_at < $2)`,
		string(model.TokenQuoted), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete tokens")
	}
	return int(tag.RowsAffected()), nil
}
