package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/token"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds so range predicates compare numerically.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS reliability (
	provider_id  TEXT PRIMARY KEY,
	success_rate REAL NOT NULL,
	latency_ms   REAL NOT NULL DEFAULT 0,
	samples      INTEGER NOT NULL DEFAULT 0,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
	order_id           TEXT PRIMARY KEY,
	provider_id        TEXT NOT NULL,
	items_ordered      INTEGER NOT NULL DEFAULT 0,
	quoted_total_cents INTEGER,
	actual_total_cents INTEGER,
	latency_ms         REAL,
	success            INTEGER NOT NULL,
	recorded_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	quote      TEXT NOT NULL,
	issued_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_provider ON outcomes(provider_id);
CREATE INDEX IF NOT EXISTS idx_tokens_state_expires ON tokens(state, expires_at);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertOutcome implements reliability.Store.
func (s *SQLiteStore) InsertOutcome(ctx context.Context, o model.OrderOutcome) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (order_id, provider_id, items_ordered, quoted_total_cents, actual_total_cents, latency_ms, success, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (order_id) DO NOTHING`,
		o.OrderID, o.ProviderID, o.ItemsOrdered, o.QuotedTotalCents, o.ActualTotalCents, o.LatencyMs,
		o.Success, o.Timestamp.UnixMilli(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert outcome %s", o.OrderID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// SaveScore implements reliability.Store.
func (s *SQLiteStore) SaveScore(ctx context.Context, sc model.ReliabilityScore) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reliability (provider_id, success_rate, latency_ms, samples, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (provider_id) DO UPDATE SET
			success_rate = excluded.success_rate,
			latency_ms = excluded.latency_ms,
			samples = excluded.samples,
			updated_at = excluded.updated_at`,
		sc.ProviderID, sc.SuccessRate, sc.LatencyMs, sc.Samples, sc.UpdatedAt.UnixMilli(),
	)
	return eris.Wrapf(err, "sqlite: save score %s", sc.ProviderID)
}

// LoadScores implements reliability.Store.
func (s *SQLiteStore) LoadScores(ctx context.Context) ([]model.ReliabilityScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_id, success_rate, latency_ms, samples, updated_at FROM reliability ORDER BY provider_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load scores")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ReliabilityScore
	for rows.Next() {
		var sc model.ReliabilityScore
		var updated int64
		if err := rows.Scan(&sc.ProviderID, &sc.SuccessRate, &sc.LatencyMs, &sc.Samples, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan score")
		}
		sc.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, sc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load scores iterate")
}

// Create implements token.Store.
func (s *SQLiteStore) Create(ctx context.Context, t model.ConfirmationToken) error {
	quoteJSON, err := json.Marshal(t.Quote)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal token quote")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, state, quote, issued_at, expires_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.State), string(quoteJSON),
		t.IssuedAt.UnixMilli(), t.ExpiresAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	return eris.Wrapf(err, "sqlite: insert token %s", t.ID)
}

// Get implements token.Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (model.ConfirmationToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, quote, issued_at, expires_at, updated_at FROM tokens WHERE id = ?`, id,
	)

	var t model.ConfirmationToken
	var state, quoteJSON string
	var issued, expires, updated int64
	err := row.Scan(&t.ID, &state, &quoteJSON, &issued, &expires, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return t, token.ErrNotFound
	}
	if err != nil {
		return t, eris.Wrapf(err, "sqlite: get token %s", id)
	}
	if err := json.Unmarshal([]byte(quoteJSON), &t.Quote); err != nil {
		return t, eris.Wrap(err, "sqlite: unmarshal token quote")
	}
	t.State = model.TokenState(state)
	t.IssuedAt = time.UnixMilli(issued).UTC()
	t.ExpiresAt = time.UnixMilli(expires).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return t, nil
}

// CompareAndSwap implements token.Store with a conditional UPDATE.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, id string, from, to model.TokenState, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), at.UnixMilli(), id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: swap token %s", id)
	}
	err = checkRowsAffected(res, "token", id)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, errNoRows) {
		return false, err
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tokens WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, token.ErrNotFound
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: check token %s", id)
	}
	return false, nil
}

// DeleteBefore implements token.Store.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ms := cutoff.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens
		 WHERE (state <> ? AND updated_at < ?)
		    OR (state = ? AND expires_at < ?)`,
		string(model.TokenQuoted), ms, string(model.TokenQuoted), ms,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete tokens")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

var errNoRows = eris.New("no rows affected")

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(errNoRows, "%s %s", entity, id)
	}
	return nil
}
