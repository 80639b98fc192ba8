// Package store persists reliability scores, order outcomes and
// confirmation tokens.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cartrouter/internal/db"
	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/reliability"
	"github.com/sells-group/cartrouter/internal/token"
)

// Store is the durable backend for the learner and the token manager.
type Store interface {
	reliability.Store
	token.Store

	Migrate(ctx context.Context) error
	Close() error
}

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver      string        `mapstructure:"driver"`
	DatabaseURL string        `mapstructure:"database_url"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	Pool        db.PoolConfig `mapstructure:"pool"`
}

// Open constructs the configured backend. It does not run migrations.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, eris.New("store: sqlite_path is required for the sqlite driver")
		}
		return NewSQLite(cfg.SQLitePath)
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, eris.New("store: database_url is required for the postgres driver")
		}
		pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.Pool)
		if err != nil {
			return nil, err
		}
		return NewPostgres(pool), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// Memory keeps everything in process. Nothing survives a restart.
type Memory struct {
	outcomes *reliability.MemoryStore
	tokens   *token.MemoryStore
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{outcomes: reliability.NewMemoryStore(), tokens: token.NewMemoryStore()}
}

func (m *Memory) InsertOutcome(ctx context.Context, o model.OrderOutcome) (bool, error) {
	return m.outcomes.InsertOutcome(ctx, o)
}

func (m *Memory) SaveScore(ctx context.Context, s model.ReliabilityScore) error {
	return m.outcomes.SaveScore(ctx, s)
}

func (m *Memory) LoadScores(ctx context.Context) ([]model.ReliabilityScore, error) {
	return m.outcomes.LoadScores(ctx)
}

func (m *Memory) Create(ctx context.Context, t model.ConfirmationToken) error {
	return m.tokens.Create(ctx, t)
}

func (m *Memory) Get(ctx context.Context, id string) (model.ConfirmationToken, error) {
	return m.tokens.Get(ctx, id)
}

func (m *Memory) CompareAndSwap(ctx context.Context, id string, from, to model.TokenState, at time.Time) (bool, error) {
	return m.tokens.CompareAndSwap(ctx, id, from, to, at)
}

func (m *Memory) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return m.tokens.DeleteBefore(ctx, cutoff)
}

// Migrate is a no-op.
func (m *Memory) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }
