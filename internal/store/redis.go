package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/token"
)

// RedisConfig holds connection settings for the Redis token backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// tokenCreateScript writes a token hash only when the key is absent.
// ARGV = state, quote, issued_at, expires_at, updated_at, ttl (ms)
var tokenCreateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[1], "quote", ARGV[2],
    "issued_at", ARGV[3], "expires_at", ARGV[4], "updated_at", ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[6])
return 1
`)

// tokenCASScript moves a token hash between states atomically.
// KEYS[1] = token key
// ARGV[1] = expected state
// ARGV[2] = new state
// ARGV[3] = updated_at (unix ms)
// Returns -1 when the key is missing, 0 on state mismatch, 1 on success.
var tokenCASScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
    return -1
end
if state ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[2], "updated_at", ARGV[3])
return 1
`)

// RedisTokenStore implements token.Store on Redis hashes. Keys carry a TTL of
// token lifetime plus retention, so Redis reclaims tokens on its own.
type RedisTokenStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisTokenStore wraps client. retention is how long a token outlives its
// deadline.
func NewRedisTokenStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisTokenStore {
	if prefix == "" {
		prefix = "cartrouter:token:"
	}
	return &RedisTokenStore{client: client, prefix: prefix, retention: retention}
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "redis: ping %s", cfg.Addr)
	}
	return rdb, nil
}

func (s *RedisTokenStore) key(id string) string { return s.prefix + id }

// Create implements token.Store.
func (s *RedisTokenStore) Create(ctx context.Context, t model.ConfirmationToken) error {
	quoteJSON, err := json.Marshal(t.Quote)
	if err != nil {
		return eris.Wrap(err, "redis: marshal token quote")
	}
	key := s.key(t.ID)
	ttl := time.Until(t.ExpiresAt) + s.retention
	if ttl <= 0 {
		ttl = time.Second
	}

	created, err := tokenCreateScript.Run(ctx, s.client, []string{key},
		string(t.State), quoteJSON,
		t.IssuedAt.UnixMilli(), t.ExpiresAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return eris.Wrapf(err, "redis: create token %s", t.ID)
	}
	if created == 0 {
		return eris.Errorf("redis: token %s already exists", t.ID)
	}
	return nil
}

// Get implements token.Store.
func (s *RedisTokenStore) Get(ctx context.Context, id string) (model.ConfirmationToken, error) {
	var t model.ConfirmationToken
	var fields struct {
		State     string `redis:"state"`
		Quote     string `redis:"quote"`
		IssuedAt  int64  `redis:"issued_at"`
		ExpiresAt int64  `redis:"expires_at"`
		UpdatedAt int64  `redis:"updated_at"`
	}
	res := s.client.HGetAll(ctx, s.key(id))
	if err := res.Err(); err != nil {
		return t, eris.Wrapf(err, "redis: get token %s", id)
	}
	if len(res.Val()) == 0 {
		return t, token.ErrNotFound
	}
	if err := res.Scan(&fields); err != nil {
		return t, eris.Wrapf(err, "redis: scan token %s", id)
	}
	if err := json.Unmarshal([]byte(fields.Quote), &t.Quote); err != nil {
		return t, eris.Wrap(err, "redis: unmarshal token quote")
	}
	t.ID = id
	t.State = model.TokenState(fields.State)
	t.IssuedAt = time.UnixMilli(fields.IssuedAt).UTC()
	t.ExpiresAt = time.UnixMilli(fields.ExpiresAt).UTC()
	t.UpdatedAt = time.UnixMilli(fields.UpdatedAt).UTC()
	return t, nil
}

// CompareAndSwap implements token.Store via a Lua script.
func (s *RedisTokenStore) CompareAndSwap(ctx context.Context, id string, from, to model.TokenState, at time.Time) (bool, error) {
	n, err := tokenCASScript.Run(ctx, s.client, []string{s.key(id)}, string(from), string(to), at.UnixMilli()).Int()
	if err != nil {
		return false, eris.Wrapf(err, "redis: swap token %s", id)
	}
	switch n {
	case -1:
		return false, token.ErrNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// DeleteBefore implements token.Store by scanning the key prefix. Key TTLs
// normally reclaim tokens first; this catches keys whose TTL was lost.
func (s *RedisTokenStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := key[len(s.prefix):]
		t, err := s.Get(ctx, id)
		if errors.Is(err, token.ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		if !token.Reclaimable(t, cutoff) {
			continue
		}
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return deleted, eris.Wrapf(err, "redis: delete token %s", id)
		}
		deleted += int(n)
	}
	return deleted, eris.Wrap(iter.Err(), "redis: scan tokens")
}
