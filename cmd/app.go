package main

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cartrouter/internal/aggregator"
	"github.com/sells-group/cartrouter/internal/config"
	"github.com/sells-group/cartrouter/internal/events"
	"github.com/sells-group/cartrouter/internal/provider"
	"github.com/sells-group/cartrouter/internal/reliability"
	"github.com/sells-group/cartrouter/internal/resilience"
	"github.com/sells-group/cartrouter/internal/router"
	"github.com/sells-group/cartrouter/internal/scoring"
	"github.com/sells-group/cartrouter/internal/store"
	"github.com/sells-group/cartrouter/internal/token"
)

const (
	meterName       = "github.com/sells-group/cartrouter"
	meterFlushLimit = 5 * time.Second
)

// appEnv holds everything the serve/route/providers commands share.
type appEnv struct {
	Config   *config.Config
	Store    store.Store
	Redis    *redis.Client // nil unless tokens.backend is redis
	Meters   *sdkmetric.MeterProvider
	Breakers *resilience.Breakers
	Registry *provider.Registry
	Learner  *reliability.Learner
	Tokens   *token.Manager
	Emitter  *events.Emitter
	Router   *router.Router
}

// Close flushes metrics and releases the store and the Redis client.
func (e *appEnv) Close() {
	if e.Meters != nil {
		ctx, cancel := context.WithTimeout(context.Background(), meterFlushLimit)
		if err := e.Meters.Shutdown(ctx); err != nil {
			zap.L().Warn("metrics shutdown", zap.Error(err))
		}
		cancel()
	}
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp validates the global config for mode and builds the app.
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg)
}

// buildApp opens and migrates the store, loads the provider table, warms the
// reliability learner and wires the router. Callers should defer env.Close().
func buildApp(ctx context.Context, c *config.Config) (*appEnv, error) {
	st, err := store.Open(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Config: c, Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	configs, err := provider.LoadConfig(c.Providers.Path)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Breakers = resilience.NewBreakers(provider.BreakerConfig(c.Resilience.BreakerThreshold, c.Resilience.BreakerResetSecs))
	env.Registry = provider.BuildRegistry(configs, env.Breakers)

	meter := otel.Meter(meterName)
	if c.Metrics.Enabled {
		env.Meters, err = events.NewMeterProvider(ctx, c.Metrics)
		if err != nil {
			env.Close()
			return nil, err
		}
		meter = env.Meters.Meter(meterName)
	}
	sinks := []events.Sink{events.LogSink{}}
	metrics, err := events.NewMetricsSink(meter)
	if err != nil {
		zap.L().Warn("metrics sink disabled", zap.Error(err))
	} else {
		sinks = append(sinks, metrics)
	}
	env.Emitter = events.NewEmitter(c.Events.Buffer, sinks...)

	env.Learner, err = reliability.NewLearner(c.Reliability, st, reliability.WithRecordHook(router.OutcomeEvents(env.Emitter)))
	if err != nil {
		env.Close()
		return nil, err
	}
	if err := env.Learner.Load(ctx); err != nil {
		env.Close()
		return nil, err
	}

	tokenStore, err := openTokenStore(ctx, env)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Tokens = token.NewManager(tokenStore, c.Tokens.TTL(), token.WithTransitionHook(router.TransitionEvents(env.Emitter)))

	engine, err := scoring.NewEngine(c.Scoring.Weights, scoring.WithPrior(c.Reliability.Prior))
	if err != nil {
		env.Close()
		return nil, err
	}
	mode, err := scoring.ParseMode(c.Routing.DefaultMode)
	if err != nil {
		env.Close()
		return nil, err
	}

	agg := aggregator.New(env.Registry,
		aggregator.WithToleranceCents(c.Routing.TotalToleranceCents),
		aggregator.WithAttemptHook(router.AttemptEvents(env.Emitter)),
	)
	opts := []router.Option{
		router.WithMaxAlternatives(c.Routing.MaxAlternatives),
		router.WithDefaultMode(mode),
		router.WithEmitter(env.Emitter),
		router.WithBreakers(env.Breakers),
	}
	if c.Routing.AsyncOutcomes {
		opts = append(opts, router.WithAsyncOutcomes())
	}
	env.Router = router.New(env.Registry, agg, engine, env.Learner, env.Tokens, opts...)

	zap.L().Info("router ready",
		zap.String("store", c.Store.Driver),
		zap.String("tokens", c.Tokens.Backend),
		zap.Int("providers", len(configs)),
		zap.String("default_mode", string(mode)),
		zap.Bool("metrics", c.Metrics.Enabled),
	)
	return env, nil
}

// reloadProviders re-reads providers.path and swaps the provider table in
// place. Breaker state carries over by provider id.
func (e *appEnv) reloadProviders() error {
	configs, err := provider.Reload(e.Registry, e.Config.Providers.Path, e.Breakers)
	if err != nil {
		return err
	}
	zap.L().Info("providers reloaded",
		zap.String("path", e.Config.Providers.Path),
		zap.Int("providers", len(configs)),
	)
	return nil
}

// watchReload runs reloadProviders for every value on hup until ctx is done.
// A failed reload keeps the current table.
func (e *appEnv) watchReload(ctx context.Context, hup <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := e.reloadProviders(); err != nil {
				zap.L().Error("providers reload failed", zap.Error(err))
			}
		}
	}
}

func openTokenStore(ctx context.Context, env *appEnv) (token.Store, error) {
	c := env.Config
	switch c.Tokens.Backend {
	case config.TokenBackendMemory:
		return token.NewMemoryStore(), nil
	case config.TokenBackendRedis:
		rdb, err := store.DialRedis(ctx, c.Redis)
		if err != nil {
			return nil, err
		}
		env.Redis = rdb
		return store.NewRedisTokenStore(rdb, c.Redis.Prefix, c.Tokens.Retention()), nil
	default:
		return env.Store, nil
	}
}

// startWorkers runs the outcome queue, the event dispatcher and the token
// sweeper until ctx is done. The returned wait blocks until they exit.
func (e *appEnv) startWorkers(ctx context.Context) (wait func() error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Learner.Run(gctx) })
	g.Go(func() error { return e.Emitter.Run(gctx) })
	g.Go(func() error {
		return e.Tokens.RunSweeper(gctx, e.Config.Tokens.SweepInterval(), e.Config.Tokens.Retention())
	})
	return g.Wait
}
