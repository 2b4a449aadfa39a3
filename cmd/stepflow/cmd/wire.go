package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/internal/invoker"
	"github.com/pitabwire/stepflow/internal/lock"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/session"
	"github.com/pitabwire/stepflow/internal/workflow"
)

// buildStore opens the record store selected by cfg.Driver. The returned
// closer is never nil.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.RecordStore, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case config.StoreMemory:
		logger.Info("using in-memory record store")
		return workflow.NewMemoryRecordStore(), nil, func() {}, nil

	case config.StorePostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("record store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("record store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("record store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("record store: ping: %w", err)
		}

		store := workflow.NewPgRecordStore(pool)
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
		}
		logger.Info("using postgres record store", zap.Bool("migrate", cfg.Migrate))
		return store, observability.CheckFunc(store.Ping), pool.Close, nil

	case config.StoreSQLite:
		store, err := workflow.NewSQLiteRecordStore(cfg.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("record store: %w", err)
		}
		logger.Info("using sqlite record store", zap.String("path", cfg.Path))
		return store, observability.CheckFunc(store.Ping), func() { _ = store.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported record store driver: %q", cfg.Driver)
	}
}

// buildLocker creates the record lock backend selected by cfg.Driver. The
// returned closer is never nil.
func buildLocker(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (lock.Locker, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case config.LockMemory:
		logger.Info("using in-memory record locks")
		return lock.NewMemoryLocker(cfg.TTL), nil, func() {}, nil

	case config.LockRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("lock backend: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("lock backend: ping: %w", err)
		}
		check := observability.CheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		logger.Info("using redis record locks", zap.Int("db", cfg.DB))
		return lock.NewRedisLocker(client, cfg.TTL), check, func() { _ = client.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported lock driver: %q", cfg.Driver)
	}
}

// buildCodec creates the session codec. Without a configured secret the
// server signs with a random one, so no other process can impersonate
// users on it.
func buildCodec(cfg config.SessionConfig, logger *zap.Logger) (*session.Codec, error) {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("session: generate secret: %w", err)
		}
		logger.Warn("session secret not set, using an ephemeral secret",
			zap.String("env", cfg.SecretEnv))
	}
	return session.NewCodec(secret, cfg.Issuer, cfg.TTL)
}

// buildDispatcher creates the invocation transport selected by cfg.Mode.
func buildDispatcher(cfg config.InvokeConfig, codec *session.Codec, handlers *invoker.Registry, metrics *observability.Metrics) (invoker.Dispatcher, observability.HealthChecker, error) {
	switch cfg.Mode {
	case config.InvokeLocal:
		return invoker.NewLocalDispatcher(handlers), nil, nil

	case config.InvokeRemote:
		cb := cfg.CircuitBreaker
		breaker := invoker.NewBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout)
		if metrics != nil {
			metrics.SetInvokerCircuitBreakerState(cfg.BaseURL, breakerGauge(invoker.BreakerClosed))
			breaker.OnStateChange = func(s invoker.BreakerState) {
				metrics.SetInvokerCircuitBreakerState(cfg.BaseURL, breakerGauge(s))
			}
		}
		d := invoker.NewRemoteDispatcher(invoker.RemoteOptions{
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
			Codec:   codec,
			Breaker: breaker,
		})
		check := observability.CheckFunc(func(context.Context) error {
			if breaker.State() == invoker.BreakerOpen {
				return invoker.ErrBreakerOpen
			}
			return nil
		})
		return d, check, nil

	default:
		return nil, nil, fmt.Errorf("unsupported invoke mode: %q", cfg.Mode)
	}
}

// breakerGauge maps a breaker state to the circuit breaker gauge value:
// 0 closed, 1 half-open, 2 open.
func breakerGauge(s invoker.BreakerState) float64 {
	switch s {
	case invoker.BreakerHalfOpen:
		return 1
	case invoker.BreakerOpen:
		return 2
	default:
		return 0
	}
}
