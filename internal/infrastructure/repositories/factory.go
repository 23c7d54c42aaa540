package repositories

import (
	"context"

	"roomcast/internal/core/ports"
	"roomcast/internal/infrastructure/repositories/memory"
	redisrepo "roomcast/internal/infrastructure/repositories/redis"
	"roomcast/pkg/circuitbreaker"
	"roomcast/pkg/config"
	"roomcast/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StoreFactory picks the session store backend, falling back to memory when
// Redis is disabled or unreachable at startup.
type StoreFactory struct {
	redisClient *redis.Client
	store       ports.SessionStore
	logger      *zap.SugaredLogger
}

func NewStoreFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *StoreFactory {
	f := &StoreFactory{logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Retry:    retry.DefaultConfig(),
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory session store", "error", err)
		} else {
			f.redisClient = client
			f.store = NewGuardedStore(
				redisrepo.NewSessionStore(client, cfg.Redis.KeyPrefix),
				memory.NewSessionStore(),
				circuitbreaker.DefaultConfig(),
				logger,
			)
			logger.Infow("using Redis session store", "key_prefix", cfg.Redis.KeyPrefix)
		}
	}

	if f.store == nil {
		f.store = memory.NewSessionStore()
		logger.Info("using memory session store")
	}
	return f
}

func (f *StoreFactory) SessionStore() ports.SessionStore {
	return f.store
}

func (f *StoreFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
