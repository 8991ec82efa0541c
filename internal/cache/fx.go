package cache

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/unprice/internal/config"
	"github.com/smallbiznis/unprice/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func provideRedis(lc fx.Lifecycle, cfg config.Config) redis.UniversalClient {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func provideEntitlementCache(rdb redis.UniversalClient, cfg config.Config, m *metrics.Metrics, logger *zap.Logger) *EntitlementCache {
	onLookup := func(namespace string, status Status) {
		m.RecordCacheLookup(context.Background(), namespace, string(status))
	}
	return NewEntitlementCache(rdb, cfg.Cache, onLookup, logger)
}

var Module = fx.Module("cache",
	fx.Provide(
		provideRedis,
		provideEntitlementCache,
	),
)
