package actorstore

import (
	"context"

	"github.com/smallbiznis/unprice/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func provideStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*Store, error) {
	store, err := Open(cfg.ActorStorePath, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

var Module = fx.Module("actorstore",
	fx.Provide(provideStore),
)
