package analytics

import (
	"github.com/smallbiznis/unprice/internal/analytics/client"
	analyticsdomain "github.com/smallbiznis/unprice/internal/analytics/domain"
	"github.com/smallbiznis/unprice/internal/analytics/repository"
	"github.com/smallbiznis/unprice/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func provideClient(db *gorm.DB, cfg config.Config, logger *zap.Logger) analyticsdomain.Client {
	return client.New(repository.ProvideStore(db), cfg.Cache, logger)
}

var Module = fx.Module("analytics",
	fx.Provide(provideClient),
)
