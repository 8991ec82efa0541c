package migration

import (
	"github.com/smallbiznis/unprice/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Embedded migrations target postgres; test suites on sqlite
		// auto-migrate their own tables instead.
		if cfg.DBType != "postgres" {
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
