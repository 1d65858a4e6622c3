package migration

import (
	"github.com/smallbiznis/pagebill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module applies migrations on startup when AUTO_MIGRATE is set.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.AutoMigrate {
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		log.Info("database migrations applied")
		return nil
	}),
)
