package migration

import (
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.MigrateOnStart {
			log.Info("migrations skipped", zap.Bool("migrate_on_start", false))
			return nil
		}

		if !db.IsPostgres(conn) {
			log.Info("applying embedded schema", zap.String("dialect", conn.Dialector.Name()))
			return ApplySQL(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return Up(sqlDB, log.Named("migration"))
	}),
)
