package migration

import (
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module runs schema migrations and the default-org seed at startup. SQL
// migrations are postgres-only; other dialects (sqlite in tests) migrate
// through gorm instead.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		}
		return seed.EnsureDefaultOrg(conn)
	}),
)
