package main

import (
	"fmt"

	"github.com/smallbiznis/pagebill/internal/config"
	"github.com/smallbiznis/pagebill/internal/migration"
	"github.com/smallbiznis/pagebill/internal/observability"
	obslogger "github.com/smallbiznis/pagebill/internal/observability/logger"
	"github.com/smallbiznis/pagebill/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCmd() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			obsCfg := observability.LoadConfig(cfg)
			log, err := obslogger.New(nil, obslogger.Config{
				ServiceName: obsCfg.ServiceName,
				Environment: obsCfg.Environment,
				Version:     obsCfg.Version,
				Level:       obsCfg.LogLevel,
				Format:      obsCfg.LogFormat,
			})
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			conn, err := db.New(nil, cfg, obsCfg, log)
			if err != nil {
				return err
			}
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			if !status {
				if err := migration.RunMigrations(sqlDB); err != nil {
					return err
				}
			}

			version, dirty, err := migration.Version(sqlDB)
			if err != nil {
				return err
			}
			log.Info("schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "print the applied version without migrating")
	return cmd
}
