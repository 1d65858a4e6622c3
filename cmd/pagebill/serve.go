package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pagebill/internal/clock"
	"github.com/smallbiznis/pagebill/internal/config"
	"github.com/smallbiznis/pagebill/internal/events"
	"github.com/smallbiznis/pagebill/internal/job"
	"github.com/smallbiznis/pagebill/internal/ledger"
	"github.com/smallbiznis/pagebill/internal/migration"
	"github.com/smallbiznis/pagebill/internal/observability"
	"github.com/smallbiznis/pagebill/internal/payment"
	"github.com/smallbiznis/pagebill/internal/pricing"
	"github.com/smallbiznis/pagebill/internal/ratelimit"
	"github.com/smallbiznis/pagebill/internal/server"
	"github.com/smallbiznis/pagebill/internal/subscription"
	"github.com/smallbiznis/pagebill/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var nodeID int64

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				// Core Infrastructure
				config.Module,
				observability.Module,
				fx.Provide(RegisterSnowflake),
				db.Module,
				clock.Module,
				ratelimit.Module,
				events.Module,
				migration.Module,

				// Functional Domains
				pricing.Module,
				job.Module,
				ledger.Module,
				subscription.Module,
				payment.Module,

				server.Module,
			)
			app.Run()
			return app.Err()
		},
	}

	cmd.Flags().Int64Var(&nodeID, "node-id", 1, "snowflake node id, unique per replica")
	return cmd
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(nodeID)
}
