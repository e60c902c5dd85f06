package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/aggregation"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/coupon"
	"github.com/smallbiznis/meterflow/internal/event"
	"github.com/smallbiznis/meterflow/internal/events"
	"github.com/smallbiznis/meterflow/internal/fee"
	"github.com/smallbiznis/meterflow/internal/idempotency"
	"github.com/smallbiznis/meterflow/internal/invoice"
	"github.com/smallbiznis/meterflow/internal/logger"
	"github.com/smallbiznis/meterflow/internal/migration"
	"github.com/smallbiznis/meterflow/internal/ratelimit"
	"github.com/smallbiznis/meterflow/internal/scheduler"
	"github.com/smallbiznis/meterflow/internal/server"
	"github.com/smallbiznis/meterflow/internal/subscription"
	"github.com/smallbiznis/meterflow/internal/tax"
	"github.com/smallbiznis/meterflow/internal/telemetry"
	"github.com/smallbiznis/meterflow/internal/wallet"
	"github.com/smallbiznis/meterflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Infrastructure.
		config.Module,
		logger.Module,
		telemetry.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		clock.Module,
		migration.Module,

		// Billing domains.
		events.Module,
		event.Module,
		aggregation.Module,
		fee.Module,
		idempotency.Module,
		wallet.Module,
		coupon.Module,
		tax.Module,
		subscription.Module,
		invoice.Module,

		// Edges.
		ratelimit.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
