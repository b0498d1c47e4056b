package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gymledger/internal/analytics"
	"github.com/smallbiznis/gymledger/internal/audit"
	"github.com/smallbiznis/gymledger/internal/authorization"
	"github.com/smallbiznis/gymledger/internal/catalog"
	"github.com/smallbiznis/gymledger/internal/clock"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/internal/membership"
	"github.com/smallbiznis/gymledger/internal/observability"
	"github.com/smallbiznis/gymledger/internal/ratelimit"
	"github.com/smallbiznis/gymledger/internal/scheduler"
	"github.com/smallbiznis/gymledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by scheduler
		authorization.Module,
		audit.Module,
		catalog.Module,
		membership.Module,
		analytics.Module,
		ratelimit.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
