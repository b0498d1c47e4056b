package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gymledger/internal/clock"
	"github.com/smallbiznis/gymledger/internal/config"
	"github.com/smallbiznis/gymledger/internal/migration"
	"github.com/smallbiznis/gymledger/internal/observability"
	"github.com/smallbiznis/gymledger/internal/scheduler"
	"github.com/smallbiznis/gymledger/internal/server"
	"github.com/smallbiznis/gymledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// HTTP API and the engine services behind it
		server.Module,

		// Expiry sweep and analytics rollup in the same process
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
