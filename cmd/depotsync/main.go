package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depotsync/internal/aggregator"
	"github.com/smallbiznis/depotsync/internal/cache"
	"github.com/smallbiznis/depotsync/internal/clock"
	"github.com/smallbiznis/depotsync/internal/config"
	"github.com/smallbiznis/depotsync/internal/credential"
	"github.com/smallbiznis/depotsync/internal/dispatch"
	"github.com/smallbiznis/depotsync/internal/erp"
	"github.com/smallbiznis/depotsync/internal/ledger"
	"github.com/smallbiznis/depotsync/internal/migration"
	"github.com/smallbiznis/depotsync/internal/mirror"
	"github.com/smallbiznis/depotsync/internal/normalizer"
	"github.com/smallbiznis/depotsync/internal/processor"
	"github.com/smallbiznis/depotsync/internal/ratelimit"
	"github.com/smallbiznis/depotsync/internal/scheduler"
	"github.com/smallbiznis/depotsync/internal/server"
	"github.com/smallbiznis/depotsync/internal/suppression"
	"github.com/smallbiznis/depotsync/internal/synchronizer"
	"github.com/smallbiznis/depotsync/internal/tenant"
	"github.com/smallbiznis/depotsync/pkg/db"
	"github.com/smallbiznis/depotsync/pkg/log"
	"github.com/smallbiznis/depotsync/pkg/telemetry"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		telemetry.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// Shared state
		cache.Module,
		suppression.Module,
		ratelimit.Module,

		// Domain services
		tenant.Module,
		credential.Module,
		ledger.Module,
		mirror.Module,
		erp.Module,
		aggregator.Module,
		normalizer.Module,
		synchronizer.Module,
		processor.Module,
		dispatch.Module,

		// Entry points
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
