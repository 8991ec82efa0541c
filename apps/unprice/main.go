package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/unprice/internal/actor"
	"github.com/smallbiznis/unprice/internal/actorstore"
	"github.com/smallbiznis/unprice/internal/analytics"
	"github.com/smallbiznis/unprice/internal/cache"
	"github.com/smallbiznis/unprice/internal/clock"
	"github.com/smallbiznis/unprice/internal/config"
	entitlementservice "github.com/smallbiznis/unprice/internal/entitlement/service"
	"github.com/smallbiznis/unprice/internal/grant"
	"github.com/smallbiznis/unprice/internal/migration"
	"github.com/smallbiznis/unprice/internal/observability"
	"github.com/smallbiznis/unprice/internal/ratelimit"
	"github.com/smallbiznis/unprice/internal/reconcile"
	"github.com/smallbiznis/unprice/internal/server"
	"github.com/smallbiznis/unprice/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		cache.Module,
		actorstore.Module,

		// Metering pipeline
		analytics.Module,
		grant.Module,
		reconcile.Module,
		entitlementservice.Module,
		ratelimit.Module,
		actor.Module,

		// Edge
		server.Module,
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
