package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/telcobss/meterbill/internal/billingcycle"
	"github.com/telcobss/meterbill/internal/clock"
	"github.com/telcobss/meterbill/internal/config"
	"github.com/telcobss/meterbill/internal/costcalc"
	"github.com/telcobss/meterbill/internal/costmodel"
	"github.com/telcobss/meterbill/internal/forecast"
	"github.com/telcobss/meterbill/internal/invoice"
	"github.com/telcobss/meterbill/internal/migration"
	"github.com/telcobss/meterbill/internal/observability"
	"github.com/telcobss/meterbill/internal/ratelimit"
	"github.com/telcobss/meterbill/internal/rating"
	"github.com/telcobss/meterbill/internal/scheduler"
	"github.com/telcobss/meterbill/internal/server"
	"github.com/telcobss/meterbill/internal/usage"
	"github.com/telcobss/meterbill/pkg/db"
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
		ratelimit.Module,

		// Billing domains
		usage.Module,
		costmodel.Module,
		rating.Module,
		invoice.Module,
		billingcycle.Module,
		costcalc.Module,
		forecast.Module,

		// Surfaces
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
