package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reserva/internal/account"
	"github.com/smallbiznis/reserva/internal/clock"
	"github.com/smallbiznis/reserva/internal/config"
	"github.com/smallbiznis/reserva/internal/credit"
	"github.com/smallbiznis/reserva/internal/idempotency"
	"github.com/smallbiznis/reserva/internal/migration"
	"github.com/smallbiznis/reserva/internal/observability"
	"github.com/smallbiznis/reserva/internal/scheduler"
	"github.com/smallbiznis/reserva/internal/server"
	"github.com/smallbiznis/reserva/internal/usageevent"
	"github.com/smallbiznis/reserva/internal/webhook"
	"github.com/smallbiznis/reserva/internal/workorder"
	"github.com/smallbiznis/reserva/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		account.Module,
		usageevent.Module,
		workorder.Module,
		credit.Module,
		idempotency.Module,
		webhook.Module,

		scheduler.Module,
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
