package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/account"
	"github.com/smallbiznis/settlement/internal/audit"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/gateway"
	"github.com/smallbiznis/settlement/internal/grace"
	"github.com/smallbiznis/settlement/internal/idempotency"
	"github.com/smallbiznis/settlement/internal/invariant"
	"github.com/smallbiznis/settlement/internal/invoice"
	"github.com/smallbiznis/settlement/internal/lock"
	"github.com/smallbiznis/settlement/internal/notifier"
	"github.com/smallbiznis/settlement/internal/observability"
	"github.com/smallbiznis/settlement/internal/ratelimit"
	"github.com/smallbiznis/settlement/internal/server"
	"github.com/smallbiznis/settlement/internal/settlement"
	"github.com/smallbiznis/settlement/internal/usage"
	"github.com/smallbiznis/settlement/internal/wallet"
	"github.com/smallbiznis/settlement/internal/webhook"
	"github.com/smallbiznis/settlement/pkg/db"
	"go.uber.org/fx"
)

// The API serves webhooks, cron triggers and read endpoints. Jobs run only
// when the cron endpoints are called.
func main() {
	app := fx.New(
		fx.WithLogger(observability.FxLogger),
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		invariant.Module,
		ratelimit.Module,

		audit.Module,
		account.Module,
		idempotency.Module,
		usage.Module,
		invoice.Module,
		lock.Module,
		wallet.Module,
		gateway.Module,
		notifier.Module,
		settlement.Module,
		grace.Module,
		webhook.Module,

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
