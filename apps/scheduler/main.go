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
	"github.com/smallbiznis/settlement/internal/scheduler"
	"github.com/smallbiznis/settlement/internal/settlement"
	"github.com/smallbiznis/settlement/internal/usage"
	"github.com/smallbiznis/settlement/internal/wallet"
	"github.com/smallbiznis/settlement/pkg/db"
	"go.uber.org/fx"
)

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

		// Domain services driven by the jobs
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

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
