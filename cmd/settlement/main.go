package main

import (
	"context"
	"flag"

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
	"github.com/smallbiznis/settlement/internal/migration"
	"github.com/smallbiznis/settlement/internal/notifier"
	"github.com/smallbiznis/settlement/internal/observability"
	"github.com/smallbiznis/settlement/internal/ratelimit"
	"github.com/smallbiznis/settlement/internal/scheduler"
	"github.com/smallbiznis/settlement/internal/server"
	"github.com/smallbiznis/settlement/internal/settlement"
	"github.com/smallbiznis/settlement/internal/usage"
	"github.com/smallbiznis/settlement/internal/wallet"
	"github.com/smallbiznis/settlement/internal/webhook"
	"github.com/smallbiznis/settlement/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	job := flag.String("job", "", "run one scheduler job and exit (billing-cycle, grace-enforce, grace-reminder, payment-retry, idempotency-gc, stale-lock)")
	flag.Parse()

	core := fx.Options(
		fx.WithLogger(observability.FxLogger),
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
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
	)

	if *job != "" {
		fx.New(
			core,
			fx.Provide(scheduler.ProvideConfig, scheduler.New),
			fx.Invoke(func(lc fx.Lifecycle, sd fx.Shutdowner, sched *scheduler.Scheduler, log *zap.Logger) {
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						go func() {
							code := 0
							if err := sched.RunJob(context.Background(), *job); err != nil {
								log.Error("job failed", zap.String("job", *job), zap.Error(err))
								code = 1
							}
							_ = sd.Shutdown(fx.ExitCode(code))
						}()
						return nil
					},
				})
			}),
		).Run()
		return
	}

	fx.New(
		core,
		webhook.Module,
		server.Module,
		scheduler.Module,
	).Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
