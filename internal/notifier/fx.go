package notifier

import (
	"github.com/smallbiznis/settlement/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Notifier {
	if cfg.SMTP.Host == "" {
		return NoOp{Log: log.Named("notifier.noop")}
	}
	return NewSMTP(cfg.SMTP, log)
}

var Module = fx.Module("notifier",
	fx.Provide(NewFromConfig),
)
