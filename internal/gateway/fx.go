package gateway

import (
	"github.com/smallbiznis/settlement/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// New returns the HTTP gateway when a base URL is configured.
func New(cfg config.Config, log *zap.Logger) Gateway {
	if cfg.Gateway.BaseURL == "" {
		log.Info("payment gateway not configured; auto-debit disabled")
		return Disabled{}
	}
	return NewHTTPGateway(cfg.Gateway, log)
}

var Module = fx.Module("gateway",
	fx.Provide(New),
)
