package notifier

import (
	"context"

	"go.uber.org/zap"
)

// NoOp logs instead of delivering. Used when SMTP is not configured.
type NoOp struct {
	Log *zap.Logger
}

func (n NoOp) Send(ctx context.Context, recipient, templateID string, vars map[string]any) error {
	if n.Log != nil {
		n.Log.Debug("notification skipped", zap.String("template", templateID))
	}
	return nil
}
