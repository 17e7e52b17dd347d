// Package invariant reports broken data invariants. Outside production a
// violation is returned as an error so tests and staging fail loudly; in
// production it is logged as an alert and the caller carries on.
package invariant

import (
	"errors"
	"time"

	"github.com/smallbiznis/settlement/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrViolation         = errors.New("invariant_violation")
	ErrCycleNotEnded     = errors.New("billing_cycle_not_ended")
	ErrInvalidCycleOrder = errors.New("billing_cycle_invalid_order")
)

type Reporter struct {
	log        *zap.Logger
	production bool
}

func NewReporter(cfg config.Config, log *zap.Logger) *Reporter {
	return NewReporterForEnv(log, cfg.IsProduction())
}

func NewReporterForEnv(log *zap.Logger, production bool) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{log: log.Named("invariant"), production: production}
}

// Violation logs msg at ERROR with alert=true. It returns ErrViolation
// unless running in production.
func (r *Reporter) Violation(msg string, fields ...zap.Field) error {
	fields = append(fields, zap.Bool("alert", true), zap.Bool("production", r.production))
	r.log.Error(msg, fields...)
	if r.production {
		return nil
	}
	return ErrViolation
}

// EnsureCycleEnded guards cycle advancement: a cycle is billable once
// now has reached its end.
func EnsureCycleEnded(cycleStart, cycleEnd, now time.Time) error {
	if !cycleStart.Before(cycleEnd) {
		return ErrInvalidCycleOrder
	}
	if now.Before(cycleEnd) {
		return ErrCycleNotEnded
	}
	return nil
}

var Module = fx.Module("invariant",
	fx.Provide(NewReporter),
)
