package scheduler

import (
	"time"

	"github.com/smallbiznis/settlement/internal/config"
)

const (
	JobBillingCycle   = "billing-cycle"
	JobGraceEnforce   = "grace-enforce"
	JobGraceReminder  = "grace-reminder"
	JobPaymentRetry   = "payment-retry"
	JobIdempotencyGC  = "idempotency-gc"
	JobStaleLockSweep = "stale-lock"
)

// Config controls the tick, the per-job cadence and which jobs run.
type Config struct {
	TickInterval time.Duration
	BatchSize    int
	JobTimeout   time.Duration
	LockTTL      time.Duration

	// Each job runs at most once per interval. Billing runs every tick
	// since only ended cycles are listed.
	Intervals map[string]time.Duration
	Enabled   map[string]bool
}

func DefaultConfig() Config {
	return Config{
		TickInterval: time.Minute,
		BatchSize:    100,
		JobTimeout:   10 * time.Minute,
		LockTTL:      15 * time.Minute,
		Intervals: map[string]time.Duration{
			JobBillingCycle:   0,
			JobGraceEnforce:   time.Hour,
			JobGraceReminder:  time.Hour,
			JobPaymentRetry:   24 * time.Hour,
			JobIdempotencyGC:  24 * time.Hour,
			JobStaleLockSweep: 5 * time.Minute,
		},
	}
}

// ProvideConfig derives the scheduler config from the application config.
func ProvideConfig(cfg config.Config) Config {
	sc := cfg.Scheduler
	c := Config{
		TickInterval: sc.TickInterval,
		BatchSize:    sc.BatchSize,
		JobTimeout:   sc.JobTimeout,
		LockTTL:      sc.DistributedLockTTL,
		Enabled: map[string]bool{
			JobBillingCycle:   sc.BillingCycleJob,
			JobGraceEnforce:   sc.GraceEnforceJob,
			JobGraceReminder:  sc.GraceReminderJob,
			JobPaymentRetry:   sc.PaymentRetryJob,
			JobIdempotencyGC:  sc.IdempotencyGCJob,
			JobStaleLockSweep: sc.StaleLockJob,
		},
	}
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.Intervals == nil {
		c.Intervals = defaults.Intervals
	}
	return c
}

// isJobEnabled treats an empty toggle set as all jobs enabled.
func (c Config) isJobEnabled(name string) bool {
	if len(c.Enabled) == 0 {
		return true
	}
	return c.Enabled[name]
}
