package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	gracedomain "github.com/smallbiznis/settlement/internal/grace/domain"
	idempotencydomain "github.com/smallbiznis/settlement/internal/idempotency/domain"
	"github.com/smallbiznis/settlement/internal/lock"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/ratelimit"
	settlementdomain "github.com/smallbiznis/settlement/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jobLockPrefix = "settlement:job:"

// ErrUnknownJob is returned by RunJob for a name outside the job table.
var ErrUnknownJob = errors.New("unknown scheduler job")

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Config        Config
	BillingConfig *config.BillingConfigHolder
	Settlement    settlementdomain.Service
	Grace         gracedomain.Service
	Idempotency   idempotencydomain.Store
	Locks         *lock.Manager
	JobLocker     *ratelimit.Locker         `optional:"true"`
	Metrics       *obsmetrics.EngineMetrics `optional:"true"`
}

type job struct {
	name string
	run  func(ctx context.Context, run *jobRun) error
}

// Scheduler drives the periodic settlement jobs. Every job runs in live
// mode; dry runs go through the cron endpoints.
type Scheduler struct {
	log         *zap.Logger
	clock       clock.Clock
	cfg         Config
	billing     *config.BillingConfigHolder
	settlement  settlementdomain.Service
	grace       gracedomain.Service
	idempotency idempotencydomain.Store
	locks       *lock.Manager
	jobLocker   *ratelimit.Locker
	metrics     *obsmetrics.EngineMetrics

	jobs    []job
	mu      sync.Mutex
	lastRun map[string]time.Time
}

func New(p Params) *Scheduler {
	s := &Scheduler{
		log:         p.Log.Named("scheduler"),
		clock:       p.Clock,
		cfg:         p.Config.withDefaults(),
		billing:     p.BillingConfig,
		settlement:  p.Settlement,
		grace:       p.Grace,
		idempotency: p.Idempotency,
		locks:       p.Locks,
		jobLocker:   p.JobLocker,
		metrics:     p.Metrics,
		lastRun:     make(map[string]time.Time),
	}
	s.jobs = []job{
		{name: JobStaleLockSweep, run: s.reclaimStaleLocks},
		{name: JobBillingCycle, run: s.processBillingCycle},
		{name: JobPaymentRetry, run: s.retryDuePayments},
		{name: JobGraceEnforce, run: s.enforceGracePeriods},
		{name: JobGraceReminder, run: s.sendGraceReminders},
		{name: JobIdempotencyGC, run: s.purgeIdempotency},
	}
	return s
}

// RunOnce runs every enabled job whose interval has elapsed. A failing job
// does not stop the others; their errors are joined.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, j := range s.jobs {
		if !s.cfg.isJobEnabled(j.name) || !s.due(j.name) {
			continue
		}
		if err := s.runJob(ctx, j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunJob runs one job immediately regardless of its interval.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.name == name {
			return s.runJob(ctx, j)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) due(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[name]
	if !ok {
		return true
	}
	return !s.clock.Now().Before(last.Add(s.cfg.Intervals[name]))
}

func (s *Scheduler) markRan(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[name] = at
}

func (s *Scheduler) runJob(parent context.Context, j job) error {
	start := s.clock.Now()
	ctx, run := s.ensureJobRun(parent, j.name)
	log := s.logger(ctx).With(zap.String("job", j.name), zap.String("run_id", run.runID))

	key := jobLockPrefix + j.name
	token, acquired, err := s.jobLocker.TryLock(ctx, key, s.cfg.LockTTL)
	switch {
	case err != nil:
		// Jobs are idempotent, so an unreachable lock only risks duplicate work.
		log.Warn("job lock unavailable, running unguarded", zap.Error(err))
	case !acquired:
		log.Info("job held by another replica")
		s.metrics.IncJobRun(j.name, obsmetrics.JobStatusSkipped)
		s.markRan(j.name, start)
		return nil
	default:
		defer func() {
			if err := s.jobLocker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				log.Warn("release job lock", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	s.logJobStart(ctx, run)
	err = j.run(ctx, run)
	s.metrics.ObserveJobDuration(j.name, time.Since(run.startedAt))
	s.markRan(j.name, start)
	if err != nil && run.errorCount == 0 {
		run.AddErrors(1)
	}
	s.logJobFinish(ctx, run)

	if err == nil {
		s.metrics.IncJobRun(j.name, obsmetrics.JobStatusSuccess)
		return nil
	}
	s.metrics.IncJobRun(j.name, obsmetrics.JobStatusFailed)
	s.metrics.IncJobError(j.name, err)

	// A timed out job resumes on the next tick.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.IncJobTimeout(j.name)
		log.Warn("job timed out", zap.Duration("timeout", s.cfg.JobTimeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", j.name, err)
}
