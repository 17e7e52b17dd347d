package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	gracedomain "github.com/smallbiznis/settlement/internal/grace/domain"
	idempotencydomain "github.com/smallbiznis/settlement/internal/idempotency/domain"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	"github.com/smallbiznis/settlement/internal/runmode"
	settlementdomain "github.com/smallbiznis/settlement/internal/settlement/domain"
	settlementservice "github.com/smallbiznis/settlement/internal/settlement/service"
	"github.com/smallbiznis/settlement/internal/testutil/dbtest"
	"github.com/smallbiznis/settlement/internal/testutil/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSettlement struct {
	mu       sync.Mutex
	calls    map[string]int
	cycleErr error
	block    bool
}

func (s *stubSettlement) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[name]++
}

func (s *stubSettlement) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubSettlement) ProcessBillingCycle(ctx context.Context, mode runmode.RunMode) (settlementdomain.CycleResult, error) {
	s.record(JobBillingCycle)
	if s.block {
		<-ctx.Done()
		return settlementdomain.CycleResult{}, ctx.Err()
	}
	return settlementdomain.CycleResult{Processed: 1}, s.cycleErr
}

func (s *stubSettlement) RetryPayment(context.Context, snowflake.ID, runmode.RunMode) (settlementdomain.SettleResult, error) {
	return settlementdomain.SettleResult{}, nil
}

func (s *stubSettlement) RetryDuePayments(context.Context, runmode.RunMode) (settlementdomain.RetryResult, error) {
	s.record(JobPaymentRetry)
	return settlementdomain.RetryResult{}, nil
}

type stubGrace struct{ settlement *stubSettlement }

func (g stubGrace) EnforceGracePeriods(context.Context, runmode.RunMode) (gracedomain.EnforceResult, error) {
	g.settlement.record(JobGraceEnforce)
	return gracedomain.EnforceResult{}, nil
}

func (g stubGrace) SendGracePeriodReminders(context.Context, runmode.RunMode) (gracedomain.ReminderResult, error) {
	g.settlement.record(JobGraceReminder)
	return gracedomain.ReminderResult{}, nil
}

func newScheduler(e *enginetest.Engine, settlement settlementdomain.Service, grace gracedomain.Service, cfg Config) *Scheduler {
	return New(Params{
		Log:           e.Log,
		Clock:         e.Clock,
		Config:        cfg,
		BillingConfig: e.Billing,
		Settlement:    settlement,
		Grace:         grace,
		Idempotency:   e.Idempotency,
		Locks:         e.Locks,
	})
}

func TestRunOnceBillsEndedCycles(t *testing.T) {
	e := enginetest.New(t)
	settlement := settlementservice.NewService(settlementservice.Params{
		Log:         e.Log,
		Clock:       e.Clock,
		Config:      e.Config,
		Accounts:    e.Accounts,
		Invoices:    e.Invoices,
		Locks:       e.Locks,
		Wallet:      e.Wallet,
		Gateway:     e.Gateway,
		Idempotency: e.Idempotency,
	})
	stub := &stubSettlement{}
	sched := newScheduler(e, settlement, stubGrace{settlement: stub}, DefaultConfig())

	account := e.Onboard(t, "acme", "25.00")
	dbtest.SeedUsage(t, e.DB, "acme", "bandwidth", "GB", "100", enginetest.Start.Add(24*time.Hour))
	e.Clock.Set(enginetest.Start.AddDate(0, 1, 0).Add(time.Minute))

	require.NoError(t, sched.RunOnce(context.Background()))

	invoices := e.InvoicesOf(t, account.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, invoicedomain.StatusPaid, invoices[0].Status)
	assert.True(t, e.Account(t, account.ID).CycleStart.Equal(enginetest.Start.AddDate(0, 1, 0)))

	// A second tick finds nothing new to bill.
	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Len(t, e.InvoicesOf(t, account.ID), 1)
	assert.Equal(t, 2, stub.count(JobGraceEnforce)+stub.count(JobGraceReminder))
}

func TestRunOnceHonorsIntervals(t *testing.T) {
	e := enginetest.New(t)
	stub := &stubSettlement{}
	sched := newScheduler(e, stub, stubGrace{settlement: stub}, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, sched.RunOnce(ctx))
	e.Clock.Advance(time.Minute)
	require.NoError(t, sched.RunOnce(ctx))

	assert.Equal(t, 2, stub.count(JobBillingCycle))
	assert.Equal(t, 1, stub.count(JobPaymentRetry))
	assert.Equal(t, 1, stub.count(JobGraceEnforce))

	e.Clock.Advance(time.Hour)
	require.NoError(t, sched.RunOnce(ctx))
	assert.Equal(t, 2, stub.count(JobGraceEnforce))
	assert.Equal(t, 2, stub.count(JobGraceReminder))
	assert.Equal(t, 1, stub.count(JobPaymentRetry))

	e.Clock.Advance(24 * time.Hour)
	require.NoError(t, sched.RunOnce(ctx))
	assert.Equal(t, 2, stub.count(JobPaymentRetry))
}

func TestRunOnceSkipsDisabledJobs(t *testing.T) {
	e := enginetest.New(t)
	stub := &stubSettlement{}
	cfg := DefaultConfig()
	cfg.Enabled = map[string]bool{JobBillingCycle: true}
	sched := newScheduler(e, stub, stubGrace{settlement: stub}, cfg)

	require.NoError(t, sched.RunOnce(context.Background()))

	assert.Equal(t, 1, stub.count(JobBillingCycle))
	assert.Zero(t, stub.count(JobPaymentRetry))
	assert.Zero(t, stub.count(JobGraceEnforce))
	assert.Zero(t, stub.count(JobGraceReminder))
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	e := enginetest.New(t)
	stub := &stubSettlement{cycleErr: errors.New("db down")}
	sched := newScheduler(e, stub, stubGrace{settlement: stub}, DefaultConfig())

	err := sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing-cycle: db down")
	assert.Equal(t, 1, stub.count(JobGraceEnforce))
}

func TestJobTimeoutIsSoft(t *testing.T) {
	e := enginetest.New(t)
	stub := &stubSettlement{block: true}
	cfg := DefaultConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	sched := newScheduler(e, stub, stubGrace{settlement: stub}, cfg)

	assert.NoError(t, sched.RunJob(context.Background(), JobBillingCycle))
	assert.Equal(t, 1, stub.count(JobBillingCycle))
}

func TestIdempotencyGCPurgesExpiredRecords(t *testing.T) {
	e := enginetest.New(t)
	stub := &stubSettlement{}
	sched := newScheduler(e, stub, stubGrace{settlement: stub}, DefaultConfig())
	ctx := context.Background()

	_, err := e.Idempotency.Put(ctx, idempotencydomain.ScopeReminder, "reminder:old", "1", nil)
	require.NoError(t, err)
	e.Clock.Advance(20 * 24 * time.Hour)
	_, err = e.Idempotency.Put(ctx, idempotencydomain.ScopeReminder, "reminder:recent", "2", nil)
	require.NoError(t, err)
	e.Clock.Advance(11 * 24 * time.Hour)

	require.NoError(t, sched.RunJob(ctx, JobIdempotencyGC))

	old, err := e.Idempotency.Get(ctx, idempotencydomain.ScopeReminder, "reminder:old")
	require.NoError(t, err)
	assert.Nil(t, old)
	recent, err := e.Idempotency.Get(ctx, idempotencydomain.ScopeReminder, "reminder:recent")
	require.NoError(t, err)
	assert.NotNil(t, recent)
}

func TestRunJobRejectsUnknownName(t *testing.T) {
	e := enginetest.New(t)
	stub := &stubSettlement{}
	sched := newScheduler(e, stub, stubGrace{settlement: stub}, DefaultConfig())

	err := sched.RunJob(context.Background(), "rebuild-world")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestProvideConfigAppliesDefaults(t *testing.T) {
	cfg := ProvideConfig(enginetest.New(t).Config)

	assert.Equal(t, time.Minute, cfg.TickInterval)
	assert.Equal(t, 15*time.Minute, cfg.LockTTL)
	assert.False(t, cfg.isJobEnabled(JobBillingCycle))
	assert.True(t, DefaultConfig().isJobEnabled(JobBillingCycle))
}
