package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	accountrepo "github.com/smallbiznis/settlement/internal/account/repository"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	auditrepo "github.com/smallbiznis/settlement/internal/audit/repository"
	auditservice "github.com/smallbiznis/settlement/internal/audit/service"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/runmode"
	"github.com/smallbiznis/settlement/internal/testutil/dbtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newManager(t *testing.T) (*Manager, *gorm.DB, *clock.FakeClock, snowflake.ID) {
	t.Helper()
	conn := dbtest.Open(t)
	node := dbtest.Node(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	now := fake.Now()
	account := accountdomain.BillingAccount{
		ID:            node.Generate(),
		TenantID:      "tenant-lock",
		TenantType:    accountdomain.TenantPersonal,
		Status:        accountdomain.StatusActive,
		Currency:      "USD",
		CycleStart:    now.AddDate(0, -1, 0),
		CycleEnd:      now,
		MandateStatus: accountdomain.MandateNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := accountrepo.Provide().Insert(context.Background(), conn, &account); err != nil {
		t.Fatalf("insert account: %v", err)
	}

	audit := auditservice.NewService(auditservice.Params{
		DB: conn, Log: zap.NewNop(), GenID: node, Clock: fake, Repo: auditrepo.Provide(),
	})
	manager := NewManager(Params{
		DB:            conn,
		Log:           zap.NewNop(),
		Clock:         fake,
		BillingConfig: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Audit:         audit,
	})
	return manager, conn, fake, account.ID
}

func TestAcquireReleaseAcquire(t *testing.T) {
	manager, _, _, accountID := newManager(t)
	ctx := context.Background()

	first := manager.Acquire(ctx, accountID)
	require.NoError(t, first.Err)
	require.True(t, first.Success)
	require.NotEmpty(t, first.Token)

	second := manager.Acquire(ctx, accountID)
	require.NoError(t, second.Err)
	require.False(t, second.Success)
	require.True(t, second.AlreadyLocked)
	require.NotNil(t, second.LockedAt)

	require.NoError(t, manager.Release(ctx, accountID))

	third := manager.Acquire(ctx, accountID)
	require.True(t, third.Success)
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	manager, _, _, accountID := newManager(t)
	ctx := context.Background()

	const callers = 8
	results := make([]Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = manager.Acquire(ctx, accountID)
		}(i)
	}
	wg.Wait()

	winners, locked := 0, 0
	for _, result := range results {
		if result.Err != nil {
			t.Fatalf("acquire error: %v", result.Err)
		}
		if result.Success {
			winners++
		}
		if result.AlreadyLocked {
			locked++
		}
	}
	require.Equal(t, 1, winners)
	require.Equal(t, callers-1, locked)
}

func TestAcquireTakesOverStaleLock(t *testing.T) {
	manager, conn, fake, accountID := newManager(t)
	ctx := context.Background()

	require.True(t, manager.Acquire(ctx, accountID).Success)

	fake.Advance(5 * time.Minute)
	require.True(t, manager.Acquire(ctx, accountID).AlreadyLocked)

	fake.Advance(6 * time.Minute)
	result := manager.Acquire(ctx, accountID)
	require.True(t, result.Success)
	require.True(t, result.Reclaimed)
	require.EqualValues(t, 1, dbtest.Count(t, conn, "audit_logs", "event_type = ?", auditdomain.EventLockReclaimed))
}

func TestReclaimStale(t *testing.T) {
	manager, conn, fake, accountID := newManager(t)
	ctx := context.Background()

	require.True(t, manager.Acquire(ctx, accountID).Success)
	fake.Advance(11 * time.Minute)

	found, err := manager.ReclaimStale(ctx, 10, runmode.RunMode{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 1, found)
	require.EqualValues(t, 1, dbtest.Count(t, conn, "billing_accounts", "is_cycle_locked = ?", true))

	reclaimed, err := manager.ReclaimStale(ctx, 10, runmode.Live)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)
	require.EqualValues(t, 0, dbtest.Count(t, conn, "billing_accounts", "is_cycle_locked = ?", true))
	require.True(t, manager.Acquire(ctx, accountID).Success)
}

func TestAcquireUnknownAccount(t *testing.T) {
	manager, _, _, _ := newManager(t)
	result := manager.Acquire(context.Background(), snowflake.ID(42))
	require.ErrorIs(t, result.Err, ErrAccountNotFound)
	require.False(t, result.Success)
}
