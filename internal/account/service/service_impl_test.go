package service

import (
	"context"
	"errors"
	"testing"
	"time"

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

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	svc   accountdomain.Service
	audit auditdomain.Repository
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn := dbtest.Open(t)
	node := dbtest.Node(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	auditRepo := auditrepo.Provide()
	auditSvc := auditservice.NewService(auditservice.Params{
		DB: conn, Log: zap.NewNop(), GenID: node, Clock: fake, Repo: auditRepo,
	})
	svc := NewService(Params{
		DB:            conn,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         fake,
		BillingConfig: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Repo:          accountrepo.Provide(),
		Audit:         auditSvc,
	})
	return fixture{db: conn, clock: fake, svc: svc, audit: auditRepo}
}

func (f fixture) onboard(t *testing.T, tenantID string) *accountdomain.BillingAccount {
	t.Helper()
	account, err := f.svc.Onboard(context.Background(), accountdomain.OnboardRequest{
		TenantID:   tenantID,
		TenantType: accountdomain.TenantOrg,
		WalletID:   "wallet-" + tenantID,
	})
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	return account
}

func (f fixture) statusChanges(t *testing.T, account *accountdomain.BillingAccount) int64 {
	t.Helper()
	count, err := f.audit.Count(context.Background(), f.db, account.ID, auditdomain.EventAccountStatusChanged)
	if err != nil {
		t.Fatalf("count audit: %v", err)
	}
	return count
}

func TestOnboardIsIdempotentPerTenant(t *testing.T) {
	f := newFixture(t)
	first := f.onboard(t, "tenant-a")
	second := f.onboard(t, "tenant-a")

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, accountdomain.StatusActive, first.Status)
	require.Equal(t, accountdomain.MandateNone, first.MandateStatus)
	require.Equal(t, "USD", first.Currency)
	require.True(t, first.CycleEnd.Equal(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)))
	require.Nil(t, first.GracePeriodEnd)

	onboarded, err := f.audit.Count(context.Background(), f.db, first.ID, auditdomain.EventAccountOnboarded)
	require.NoError(t, err)
	require.EqualValues(t, 1, onboarded)
}

func TestOnboardRejectsBlankTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Onboard(context.Background(), accountdomain.OnboardRequest{TenantType: accountdomain.TenantOrg})
	require.ErrorIs(t, err, accountdomain.ErrInvalidTenant)
}

func TestPaymentFailedStartsGracePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.onboard(t, "tenant-a")
	failedAt := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	result, err := f.svc.MarkPaymentFailed(ctx, account.ID, "inv-1", "wallet_insufficient", failedAt, runmode.Live)
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Equal(t, accountdomain.StatusActive, result.From)
	require.Equal(t, accountdomain.StatusDue, result.To)

	stored, err := f.svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, accountdomain.StatusDue, stored.Status)
	require.NotNil(t, stored.GracePeriodEnd)
	require.True(t, stored.GracePeriodEnd.Equal(failedAt.Add(14*24*time.Hour)), "grace end %s", stored.GracePeriodEnd)
	require.NotNil(t, stored.LastPaymentFailedAt)
	require.EqualValues(t, 1, f.statusChanges(t, account))
}

func TestRepeatedFailureKeepsOriginalGraceEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.onboard(t, "tenant-a")
	firstFailure := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	_, err := f.svc.MarkPaymentFailed(ctx, account.ID, "inv-1", "declined", firstFailure, runmode.Live)
	require.NoError(t, err)

	result, err := f.svc.MarkPaymentFailed(ctx, account.ID, "inv-1", "declined", firstFailure.Add(3*24*time.Hour), runmode.Live)
	require.NoError(t, err)
	require.Equal(t, accountdomain.OutcomeNoop, result.Outcome)
	require.False(t, result.Applied)

	stored, err := f.svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.True(t, stored.GracePeriodEnd.Equal(firstFailure.Add(14*24*time.Hour)))
	require.EqualValues(t, 1, f.statusChanges(t, account))
}

func TestPaymentSucceededClearsGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.onboard(t, "tenant-a")
	now := f.clock.Now()

	_, err := f.svc.MarkPaymentFailed(ctx, account.ID, "inv-1", "declined", now, runmode.Live)
	require.NoError(t, err)
	result, err := f.svc.MarkPaymentSucceeded(ctx, account.ID, "inv-1", "webhook", now.Add(time.Hour), runmode.Live)
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Nil(t, result.GracePeriodEnd)

	stored, err := f.svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, accountdomain.StatusActive, stored.Status)
	require.Nil(t, stored.GracePeriodEnd)
	require.NotNil(t, stored.LastPaymentAt)
	require.EqualValues(t, 2, f.statusChanges(t, account))
}

func TestSuspendFromActiveIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.onboard(t, "tenant-a")

	result, err := f.svc.Suspend(ctx, account.ID, "grace_expired", runmode.Live)
	if err != nil {
		t.Fatalf("suspend returned error: %v", err)
	}
	require.Equal(t, accountdomain.OutcomeReject, result.Outcome)

	stored, err := f.svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, accountdomain.StatusActive, stored.Status)
	require.EqualValues(t, 0, f.statusChanges(t, account))
}

func TestSuspendClearsGraceAndReactivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.onboard(t, "tenant-a")

	_, err := f.svc.MarkPaymentFailed(ctx, account.ID, "inv-1", "declined", f.clock.Now(), runmode.Live)
	require.NoError(t, err)
	result, err := f.svc.Suspend(ctx, account.ID, "grace_expired", runmode.Live)
	require.NoError(t, err)
	require.True(t, result.Applied)

	stored, err := f.svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, accountdomain.StatusSuspended, stored.Status)
	require.Nil(t, stored.GracePeriodEnd)

	result, err = f.svc.MarkPaymentSucceeded(ctx, account.ID, "inv-1", "manual", f.clock.Now(), runmode.Live)
	require.NoError(t, err)
	require.Equal(t, accountdomain.StatusActive, result.To)
	require.EqualValues(t, 3, f.statusChanges(t, account))
}

func TestDryRunDoesNotWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.onboard(t, "tenant-a")

	result, err := f.svc.MarkPaymentFailed(ctx, account.ID, "inv-1", "declined", f.clock.Now(), runmode.RunMode{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, accountdomain.StatusDue, result.To)
	require.False(t, result.Applied)
	require.NotNil(t, result.GracePeriodEnd)

	stored, err := f.svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, accountdomain.StatusActive, stored.Status)
	require.EqualValues(t, 0, f.statusChanges(t, account))

	result, err = f.svc.MarkPaymentFailed(ctx, account.ID, "inv-1", "declined", f.clock.Now(), runmode.RunMode{DryRun: true, ForceWrites: true})
	require.NoError(t, err)
	require.True(t, result.Applied)
}

func TestAdvanceCycleIsCompareAndSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.onboard(t, "tenant-a")

	next, err := f.svc.AdvanceCycle(ctx, *account, runmode.Live)
	require.NoError(t, err)
	require.True(t, next.CycleStart.Equal(account.CycleEnd))
	require.True(t, next.CycleEnd.Equal(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)))

	_, err = f.svc.AdvanceCycle(ctx, *account, runmode.Live)
	if !errors.Is(err, accountdomain.ErrCycleChanged) {
		t.Fatalf("expected ErrCycleChanged, got %v", err)
	}
}

func TestUpdateMandate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.onboard(t, "tenant-a")

	err := f.svc.UpdateMandate(ctx, accountdomain.UpdateMandateRequest{
		AccountID:        account.ID,
		Status:           accountdomain.MandateConfirmed,
		PaymentMethodRef: "pm_card_4242",
		Mode:             runmode.Live,
	})
	require.NoError(t, err)

	stored, err := f.svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.True(t, stored.CanAutoDebit())

	err = f.svc.UpdateMandate(ctx, accountdomain.UpdateMandateRequest{AccountID: account.ID, Status: "BOGUS", Mode: runmode.Live})
	require.ErrorIs(t, err, accountdomain.ErrInvalidMandate)
}
