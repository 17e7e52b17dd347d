package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/grace/domain"
	idempotencydomain "github.com/smallbiznis/settlement/internal/idempotency/domain"
	"github.com/smallbiznis/settlement/internal/notifier"
	"github.com/smallbiznis/settlement/internal/notifier/mocks"
	"github.com/smallbiznis/settlement/internal/runmode"
	"github.com/smallbiznis/settlement/internal/testutil/dbtest"
	"github.com/smallbiznis/settlement/internal/testutil/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var failedAt = enginetest.Start.Add(36 * time.Hour)

type fixture struct {
	*enginetest.Engine
	notifier *mocks.MockNotifier
	svc      domain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	e := enginetest.New(t)
	mock := mocks.NewMockNotifier(gomock.NewController(t))
	svc := NewService(Params{
		Log:           e.Log,
		Clock:         e.Clock,
		Config:        e.Config,
		BillingConfig: e.Billing,
		Accounts:      e.Accounts,
		Invoices:      e.Invoices,
		Idempotency:   e.Idempotency,
		Audit:         e.Audit,
		Notifier:      mock,
	})
	return fixture{Engine: e, notifier: mock, svc: svc}
}

// dueAccount onboards a tenant and records a failed payment at failedAt,
// so its grace period ends at failedAt+14d.
func (f fixture) dueAccount(t *testing.T, tenantID string) *accountdomain.BillingAccount {
	t.Helper()
	f.Clock.Set(enginetest.Start)
	account := f.Onboard(t, tenantID, "0.00")
	f.Clock.Set(failedAt)
	transition, err := f.Accounts.MarkPaymentFailed(context.Background(), account.ID, "", "Wallet balance insufficient", failedAt, runmode.Live)
	require.NoError(t, err)
	require.Equal(t, accountdomain.StatusDue, transition.To)
	return account
}

func graceEnd() time.Time { return failedAt.Add(14 * 24 * time.Hour) }

func TestEnforceSuspendsExpiredGrace(t *testing.T) {
	f := newFixture(t)
	account := f.dueAccount(t, "acme")
	f.notifier.EXPECT().
		Send(gomock.Any(), "billing@acme.test", notifier.TemplateAccountSuspended, gomock.Any()).
		Return(nil).
		Times(1)

	f.Clock.Set(graceEnd().Add(15 * 24 * time.Hour))
	result, err := f.svc.EnforceGracePeriods(context.Background(), runmode.Live)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, result.Suspended)
	assert.Empty(t, result.Errors)

	updated := f.Account(t, account.ID)
	assert.Equal(t, accountdomain.StatusSuspended, updated.Status)
	assert.Nil(t, updated.GracePeriodEnd)

	logs, err := f.Audit.List(context.Background(), auditdomain.ListAuditLogRequest{
		BillingAccountID: account.ID,
		EventType:        auditdomain.EventAccountStatusChanged,
	})
	require.NoError(t, err)
	require.Len(t, logs.AuditLogs, 2)
	assert.Equal(t, domain.ReasonGraceExpired, logs.AuditLogs[0].Metadata["reason"])
	assert.Equal(t, string(accountdomain.StatusSuspended), logs.AuditLogs[0].Metadata["new_status"])

	again, err := f.svc.EnforceGracePeriods(context.Background(), runmode.Live)
	require.NoError(t, err)
	assert.Zero(t, again.Checked)
}

func TestEnforceBoundary(t *testing.T) {
	f := newFixture(t)
	account := f.dueAccount(t, "acme")
	f.notifier.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	for _, at := range []time.Time{graceEnd().Add(-time.Second), graceEnd()} {
		f.Clock.Set(at)
		result, err := f.svc.EnforceGracePeriods(context.Background(), runmode.Live)
		require.NoError(t, err)
		assert.Zero(t, result.Suspended, "at %s", at)
		assert.Equal(t, accountdomain.StatusDue, f.Account(t, account.ID).Status)
	}

	f.Clock.Set(graceEnd().Add(time.Second))
	result, err := f.svc.EnforceGracePeriods(context.Background(), runmode.Live)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Suspended)
	assert.Equal(t, accountdomain.StatusSuspended, f.Account(t, account.ID).Status)
}

func TestEnforceDryRun(t *testing.T) {
	f := newFixture(t)
	account := f.dueAccount(t, "acme")

	f.Clock.Set(graceEnd().Add(time.Hour))
	result, err := f.svc.EnforceGracePeriods(context.Background(), runmode.RunMode{DryRun: true})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.Suspended)
	assert.Equal(t, accountdomain.StatusDue, f.Account(t, account.ID).Status)
}

func TestEnforceNoticeFailureStillSuspends(t *testing.T) {
	f := newFixture(t)
	account := f.dueAccount(t, "acme")
	f.notifier.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("smtp down"))

	f.Clock.Set(graceEnd().Add(time.Hour))
	result, err := f.svc.EnforceGracePeriods(context.Background(), runmode.Live)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Suspended)
	assert.Empty(t, result.Errors)
	assert.Equal(t, accountdomain.StatusSuspended, f.Account(t, account.ID).Status)
}

func TestGraceDay(t *testing.T) {
	period := 14 * 24 * time.Hour
	end := graceEnd()
	assert.Equal(t, 0, graceDay(end, period, failedAt))
	assert.Equal(t, 0, graceDay(end, period, failedAt.Add(23*time.Hour)))
	assert.Equal(t, 1, graceDay(end, period, failedAt.Add(24*time.Hour)))
	assert.Equal(t, 13, graceDay(end, period, end.Add(-time.Hour)))
	assert.Equal(t, -1, graceDay(end, period, failedAt.Add(-time.Hour)))
}

func TestRemindersOncePerScheduledDay(t *testing.T) {
	f := newFixture(t)
	account := f.dueAccount(t, "acme")

	f.notifier.EXPECT().
		Send(gomock.Any(), "billing@acme.test", notifier.TemplateGraceReminder, gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, vars map[string]any) error {
			assert.Equal(t, 13, vars["days_left"])
			return nil
		}).
		Times(1)

	f.Clock.Set(failedAt.Add(25 * time.Hour))
	for i := 0; i < 2; i++ {
		result, err := f.svc.SendGracePeriodReminders(context.Background(), runmode.Live)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Processed)
		assert.Equal(t, 1-i, result.Sent)
	}

	record, err := f.Idempotency.Get(context.Background(), idempotencydomain.ScopeReminder, domain.ReminderKey(account.ID, failedAt.Add(25*time.Hour)))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.EqualValues(t, 1, f.AuditCount(t, account.ID, auditdomain.EventReminderSent))

	f.Clock.Set(failedAt.Add(3 * 24 * time.Hour))
	result, err := f.svc.SendGracePeriodReminders(context.Background(), runmode.Live)
	require.NoError(t, err)
	assert.Zero(t, result.Sent)
}

func TestRemindersResumeInLaterGracePeriod(t *testing.T) {
	f := newFixture(t)
	account := f.dueAccount(t, "acme")
	f.notifier.EXPECT().
		Send(gomock.Any(), "billing@acme.test", notifier.TemplateGraceReminder, gomock.Any()).
		Return(nil).
		Times(2)

	f.Clock.Set(failedAt.Add(25 * time.Hour))
	first, err := f.svc.SendGracePeriodReminders(context.Background(), runmode.Live)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Sent)

	paidAt := failedAt.Add(3 * 24 * time.Hour)
	f.Clock.Set(paidAt)
	_, err = f.Accounts.MarkPaymentSucceeded(context.Background(), account.ID, "", "Paid by wallet", paidAt, runmode.Live)
	require.NoError(t, err)

	refailedAt := failedAt.Add(5 * 24 * time.Hour)
	f.Clock.Set(refailedAt)
	transition, err := f.Accounts.MarkPaymentFailed(context.Background(), account.ID, "", "Wallet balance insufficient", refailedAt, runmode.Live)
	require.NoError(t, err)
	require.Equal(t, accountdomain.StatusDue, transition.To)

	f.Clock.Set(refailedAt.Add(25 * time.Hour))
	second, err := f.svc.SendGracePeriodReminders(context.Background(), runmode.Live)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Processed)
	assert.Equal(t, 1, second.Sent)
	assert.EqualValues(t, 2, f.AuditCount(t, account.ID, auditdomain.EventReminderSent))
}

func TestRemindersDryRunDoesNotSend(t *testing.T) {
	f := newFixture(t)
	f.dueAccount(t, "acme")

	f.Clock.Set(failedAt.Add(7*24*time.Hour + time.Minute))
	result, err := f.svc.SendGracePeriodReminders(context.Background(), runmode.RunMode{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.EqualValues(t, 0, dbtest.Count(t, f.DB, "idempotency_records", "scope = ?", "reminder"))
}

func TestReminderSendFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.dueAccount(t, "acme")
	f.notifier.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("smtp down")).Times(1)

	f.Clock.Set(failedAt.Add(13*24*time.Hour + time.Minute))
	result, err := f.svc.SendGracePeriodReminders(context.Background(), runmode.Live)
	require.NoError(t, err)
	assert.Zero(t, result.Sent)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "acme", result.Errors[0].TenantID)

	again, err := f.svc.SendGracePeriodReminders(context.Background(), runmode.Live)
	require.NoError(t, err)
	assert.Zero(t, again.Sent)
	assert.Empty(t, again.Errors)
}
