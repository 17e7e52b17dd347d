package service

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/batch"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/grace/domain"
	idempotencydomain "github.com/smallbiznis/settlement/internal/idempotency/domain"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	"github.com/smallbiznis/settlement/internal/notifier"
	obscontext "github.com/smallbiznis/settlement/internal/observability/context"
	obslogger "github.com/smallbiznis/settlement/internal/observability/logger"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/internal/runmode"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Config        config.Config
	BillingConfig *config.BillingConfigHolder
	Accounts      accountdomain.Service
	Invoices      invoicedomain.Service
	Idempotency   idempotencydomain.Store
	Audit         auditdomain.Service
	Notifier      notifier.Notifier
	ObsMetrics    *metrics.Metrics `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	clock       clock.Clock
	batch       batch.Options
	cfg         *config.BillingConfigHolder
	accounts    accountdomain.Service
	invoices    invoicedomain.Service
	idempotency idempotencydomain.Store
	audit       auditdomain.Service
	notifier    notifier.Notifier
	obsMetrics  *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:         p.Log.Named("grace.service"),
		clock:       p.Clock,
		batch:       batch.OptionsFrom(p.Config.Scheduler),
		cfg:         p.BillingConfig,
		accounts:    p.Accounts,
		invoices:    p.Invoices,
		idempotency: p.Idempotency,
		audit:       p.Audit,
		notifier:    p.Notifier,
		obsMetrics:  p.ObsMetrics,
	}
}

func accountID(a accountdomain.BillingAccount) snowflake.ID { return a.ID }

func (s *Service) EnforceGracePeriods(ctx context.Context, mode runmode.RunMode) (result domain.EnforceResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "grace.enforce", attribute.String("run_mode", mode.String()))
	defer func() { tracing.EndSpan(span, err) }()

	now := s.clock.Now().UTC()
	result = domain.EnforceResult{DryRun: !mode.WritesEnabled(), Errors: []domain.AccountError{}}
	var mu sync.Mutex

	list := func(ctx context.Context, afterID snowflake.ID, limit int) ([]accountdomain.BillingAccount, error) {
		return s.accounts.ListGraceExpired(ctx, now, afterID, limit)
	}
	result.Truncated, err = batch.ForEach(ctx, s.batch, list, accountID, func(ctx context.Context, account accountdomain.BillingAccount) {
		suspended, err := s.suspend(ctx, account, now, mode)

		mu.Lock()
		defer mu.Unlock()
		result.Checked++
		if err != nil {
			result.Errors = append(result.Errors, s.accountError(account, "suspend", err))
			return
		}
		if suspended {
			result.Suspended++
		}
	})

	s.log.Info("grace enforcement finished",
		zap.String("run_mode", mode.String()),
		zap.Int("checked", result.Checked),
		zap.Int("suspended", result.Suspended),
		zap.Int("errors", len(result.Errors)),
		zap.Bool("truncated", result.Truncated),
	)
	return result, err
}

// suspend reports whether the account was (or in a dry run would be)
// moved to SUSPENDED.
func (s *Service) suspend(ctx context.Context, account accountdomain.BillingAccount, now time.Time, mode runmode.RunMode) (bool, error) {
	ctx = obscontext.WithTenantID(ctx, account.TenantID)
	transition, err := s.accounts.Suspend(ctx, account.ID, domain.ReasonGraceExpired, mode)
	if err != nil {
		return false, err
	}
	if transition.Outcome != accountdomain.OutcomeApply {
		return false, nil
	}
	if !transition.Applied {
		return !mode.WritesEnabled(), nil
	}

	s.obsMetrics.RecordSuspension(ctx, string(account.TenantType))
	if account.NotificationEmail != "" {
		err := s.notifier.Send(ctx, account.NotificationEmail, notifier.TemplateAccountSuspended, map[string]any{
			"display_name": displayName(account),
			"suspended_at": now.Format("2 January 2006"),
		})
		if err != nil {
			obslogger.WithContext(ctx, s.log).Warn("suspension notice not sent", zap.Error(err))
		}
	}
	return true, nil
}

func (s *Service) SendGracePeriodReminders(ctx context.Context, mode runmode.RunMode) (result domain.ReminderResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "grace.reminders", attribute.String("run_mode", mode.String()))
	defer func() { tracing.EndSpan(span, err) }()

	now := s.clock.Now().UTC()
	cfg := s.cfg.Get()
	result = domain.ReminderResult{DryRun: !mode.WritesEnabled(), Errors: []domain.AccountError{}}
	var mu sync.Mutex

	result.Truncated, err = batch.ForEach(ctx, s.batch, s.accounts.ListInGrace, accountID, func(ctx context.Context, account accountdomain.BillingAccount) {
		sent, err := s.remind(ctx, account, cfg, now, mode)

		mu.Lock()
		defer mu.Unlock()
		result.Processed++
		if err != nil {
			result.Errors = append(result.Errors, s.accountError(account, "remind", err))
			return
		}
		if sent {
			result.Sent++
		}
	})

	s.log.Info("grace reminders finished",
		zap.String("run_mode", mode.String()),
		zap.Int("processed", result.Processed),
		zap.Int("sent", result.Sent),
		zap.Int("errors", len(result.Errors)),
	)
	return result, err
}

// graceDay is the number of whole days since the grace period started.
func graceDay(graceEnd time.Time, gracePeriod time.Duration, now time.Time) int {
	start := graceEnd.Add(-gracePeriod)
	return int(math.Floor(float64(now.Sub(start)) / float64(day)))
}

// remind claims the reminder key before sending so concurrent runs on the
// same day cannot both notify. A failed send is not retried that day.
func (s *Service) remind(ctx context.Context, account accountdomain.BillingAccount, cfg config.BillingConfig, now time.Time, mode runmode.RunMode) (bool, error) {
	if account.GracePeriodEnd == nil {
		return false, nil
	}
	ctx = obscontext.WithTenantID(ctx, account.TenantID)
	log := obslogger.WithContext(ctx, s.log).With(zap.String("account_id", account.ID.String()))

	graceEnd := account.GracePeriodEnd.UTC()
	dayNo := graceDay(graceEnd, cfg.GracePeriod(), now)
	if !slices.Contains(cfg.ReminderDays, dayNo) {
		return false, nil
	}
	if account.NotificationEmail == "" {
		log.Warn("grace reminder skipped, no notification email", zap.Int("day", dayNo))
		return false, nil
	}

	key := domain.ReminderKey(account.ID, now)
	existing, err := s.idempotency.Get(ctx, idempotencydomain.ScopeReminder, key)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if !mode.WritesEnabled() {
		return true, nil
	}

	claimed, err := s.idempotency.Put(ctx, idempotencydomain.ScopeReminder, key, account.ID.String(), map[string]any{
		"day":              dayNo,
		"grace_period_end": graceEnd.Format(time.RFC3339),
	})
	if err != nil || !claimed {
		return false, err
	}

	invoiceNumber, err := s.latestDueInvoice(ctx, account.ID)
	if err != nil {
		log.Warn("grace reminder without invoice number", zap.Error(err))
	}
	daysLeft := int(math.Ceil(float64(graceEnd.Sub(now)) / float64(day)))
	if err := s.notifier.Send(ctx, account.NotificationEmail, notifier.TemplateGraceReminder, map[string]any{
		"display_name":     displayName(account),
		"invoice_number":   invoiceNumber,
		"grace_period_end": graceEnd.Format("2 January 2006"),
		"days_left":        daysLeft,
	}); err != nil {
		return false, err
	}

	if err := s.audit.Append(ctx, auditdomain.Entry{
		BillingAccountID: account.ID,
		TenantID:         account.TenantID,
		EventType:        auditdomain.EventReminderSent,
		TargetType:       auditdomain.TargetAccount,
		TargetID:         account.ID.String(),
		Metadata: map[string]any{
			"day":              dayNo,
			"grace_period_end": graceEnd.Format(time.RFC3339),
			"invoice_number":   invoiceNumber,
		},
	}); err != nil {
		log.Error("audit reminder", zap.Error(err))
	}
	s.obsMetrics.RecordReminderSent(ctx, dayNo)
	log.Info("grace reminder sent", zap.Int("day", dayNo), zap.Int("days_left", daysLeft))
	return true, nil
}

func (s *Service) latestDueInvoice(ctx context.Context, accountID snowflake.ID) (string, error) {
	page, err := s.invoices.List(ctx, invoicedomain.ListInvoiceRequest{
		Pagination:       pagination.Pagination{PageSize: 1},
		BillingAccountID: accountID,
		Status:           invoicedomain.StatusDue,
	})
	if err != nil || len(page.Invoices) == 0 {
		return "", err
	}
	return page.Invoices[0].InvoiceNumber, nil
}

func (s *Service) accountError(account accountdomain.BillingAccount, op string, err error) domain.AccountError {
	s.log.Error("grace "+op+" failed",
		zap.String("tenant_id", account.TenantID),
		zap.String("account_id", account.ID.String()),
		zap.Error(err),
	)
	return domain.AccountError{
		TenantID:  account.TenantID,
		AccountID: account.ID,
		Message:   err.Error(),
		Err:       err,
	}
}

func displayName(account accountdomain.BillingAccount) string {
	if account.DisplayName != "" {
		return account.DisplayName
	}
	return account.TenantID
}
