package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	"github.com/smallbiznis/settlement/internal/batch"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/gateway"
	idempotencydomain "github.com/smallbiznis/settlement/internal/idempotency/domain"
	"github.com/smallbiznis/settlement/internal/invariant"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	"github.com/smallbiznis/settlement/internal/lock"
	obscontext "github.com/smallbiznis/settlement/internal/observability/context"
	obslogger "github.com/smallbiznis/settlement/internal/observability/logger"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/internal/runmode"
	"github.com/smallbiznis/settlement/internal/settlement/domain"
	walletdomain "github.com/smallbiznis/settlement/internal/wallet/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Config      config.Config
	Accounts    accountdomain.Service
	Invoices    invoicedomain.Service
	Locks       *lock.Manager
	Wallet      walletdomain.Service
	Gateway     gateway.Gateway
	Idempotency idempotencydomain.Store
	Metrics     *metrics.EngineMetrics `optional:"true"`
	ObsMetrics  *metrics.Metrics       `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	clock       clock.Clock
	batch       batch.Options
	accounts    accountdomain.Service
	invoices    invoicedomain.Service
	locks       *lock.Manager
	wallet      walletdomain.Service
	gateway     gateway.Gateway
	idempotency idempotencydomain.Store
	metrics     *metrics.EngineMetrics
	obsMetrics  *metrics.Metrics
}

func NewService(p Params) domain.Service {
	gw := p.Gateway
	if gw == nil {
		gw = gateway.Disabled{}
	}
	return &Service{
		log:         p.Log.Named("settlement.service"),
		clock:       p.Clock,
		batch:       batch.OptionsFrom(p.Config.Scheduler),
		accounts:    p.Accounts,
		invoices:    p.Invoices,
		locks:       p.Locks,
		wallet:      p.Wallet,
		gateway:     gw,
		idempotency: p.Idempotency,
		metrics:     p.Metrics,
		obsMetrics:  p.ObsMetrics,
	}
}

// tenantOutcome is what one tenant contributed to a billing run.
type tenantOutcome struct {
	processed     bool
	created       bool
	alreadyLocked bool
	settle        *domain.SettleResult
	err           *domain.TenantError
}

func (s *Service) ProcessBillingCycle(ctx context.Context, mode runmode.RunMode) (result domain.CycleResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "settlement.process_billing_cycle", attribute.String("run_mode", mode.String()))
	defer func() { tracing.EndSpan(span, err) }()

	now := s.clock.Now().UTC()
	result = domain.CycleResult{DryRun: !mode.WritesEnabled(), Errors: []domain.TenantError{}}
	var mu sync.Mutex

	list := func(ctx context.Context, afterID snowflake.ID, limit int) ([]accountdomain.BillingAccount, error) {
		return s.accounts.ListCycleEnded(ctx, now, afterID, limit)
	}
	result.Truncated, err = batch.ForEach(ctx, s.batch, list, accountID, func(ctx context.Context, account accountdomain.BillingAccount) {
		outcome := s.processTenant(ctx, account, now, mode)

		mu.Lock()
		defer mu.Unlock()
		if outcome.processed {
			result.Processed++
		}
		if outcome.created {
			result.InvoicesCreated++
		}
		if outcome.alreadyLocked {
			result.AlreadyLocked++
		}
		if outcome.err != nil {
			result.Errors = append(result.Errors, *outcome.err)
		}
		if outcome.settle != nil {
			switch outcome.settle.Outcome {
			case domain.OutcomeSettled, domain.OutcomeZeroAmount:
				result.Settled++
			case domain.OutcomeInsufficientFunds, domain.OutcomeNoMethod:
				result.InsufficientBalance++
			case domain.OutcomeDeclined:
				result.Declined++
			case domain.OutcomePending:
				result.Pending++
			}
		}
	})

	s.log.Info("billing cycle run finished",
		zap.String("run_mode", mode.String()),
		zap.Int("processed", result.Processed),
		zap.Int("settled", result.Settled),
		zap.Int("insufficient_balance", result.InsufficientBalance),
		zap.Int("already_locked", result.AlreadyLocked),
		zap.Int("errors", len(result.Errors)),
		zap.Bool("truncated", result.Truncated),
	)
	return result, err
}

// processTenant closes the tenant's cycle under the cycle lock, then
// settles the invoice after the lock is released. Settlement is idempotent
// on its own key and does not need the lock.
func (s *Service) processTenant(ctx context.Context, account accountdomain.BillingAccount, now time.Time, mode runmode.RunMode) (out tenantOutcome) {
	ctx = obscontext.WithTenantID(ctx, account.TenantID)
	log := obslogger.WithContext(ctx, s.log).With(zap.String("account_id", account.ID.String()))

	closed, stage, err := s.closeCycle(ctx, log, account, now, mode)
	if err != nil {
		out.err = tenantError(log, account, closed.invoiceID(), stage, err)
		return out
	}
	if closed.skipped {
		out.alreadyLocked = true
		return out
	}
	out.processed = true
	out.created = closed.created

	settled, err := s.settle(ctx, *closed.account, *closed.invoice, mode, false)
	if err != nil {
		out.err = tenantError(log, account, closed.invoice.ID, domain.StageSettle, err)
		return out
	}
	out.settle = &settled
	return out
}

type closedCycle struct {
	account *accountdomain.BillingAccount
	invoice *invoicedomain.Invoice
	created bool
	skipped bool
}

func (c closedCycle) invoiceID() snowflake.ID {
	if c.invoice == nil {
		return 0
	}
	return c.invoice.ID
}

// closeCycle holds the cycle lock while generating the invoice and
// advancing the cycle. Losing the lock race, or finding the cycle already
// advanced, skips the tenant without error.
func (s *Service) closeCycle(ctx context.Context, log *zap.Logger, account accountdomain.BillingAccount, now time.Time, mode runmode.RunMode) (out closedCycle, stage string, err error) {
	if mode.WritesEnabled() {
		acquired := s.locks.Acquire(ctx, account.ID)
		if acquired.Err != nil {
			return out, domain.StageLock, acquired.Err
		}
		if !acquired.Success {
			log.Info("billing cycle already being processed")
			out.skipped = true
			return out, "", nil
		}
		defer func() {
			// Released even when the tenant deadline has passed.
			if err := s.locks.Release(context.WithoutCancel(ctx), account.ID); err != nil {
				log.Error("release cycle lock", zap.Error(err))
			}
		}()
	} else if account.IsCycleLocked {
		out.skipped = true
		return out, "", nil
	}

	// The page may be stale: another run can advance the cycle between
	// listing and locking.
	current, err := s.accounts.GetByID(ctx, account.ID)
	if err != nil {
		return out, domain.StageLoad, err
	}
	if err := invariant.EnsureCycleEnded(current.CycleStart, current.CycleEnd, now); err != nil {
		if errors.Is(err, invariant.ErrCycleNotEnded) {
			log.Info("billing cycle already advanced")
			out.skipped = true
			return out, "", nil
		}
		return out, domain.StageLoad, err
	}
	out.account = current

	generated, err := s.invoices.GenerateInvoice(ctx, current.ID, mode)
	if err != nil {
		return out, domain.StageInvoice, err
	}
	out.invoice = &generated.Invoice
	out.created = generated.Created
	if generated.Created {
		amount, _ := generated.Invoice.Amount.Float64()
		s.obsMetrics.RecordInvoiceGenerated(ctx, generated.Invoice.Currency, amount)
	}

	if _, err := s.accounts.AdvanceCycle(ctx, *current, mode); err != nil {
		if !errors.Is(err, accountdomain.ErrCycleChanged) {
			return out, domain.StageAdvance, err
		}
		log.Warn("billing cycle moved while locked", zap.Error(err))
	}
	return out, "", nil
}

func tenantError(log *zap.Logger, account accountdomain.BillingAccount, invoiceID snowflake.ID, stage string, err error) *domain.TenantError {
	log.Error("billing cycle failed for tenant", zap.String("stage", stage), zap.Error(err))
	return &domain.TenantError{
		TenantID:  account.TenantID,
		AccountID: account.ID,
		InvoiceID: invoiceID,
		Stage:     stage,
		Message:   err.Error(),
		Err:       err,
	}
}

func (s *Service) RetryPayment(ctx context.Context, invoiceID snowflake.ID, mode runmode.RunMode) (result domain.SettleResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "settlement.retry_payment", attribute.Int64("invoice_id", invoiceID.Int64()))
	defer func() { tracing.EndSpan(span, err) }()

	invoice, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return domain.SettleResult{}, err
	}
	if invoice.Status == invoicedomain.StatusDraft {
		return domain.SettleResult{}, domain.ErrInvoiceNotSettleable
	}
	account, err := s.accounts.GetByID(ctx, invoice.BillingAccountID)
	if err != nil {
		return domain.SettleResult{}, err
	}
	return s.settle(obscontext.WithTenantID(ctx, account.TenantID), *account, *invoice, mode, true)
}

func (s *Service) RetryDuePayments(ctx context.Context, mode runmode.RunMode) (result domain.RetryResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "settlement.retry_due_payments", attribute.String("run_mode", mode.String()))
	defer func() { tracing.EndSpan(span, err) }()

	result = domain.RetryResult{DryRun: !mode.WritesEnabled(), Errors: []domain.TenantError{}}
	var mu sync.Mutex

	result.Truncated, err = batch.ForEach(ctx, s.batch, s.invoices.ListRetryable, invoiceID, func(ctx context.Context, invoice invoicedomain.Invoice) {
		settled, err := s.RetryPayment(ctx, invoice.ID, mode)

		mu.Lock()
		defer mu.Unlock()
		result.Processed++
		if err != nil {
			s.log.Error("payment retry failed",
				zap.String("tenant_id", invoice.TenantID),
				zap.String("invoice_id", invoice.ID.String()),
				zap.Error(err),
			)
			result.Errors = append(result.Errors, domain.TenantError{
				TenantID:  invoice.TenantID,
				AccountID: invoice.BillingAccountID,
				InvoiceID: invoice.ID,
				Stage:     domain.StageSettle,
				Message:   err.Error(),
				Err:       err,
			})
			return
		}
		switch {
		case settled.Outcome == domain.OutcomeSettled || settled.Outcome == domain.OutcomeZeroAmount:
			result.Settled++
		case settled.Outcome.Failed():
			result.Failed++
			if settled.InvoiceStatus == invoicedomain.StatusFailed {
				result.Exhausted++
			}
		}
	})
	return result, err
}

func accountID(a accountdomain.BillingAccount) snowflake.ID { return a.ID }

func invoiceID(i invoicedomain.Invoice) snowflake.ID { return i.ID }
