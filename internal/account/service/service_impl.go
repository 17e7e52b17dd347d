package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/internal/runmode"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// A status CAS only loses to another transition of the same account, so a
// handful of re-reads always converges.
const maxTransitionAttempts = 3

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	BillingConfig *config.BillingConfigHolder
	Repo          accountdomain.Repository
	Audit         auditdomain.Service
	Metrics       *metrics.EngineMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     *config.BillingConfigHolder
	repo    accountdomain.Repository
	audit   auditdomain.Service
	metrics *metrics.EngineMetrics
}

func NewService(p Params) accountdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("account.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.BillingConfig,
		repo:    p.Repo,
		audit:   p.Audit,
		metrics: p.Metrics,
	}
}

func (s *Service) Onboard(ctx context.Context, req accountdomain.OnboardRequest) (*accountdomain.BillingAccount, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, accountdomain.ErrInvalidTenant
	}
	cfg := s.cfg.Get()
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = cfg.Currency
	}

	now := s.clock.Now().UTC().Truncate(time.Second)
	account := accountdomain.BillingAccount{
		ID:                s.genID.Generate(),
		TenantID:          tenantID,
		TenantType:        req.TenantType,
		DisplayName:       strings.TrimSpace(req.DisplayName),
		NotificationEmail: strings.TrimSpace(req.NotificationEmail),
		Status:            accountdomain.StatusActive,
		Currency:          currency,
		CycleStart:        now,
		CycleEnd:          cfg.Period().Next(now),
		WalletID:          strings.TrimSpace(req.WalletID),
		MandateStatus:     accountdomain.MandateNone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var created *accountdomain.BillingAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.Insert(ctx, tx, &account)
		if err != nil {
			return err
		}
		created, err = s.repo.FindByTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if created == nil {
			return accountdomain.ErrAccountNotFound
		}
		if !inserted {
			return nil
		}
		return s.audit.AppendTx(ctx, tx, auditdomain.Entry{
			BillingAccountID: created.ID,
			TenantID:         created.TenantID,
			EventType:        auditdomain.EventAccountOnboarded,
			TargetType:       auditdomain.TargetAccount,
			TargetID:         created.ID.String(),
			Metadata: map[string]any{
				"tenant_type": string(created.TenantType),
				"cycle_start": created.CycleStart.Format(time.RFC3339),
				"cycle_end":   created.CycleEnd.Format(time.RFC3339),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*accountdomain.BillingAccount, error) {
	account, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) GetByTenant(ctx context.Context, tenantID string) (*accountdomain.BillingAccount, error) {
	account, err := s.repo.FindByTenant(ctx, s.db, strings.TrimSpace(tenantID))
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) MarkPaymentFailed(ctx context.Context, accountID snowflake.ID, invoiceID, reason string, at time.Time, mode runmode.RunMode) (accountdomain.TransitionResult, error) {
	return s.Transition(ctx, accountdomain.TransitionRequest{
		AccountID: accountID,
		Trigger:   accountdomain.TriggerPaymentFailed,
		Reason:    reason,
		At:        at,
		InvoiceID: invoiceID,
		Mode:      mode,
	})
}

func (s *Service) MarkPaymentSucceeded(ctx context.Context, accountID snowflake.ID, invoiceID, reason string, at time.Time, mode runmode.RunMode) (accountdomain.TransitionResult, error) {
	return s.Transition(ctx, accountdomain.TransitionRequest{
		AccountID: accountID,
		Trigger:   accountdomain.TriggerPaymentSucceeded,
		Reason:    reason,
		At:        at,
		InvoiceID: invoiceID,
		Mode:      mode,
	})
}

func (s *Service) Suspend(ctx context.Context, accountID snowflake.ID, reason string, mode runmode.RunMode) (accountdomain.TransitionResult, error) {
	return s.Transition(ctx, accountdomain.TransitionRequest{
		AccountID: accountID,
		Trigger:   accountdomain.TriggerGraceExpired,
		Reason:    reason,
		Mode:      mode,
	})
}

// Transition evaluates req.Trigger against the stored status and applies
// the result with a status compare-and-set. The status change and its
// audit entry commit together.
func (s *Service) Transition(ctx context.Context, req accountdomain.TransitionRequest) (result accountdomain.TransitionResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "account.transition",
		attribute.String("trigger", string(req.Trigger)),
		attribute.Int64("account_id", req.AccountID.Int64()),
	)
	defer func() { tracing.EndSpan(span, err) }()

	now := s.clock.Now().UTC()
	at := req.At.UTC()
	if req.At.IsZero() {
		at = now
	}
	gracePeriod := s.cfg.Get().GracePeriod()

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		var retry bool
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			account, err := s.repo.FindByID(ctx, tx, req.AccountID)
			if err != nil {
				return err
			}
			if account == nil {
				return accountdomain.ErrAccountNotFound
			}

			to, outcome := accountdomain.NextStatus(account.Status, req.Trigger)
			result = accountdomain.TransitionResult{
				From:           account.Status,
				To:             to,
				Outcome:        outcome,
				GracePeriodEnd: account.GracePeriodEnd,
			}

			switch outcome {
			case accountdomain.OutcomeReject:
				s.log.Warn("rejected account transition",
					zap.String("tenant_id", account.TenantID),
					zap.String("status", string(account.Status)),
					zap.String("trigger", string(req.Trigger)),
					zap.String("reason", req.Reason),
				)
				return nil
			case accountdomain.OutcomeNoop:
				if !req.Mode.WritesEnabled() {
					return nil
				}
				paidAt, failedAt := paymentTimestamps(req.Trigger, at)
				if paidAt == nil && failedAt == nil {
					return nil
				}
				return s.repo.TouchPaymentTimestamps(ctx, tx, account.ID, paidAt, failedAt, now)
			}

			var graceEnd *time.Time
			if to == accountdomain.StatusDue {
				end := at.Add(gracePeriod)
				graceEnd = &end
			}
			result.GracePeriodEnd = graceEnd

			if !req.Mode.WritesEnabled() {
				return nil
			}

			paidAt, failedAt := paymentTimestamps(req.Trigger, at)
			updated, err := s.repo.UpdateStatus(ctx, tx, accountdomain.StatusUpdate{
				ID:                  account.ID,
				From:                account.Status,
				To:                  to,
				GracePeriodEnd:      graceEnd,
				LastPaymentAt:       paidAt,
				LastPaymentFailedAt: failedAt,
				UpdatedAt:           now,
			})
			if err != nil {
				return err
			}
			if !updated {
				retry = true
				return nil
			}

			metadata := map[string]any{
				"old_status": string(account.Status),
				"new_status": string(to),
				"reason":     req.Reason,
				"trigger":    string(req.Trigger),
			}
			if req.InvoiceID != "" {
				metadata["invoice_id"] = req.InvoiceID
			}
			if graceEnd != nil {
				metadata["grace_period_end"] = graceEnd.Format(time.RFC3339)
			}
			if err := s.audit.AppendTx(ctx, tx, auditdomain.Entry{
				BillingAccountID: account.ID,
				TenantID:         account.TenantID,
				EventType:        auditdomain.EventAccountStatusChanged,
				TargetType:       auditdomain.TargetAccount,
				TargetID:         account.ID.String(),
				Metadata:         metadata,
			}); err != nil {
				return err
			}
			result.Applied = true
			return nil
		})
		if err != nil {
			return accountdomain.TransitionResult{}, err
		}
		if !retry {
			if result.Applied {
				s.metrics.IncAccountTransition(string(result.From), string(result.To))
				s.log.Info("account transitioned",
					zap.Int64("account_id", req.AccountID.Int64()),
					zap.String("from", string(result.From)),
					zap.String("to", string(result.To)),
					zap.String("reason", req.Reason),
				)
			}
			return result, nil
		}
	}
	return accountdomain.TransitionResult{}, fmt.Errorf("transition %s: %w", req.Trigger, accountdomain.ErrConcurrentUpdate)
}

func paymentTimestamps(trigger accountdomain.Trigger, at time.Time) (*time.Time, *time.Time) {
	switch trigger {
	case accountdomain.TriggerPaymentSucceeded:
		return &at, nil
	case accountdomain.TriggerPaymentFailed:
		return nil, &at
	default:
		return nil, nil
	}
}

func (s *Service) AdvanceCycle(ctx context.Context, account accountdomain.BillingAccount, mode runmode.RunMode) (*accountdomain.BillingAccount, error) {
	next := account
	next.CycleStart = account.CycleEnd
	next.CycleEnd = s.cfg.Get().Period().Next(account.CycleEnd)
	if !mode.WritesEnabled() {
		return &next, nil
	}

	updated, err := s.repo.AdvanceCycle(ctx, s.db, accountdomain.CycleUpdate{
		ID:            account.ID,
		ExpectedStart: account.CycleStart.UTC(),
		ExpectedEnd:   account.CycleEnd.UTC(),
		NewStart:      next.CycleStart.UTC(),
		NewEnd:        next.CycleEnd.UTC(),
		UpdatedAt:     s.clock.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, accountdomain.ErrCycleChanged
	}
	return &next, nil
}

func (s *Service) UpdateMandate(ctx context.Context, req accountdomain.UpdateMandateRequest) error {
	switch req.Status {
	case accountdomain.MandatePending, accountdomain.MandateConfirmed, accountdomain.MandateRejected, accountdomain.MandateNone:
	default:
		return accountdomain.ErrInvalidMandate
	}
	if !req.Mode.WritesEnabled() {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.FindByID(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return accountdomain.ErrAccountNotFound
		}
		if account.MandateStatus == req.Status && (req.PaymentMethodRef == "" || req.PaymentMethodRef == account.PaymentMethodRef) {
			return nil
		}
		if err := s.repo.UpdateMandate(ctx, tx, account.ID, req.Status, strings.TrimSpace(req.PaymentMethodRef), s.clock.Now().UTC()); err != nil {
			return err
		}
		return s.audit.AppendTx(ctx, tx, auditdomain.Entry{
			BillingAccountID: account.ID,
			TenantID:         account.TenantID,
			EventType:        auditdomain.EventAccountMandate,
			TargetType:       auditdomain.TargetAccount,
			TargetID:         account.ID.String(),
			Metadata: map[string]any{
				"old_mandate_status": string(account.MandateStatus),
				"new_mandate_status": string(req.Status),
				"payment_method_ref": req.PaymentMethodRef,
				"reason":             req.Reason,
			},
		})
	})
}

func (s *Service) ListCycleEnded(ctx context.Context, now time.Time, afterID snowflake.ID, limit int) ([]accountdomain.BillingAccount, error) {
	return s.repo.ListCycleEnded(ctx, s.db, now, afterID, limit)
}

func (s *Service) ListGraceExpired(ctx context.Context, now time.Time, afterID snowflake.ID, limit int) ([]accountdomain.BillingAccount, error) {
	return s.repo.ListGraceExpired(ctx, s.db, now, afterID, limit)
}

func (s *Service) ListInGrace(ctx context.Context, afterID snowflake.ID, limit int) ([]accountdomain.BillingAccount, error) {
	return s.repo.ListInGrace(ctx, s.db, afterID, limit)
}
