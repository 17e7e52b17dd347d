package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	idempotencydomain "github.com/smallbiznis/settlement/internal/idempotency/domain"
	"github.com/smallbiznis/settlement/internal/invariant"
	"github.com/smallbiznis/settlement/internal/invoice/domain"
	invoiceformat "github.com/smallbiznis/settlement/internal/invoice/format"
	"github.com/smallbiznis/settlement/internal/invoice/render"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/internal/rating"
	"github.com/smallbiznis/settlement/internal/runmode"
	usagedomain "github.com/smallbiznis/settlement/internal/usage/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	BillingConfig *config.BillingConfigHolder
	Repo          domain.Repository
	Accounts      accountdomain.Repository
	Usage         usagedomain.Reader
	Idempotency   idempotencydomain.Store
	Audit         auditdomain.Service
	Invariants    *invariant.Reporter
	Renderer      render.Renderer `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         *config.BillingConfigHolder
	repo        domain.Repository
	accounts    accountdomain.Repository
	usage       usagedomain.Reader
	idempotency idempotencydomain.Store
	audit       auditdomain.Service
	invariants  *invariant.Reporter
	renderer    render.Renderer
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("invoice.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         p.BillingConfig,
		repo:        p.Repo,
		accounts:    p.Accounts,
		usage:       p.Usage,
		idempotency: p.Idempotency,
		audit:       p.Audit,
		invariants:  p.Invariants,
		renderer:    p.Renderer,
	}
}

// GenerateInvoice creates the single invoice of the account's current
// cycle. A second call for the same cycle returns the first invoice. The
// invoice row, its idempotency record and its audit entry commit together,
// and an invoice found without a record (written before a crash) gets its
// record backfilled.
func (s *Service) GenerateInvoice(ctx context.Context, accountID snowflake.ID, mode runmode.RunMode) (result domain.GenerateResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "invoice.generate", attribute.Int64("account_id", accountID.Int64()))
	defer func() { tracing.EndSpan(span, err) }()

	account, err := s.accounts.FindByID(ctx, s.db, accountID)
	if err != nil {
		return domain.GenerateResult{}, err
	}
	if account == nil {
		return domain.GenerateResult{}, domain.ErrInvalidAccount
	}
	key := domain.IdempotencyKey(account.ID, account.CycleStart, account.CycleEnd)

	record, err := s.idempotency.Get(ctx, idempotencydomain.ScopeInvoice, key)
	if err != nil {
		return domain.GenerateResult{}, err
	}
	existing, err := s.findExisting(ctx, account)
	if err != nil {
		return domain.GenerateResult{}, err
	}
	if existing != nil {
		if record == nil && mode.WritesEnabled() {
			if _, err := s.idempotency.Put(ctx, idempotencydomain.ScopeInvoice, key, existing.ID.String(), outcomeOf(existing)); err != nil {
				return domain.GenerateResult{}, err
			}
			s.log.Warn("backfilled invoice idempotency record",
				zap.String("tenant_id", account.TenantID),
				zap.String("invoice_id", existing.ID.String()),
			)
		}
		return domain.GenerateResult{Invoice: *existing, Persisted: true}, nil
	}
	if record != nil {
		return domain.GenerateResult{}, fmt.Errorf("%w: %s", domain.ErrIdempotencyOrphan, key)
	}

	cfg := s.cfg.Get()
	totals, err := s.usage.QueryUsage(ctx, account.TenantID, account.CycleStart, account.CycleEnd)
	if err != nil {
		return domain.GenerateResult{}, err
	}
	card, err := rating.NewRateCard(cfg.Rates)
	if err != nil {
		return domain.GenerateResult{}, err
	}
	breakdown, err := card.Price(totals)
	if err != nil {
		return domain.GenerateResult{}, err
	}

	now := s.clock.Now().UTC()
	invoice := domain.Invoice{
		ID:               s.genID.Generate(),
		BillingAccountID: account.ID,
		TenantID:         account.TenantID,
		CycleStart:       account.CycleStart.UTC(),
		CycleEnd:         account.CycleEnd.UTC(),
		UsageBreakdown:   datatypes.NewJSONType(breakdown),
		Amount:           breakdown.Total,
		Currency:         account.Currency,
		Status:           domain.StatusDue,
		DueDate:          now.Add(cfg.InvoiceDue()),
		RetryCount:       0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !mode.WritesEnabled() {
		invoice.InvoiceNumber, err = invoiceformat.FormatInvoiceNumber(invoiceformat.DefaultInvoiceNumberTemplate, account.TenantID, account.ID, account.CycleStart, 1)
		if err != nil {
			return domain.GenerateResult{}, err
		}
		return domain.GenerateResult{Invoice: invoice}, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		count, err := s.repo.CountByAccount(ctx, tx, account.ID)
		if err != nil {
			return err
		}
		invoice.InvoiceNumber, err = invoiceformat.FormatInvoiceNumber(invoiceformat.DefaultInvoiceNumberTemplate, account.TenantID, account.ID, account.CycleStart, count+1)
		if err != nil {
			return err
		}
		if err := s.repo.Insert(ctx, tx, &invoice); err != nil {
			return err
		}
		if _, err := s.idempotency.PutTx(ctx, tx, idempotencydomain.ScopeInvoice, key, invoice.ID.String(), outcomeOf(&invoice)); err != nil {
			return err
		}
		return s.audit.AppendTx(ctx, tx, auditdomain.Entry{
			BillingAccountID: account.ID,
			TenantID:         account.TenantID,
			EventType:        auditdomain.EventInvoiceGenerated,
			TargetType:       auditdomain.TargetInvoice,
			TargetID:         invoice.ID.String(),
			Metadata: map[string]any{
				"invoice_number": invoice.InvoiceNumber,
				"amount":         invoice.Amount.StringFixed(2),
				"currency":       invoice.Currency,
				"cycle_start":    invoice.CycleStart.Format(time.RFC3339),
				"cycle_end":      invoice.CycleEnd.Format(time.RFC3339),
			},
		})
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Only an invoice already stored for this cycle means we lost a
			// race. Any other unique conflict is a real error.
			existing, findErr := s.findExisting(ctx, account)
			if findErr != nil {
				return domain.GenerateResult{}, findErr
			}
			if existing != nil {
				return domain.GenerateResult{Invoice: *existing, Persisted: true}, nil
			}
			return domain.GenerateResult{}, fmt.Errorf("%w: %s: %v", domain.ErrInvoiceConflict, invoice.InvoiceNumber, err)
		}
		return domain.GenerateResult{}, err
	}

	s.log.Info("generated invoice",
		zap.String("tenant_id", account.TenantID),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("amount", invoice.Amount.StringFixed(2)),
	)
	return domain.GenerateResult{Invoice: invoice, Created: true, Persisted: true}, nil
}

// findExisting applies the account+cycle fallback lookup. More than one
// invoice for a cycle breaks the core invariant of the engine.
func (s *Service) findExisting(ctx context.Context, account *accountdomain.BillingAccount) (*domain.Invoice, error) {
	invoices, err := s.repo.FindByCycle(ctx, s.db, account.ID, account.CycleStart, account.CycleEnd)
	if err != nil {
		return nil, err
	}
	switch len(invoices) {
	case 0:
		return nil, nil
	case 1:
		return &invoices[0], nil
	}

	ids := make([]string, 0, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.ID.String())
	}
	if err := s.invariants.Violation("multiple invoices for one billing cycle",
		zap.String("tenant_id", account.TenantID),
		zap.Strings("invoice_ids", ids),
		zap.Time("cycle_start", account.CycleStart),
		zap.Time("cycle_end", account.CycleEnd),
	); err != nil {
		return nil, err
	}
	return &invoices[0], nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Invoice, error) {
	if id == 0 {
		return nil, domain.ErrInvalidInvoiceID
	}
	invoice, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) List(ctx context.Context, req domain.ListInvoiceRequest) (domain.ListInvoiceResponse, error) {
	if req.BillingAccountID == 0 {
		return domain.ListInvoiceResponse{}, domain.ErrInvalidAccount
	}
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListInvoiceResponse{}, err
	}
	limit := req.Limit()

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		BillingAccountID: req.BillingAccountID,
		Status:           req.Status,
		Cursor:           cursor,
		Limit:            limit,
	})
	if err != nil {
		return domain.ListInvoiceResponse{}, err
	}

	page, info := pagination.BuildCursorPage(items, limit, func(inv domain.Invoice) pagination.Cursor {
		return pagination.Cursor{ID: inv.ID.Int64(), CreatedAt: inv.CreatedAt}
	})
	return domain.ListInvoiceResponse{PageInfo: info, Invoices: page}, nil
}

func (s *Service) MarkPaid(ctx context.Context, req domain.MarkPaidRequest) (bool, error) {
	if !req.Mode.WritesEnabled() {
		return false, nil
	}
	paidAt := req.PaidAt.UTC()
	if req.PaidAt.IsZero() {
		paidAt = s.clock.Now().UTC()
	}

	updated := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindByID(ctx, tx, req.InvoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return domain.ErrInvoiceNotFound
		}
		updated, err = s.repo.MarkPaid(ctx, tx, domain.PaidUpdate{
			ID:        invoice.ID,
			Method:    req.Method,
			Reference: req.Reference,
			PaidAt:    paidAt,
		})
		if err != nil || !updated {
			return err
		}
		return s.audit.AppendTx(ctx, tx, auditdomain.Entry{
			BillingAccountID: invoice.BillingAccountID,
			TenantID:         invoice.TenantID,
			EventType:        auditdomain.EventInvoicePaid,
			TargetType:       auditdomain.TargetInvoice,
			TargetID:         invoice.ID.String(),
			Metadata: map[string]any{
				"old_status":        string(invoice.Status),
				"settlement_method": string(req.Method),
				"settlement_ref":    req.Reference,
				"reason":            req.Reason,
			},
		})
	})
	return updated, err
}

func (s *Service) RecordPaymentFailure(ctx context.Context, req domain.RecordFailureRequest) (*domain.Invoice, error) {
	at := req.At.UTC()
	if req.At.IsZero() {
		at = s.clock.Now().UTC()
	}
	maxRetries := s.cfg.Get().MaxSettlementRetries

	var out *domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindByID(ctx, tx, req.InvoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return domain.ErrInvoiceNotFound
		}
		out = invoice
		if !req.Mode.WritesEnabled() || invoice.Status != domain.StatusDue {
			return nil
		}

		updated, err := s.repo.RecordFailure(ctx, tx, domain.FailureUpdate{
			ID:         invoice.ID,
			Reason:     req.Reason,
			AttemptAt:  at,
			MaxRetries: maxRetries,
		})
		if err != nil || !updated {
			return err
		}
		out, err = s.repo.FindByID(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}

		eventType := auditdomain.EventInvoicePaymentFailed
		if out.Status == domain.StatusFailed {
			eventType = auditdomain.EventInvoiceFailed
		}
		return s.audit.AppendTx(ctx, tx, auditdomain.Entry{
			BillingAccountID: out.BillingAccountID,
			TenantID:         out.TenantID,
			EventType:        eventType,
			TargetType:       auditdomain.TargetInvoice,
			TargetID:         out.ID.String(),
			Metadata: map[string]any{
				"reason":      req.Reason,
				"retry_count": strconv.Itoa(out.RetryCount),
				"max_retries": strconv.Itoa(maxRetries),
				"status":      string(out.Status),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if out.Status == domain.StatusFailed {
		s.log.Warn("invoice retries exhausted",
			zap.String("tenant_id", out.TenantID),
			zap.String("invoice_id", out.ID.String()),
			zap.Int("retry_count", out.RetryCount),
		)
	}
	return out, nil
}

func (s *Service) TouchAttempt(ctx context.Context, id snowflake.ID, at time.Time) error {
	return s.repo.TouchAttempt(ctx, s.db, id, at.UTC())
}

func (s *Service) ListRetryable(ctx context.Context, afterID snowflake.ID, limit int) ([]domain.Invoice, error) {
	return s.repo.ListRetryable(ctx, s.db, afterID, limit)
}

func (s *Service) RenderPDF(ctx context.Context, id snowflake.ID) ([]byte, error) {
	if s.renderer == nil {
		return nil, domain.ErrRendererNotEnabled
	}
	invoice, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.renderer.RenderPDF(*invoice)
}

func outcomeOf(invoice *domain.Invoice) map[string]any {
	return map[string]any{
		"invoice_id":     invoice.ID.String(),
		"invoice_number": invoice.InvoiceNumber,
		"amount":         invoice.Amount.StringFixed(2),
	}
}
