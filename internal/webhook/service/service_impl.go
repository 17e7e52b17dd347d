package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	idempotencydomain "github.com/smallbiznis/settlement/internal/idempotency/domain"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	obscontext "github.com/smallbiznis/settlement/internal/observability/context"
	obslogger "github.com/smallbiznis/settlement/internal/observability/logger"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/internal/webhook/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// claimTimeout is how long an unfinished claim blocks redeliveries before a
// new delivery may take the event over.
const claimTimeout = 5 * time.Minute

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Config      config.Config
	Repo        domain.Repository
	Accounts    accountdomain.Service
	Invoices    invoicedomain.Service
	Idempotency idempotencydomain.Store
	Metrics     *metrics.EngineMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	secret      string
	repo        domain.Repository
	accounts    accountdomain.Service
	invoices    invoicedomain.Service
	idempotency idempotencydomain.Store
	metrics     *metrics.EngineMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("webhook.service"),
		clock:       p.Clock,
		secret:      strings.TrimSpace(p.Config.WebhookSecret),
		repo:        p.Repo,
		accounts:    p.Accounts,
		invoices:    p.Invoices,
		idempotency: p.Idempotency,
		metrics:     p.Metrics,
	}
}

type handlerFunc func(ctx context.Context, event domain.Event, entity domain.Entity) error

func (s *Service) handler(eventType string) handlerFunc {
	switch eventType {
	case domain.EventPaymentCaptured:
		return s.paymentCaptured
	case domain.EventPaymentFailed:
		return s.paymentFailed
	case domain.EventMandateConfirmed, domain.EventTokenConfirmed:
		return s.mandateUpdated(accountdomain.MandateConfirmed)
	case domain.EventMandateRejected:
		return s.mandateUpdated(accountdomain.MandateRejected)
	default:
		return nil
	}
}

func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signature string) (outcome domain.Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "webhook.handle")
	defer func() { tracing.EndSpan(span, err) }()

	if err := domain.VerifySignature(s.secret, rawBody, signature); err != nil {
		obslogger.SecurityEvent(obslogger.WithContext(ctx, s.log), "webhook signature rejected", zap.Error(err))
		s.metrics.IncWebhookEvent("unknown", "unauthorized")
		return domain.Outcome{}, err
	}

	var event domain.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		s.metrics.IncWebhookEvent("unknown", "malformed")
		return domain.Outcome{}, domain.ErrInvalidPayload
	}
	event.EventType = strings.TrimSpace(event.EventType)
	var entity domain.Entity
	if len(event.EntityPayload) > 0 {
		if err := json.Unmarshal(event.EntityPayload, &entity); err != nil {
			s.metrics.IncWebhookEvent(event.EventType, "malformed")
			return domain.Outcome{}, domain.ErrInvalidPayload
		}
	}
	if event.EventType == "" || event.Timestamp() == "" {
		s.metrics.IncWebhookEvent("unknown", "malformed")
		return domain.Outcome{}, domain.ErrInvalidPayload
	}

	entityID := entity.ID
	if entityID == "" {
		entityID = entity.InvoiceID + entity.TenantID
	}
	outcome = domain.Outcome{
		EventID:   domain.EventID(event.EventType, event.Timestamp(), entityID),
		EventType: event.EventType,
	}
	span.SetAttributes(attribute.String("event_type", event.EventType), attribute.String("event_id", outcome.EventID))
	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("event_id", outcome.EventID),
		zap.String("event_type", event.EventType),
	)

	outcome.Status, err = s.process(ctx, log, event, entity, rawBody, outcome.EventID)
	if err != nil {
		// Durably recorded; the gateway must not redeliver because of us.
		log.Error("webhook processing failed", zap.Error(err))
		outcome.Status = domain.StatusFailed
	}
	s.metrics.IncWebhookEvent(event.EventType, string(outcome.Status))
	return outcome, nil
}

func (s *Service) process(ctx context.Context, log *zap.Logger, event domain.Event, entity domain.Entity, rawBody []byte, eventID string) (domain.Status, error) {
	existing, err := s.idempotency.Get(ctx, idempotencydomain.ScopeWebhook, eventID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		log.Info("duplicate webhook delivery")
		return domain.StatusDuplicate, nil
	}

	now := s.clock.Now().UTC()
	claimed, err := s.claim(ctx, &domain.Record{
		EventID:    eventID,
		EventType:  event.EventType,
		Payload:    datatypes.JSON(rawBody),
		ReceivedAt: now,
	})
	if err != nil {
		return "", err
	}
	if !claimed {
		record, err := s.repo.Find(ctx, s.db, eventID)
		if err != nil {
			return "", err
		}
		if record != nil && record.ProcessedAt == nil {
			log.Info("webhook delivery already in flight")
		} else {
			log.Info("duplicate webhook delivery")
		}
		return domain.StatusDuplicate, nil
	}

	status := domain.StatusProcessed
	if handle := s.handler(event.EventType); handle != nil {
		if err := handle(ctx, event, entity); err != nil {
			if recErr := s.repo.RecordError(ctx, s.db, eventID, err.Error()); recErr != nil {
				log.Error("record webhook error", zap.Error(recErr))
			}
			return "", err
		}
	} else {
		log.Info("ignoring unknown webhook event type")
		status = domain.StatusIgnored
	}

	if _, err := s.idempotency.Put(ctx, idempotencydomain.ScopeWebhook, eventID, entity.ID, map[string]any{
		"event_type": event.EventType,
		"status":     string(status),
	}); err != nil {
		return "", err
	}
	if err := s.repo.MarkProcessed(ctx, s.db, eventID, now); err != nil {
		return "", err
	}
	return status, nil
}

// claim makes this delivery the only one applying the event: either it
// inserts the event row, or it takes over a row whose last attempt failed
// or stalled.
func (s *Service) claim(ctx context.Context, record *domain.Record) (bool, error) {
	inserted, err := s.repo.Insert(ctx, s.db, record)
	if err != nil || inserted {
		return inserted, err
	}
	return s.repo.Reclaim(ctx, s.db, record.EventID, record.ReceivedAt, record.ReceivedAt.Add(-claimTimeout))
}

func (s *Service) occurredAt(event domain.Event) time.Time {
	if at, ok := event.OccurredAt(); ok {
		return at
	}
	return s.clock.Now().UTC()
}

func (s *Service) invoiceFor(ctx context.Context, entity domain.Entity) (*invoicedomain.Invoice, *accountdomain.BillingAccount, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(entity.InvoiceID))
	if err != nil || id == 0 {
		return nil, nil, domain.ErrUnknownInvoice
	}
	invoice, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
			return nil, nil, domain.ErrUnknownInvoice
		}
		return nil, nil, err
	}
	account, err := s.accounts.GetByID(obscontext.WithTenantID(ctx, invoice.TenantID), invoice.BillingAccountID)
	if err != nil {
		return nil, nil, err
	}
	return invoice, account, nil
}
