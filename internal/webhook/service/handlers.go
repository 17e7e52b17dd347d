package service

import (
	"context"
	"errors"
	"strings"

	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	"github.com/smallbiznis/settlement/internal/runmode"
	"github.com/smallbiznis/settlement/internal/webhook/domain"
	"go.uber.org/zap"
)

// Handlers touch invoice payment fields and account status or mandate
// fields only. Usage data is never read or written here.

// paymentCaptured settles the invoice and reactivates the account. It is
// safe after a failure event for the same invoice, in either order.
func (s *Service) paymentCaptured(ctx context.Context, event domain.Event, entity domain.Entity) error {
	invoice, account, err := s.invoiceFor(ctx, entity)
	if err != nil {
		return err
	}
	at := s.occurredAt(event)

	if _, err := s.invoices.MarkPaid(ctx, invoicedomain.MarkPaidRequest{
		InvoiceID: invoice.ID,
		Method:    invoicedomain.SettlementGateway,
		Reference: entity.ID,
		PaidAt:    at,
		Reason:    "Gateway payment captured",
		Mode:      runmode.Live,
	}); err != nil {
		return err
	}
	_, err = s.accounts.MarkPaymentSucceeded(ctx, account.ID, invoice.ID.String(), "Gateway payment captured", at, runmode.Live)
	return err
}

// paymentFailed counts a failed attempt against the invoice and starts the
// grace period. A paid invoice wins over a late failure.
func (s *Service) paymentFailed(ctx context.Context, event domain.Event, entity domain.Entity) error {
	invoice, account, err := s.invoiceFor(ctx, entity)
	if err != nil {
		return err
	}
	if invoice.Status == invoicedomain.StatusPaid {
		s.log.Info("ignoring payment failure for paid invoice", zap.String("invoice_id", invoice.ID.String()))
		return nil
	}
	at := s.occurredAt(event)
	reason := "Gateway payment failed"
	if r := strings.TrimSpace(entity.FailureReason); r != "" {
		reason += ": " + r
	}

	if _, err := s.invoices.RecordPaymentFailure(ctx, invoicedomain.RecordFailureRequest{
		InvoiceID: invoice.ID,
		Reason:    reason,
		At:        at,
		Mode:      runmode.Live,
	}); err != nil {
		return err
	}
	_, err = s.accounts.MarkPaymentFailed(ctx, account.ID, invoice.ID.String(), reason, at, runmode.Live)
	return err
}

func (s *Service) mandateUpdated(status accountdomain.MandateStatus) handlerFunc {
	return func(ctx context.Context, event domain.Event, entity domain.Entity) error {
		account, err := s.accounts.GetByTenant(ctx, strings.TrimSpace(entity.TenantID))
		if err != nil {
			if errors.Is(err, accountdomain.ErrAccountNotFound) || errors.Is(err, accountdomain.ErrInvalidTenant) {
				return domain.ErrUnknownAccount
			}
			return err
		}
		return s.accounts.UpdateMandate(ctx, accountdomain.UpdateMandateRequest{
			AccountID:        account.ID,
			Status:           status,
			PaymentMethodRef: entity.PaymentMethodRef,
			Reason:           "Gateway " + event.EventType,
			Mode:             runmode.Live,
		})
	}
}
