package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	"github.com/smallbiznis/settlement/internal/gateway"
	idempotencydomain "github.com/smallbiznis/settlement/internal/idempotency/domain"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	obslogger "github.com/smallbiznis/settlement/internal/observability/logger"
	"github.com/smallbiznis/settlement/internal/runmode"
	"github.com/smallbiznis/settlement/internal/settlement/domain"
	walletdomain "github.com/smallbiznis/settlement/internal/wallet/domain"
	"go.uber.org/zap"
)

const (
	reasonWalletInsufficient = "Wallet balance insufficient"
	reasonWalletMissing      = "Wallet not found"
	reasonNoMethod           = "No settlement method available"
)

// settle collects one invoice: wallet first, then the gateway mandate.
// Both are keyed by the invoice, so a repeated attempt returns the first
// charge instead of taking money twice. retry marks attempts after the
// first one; only those count against the invoice retry budget.
func (s *Service) settle(ctx context.Context, account accountdomain.BillingAccount, invoice invoicedomain.Invoice, mode runmode.RunMode, retry bool) (domain.SettleResult, error) {
	now := s.clock.Now().UTC()
	result := domain.SettleResult{
		InvoiceID:     invoice.ID,
		InvoiceStatus: invoice.Status,
		AccountStatus: account.Status,
	}

	if invoice.Status == invoicedomain.StatusPaid {
		result.Outcome = domain.OutcomeAlreadyPaid
		result.Method = invoice.SettlementMethod
		result.Reference = invoice.SettlementRef
		return result, nil
	}
	if !invoicedomain.Positive(invoice.Amount) {
		return s.closeZeroAmount(ctx, invoice, result, mode, now)
	}

	key := invoicedomain.SettlementKey(invoice.ID)
	record, err := s.idempotency.Get(ctx, idempotencydomain.ScopeSettlement, key)
	if err != nil {
		return result, err
	}
	if record != nil {
		// Collected earlier, but the invoice update did not land.
		method := invoicedomain.SettlementMethod(fmt.Sprint(record.Outcome["method"]))
		return s.applySuccess(ctx, account, invoice, method, fmt.Sprint(record.Outcome["reference"]), mode, now)
	}

	if !mode.WritesEnabled() {
		return s.predict(ctx, account, invoice, result)
	}
	if err := s.invoices.TouchAttempt(ctx, invoice.ID, now); err != nil {
		return result, err
	}

	failure := domain.OutcomeNoMethod
	reason := reasonNoMethod
	if account.WalletID != "" {
		deducted, err := s.wallet.Deduct(ctx, walletdomain.DeductRequest{
			WalletID:       account.WalletID,
			Amount:         invoice.Amount,
			IdempotencyKey: key,
			Description:    "Invoice " + invoice.InvoiceNumber,
		})
		if err != nil {
			return result, err
		}
		if deducted.Success {
			return s.applySuccess(ctx, account, invoice, invoicedomain.SettlementWallet, deducted.TransactionRef, mode, now)
		}
		failure, reason = domain.OutcomeInsufficientFunds, reasonWalletInsufficient
		if deducted.Reason == walletdomain.ReasonWalletNotFound {
			failure, reason = domain.OutcomeNoMethod, reasonWalletMissing
		}
	}

	if account.CanAutoDebit() {
		charge, err := s.gateway.ChargeMandate(ctx, gateway.ChargeRequest{
			TenantID:         account.TenantID,
			InvoiceID:        invoice.ID.String(),
			PaymentMethodRef: account.PaymentMethodRef,
			Amount:           invoice.Amount,
			Currency:         invoice.Currency,
			IdempotencyKey:   key,
			Description:      "Invoice " + invoice.InvoiceNumber,
		})
		switch {
		case errors.Is(err, gateway.ErrDisabled):
		case err != nil:
			// Outcome unknown; the gateway key makes the next retry safe.
			return result, err
		case charge.Captured():
			return s.applySuccess(ctx, account, invoice, invoicedomain.SettlementGateway, charge.PaymentID, mode, now)
		case charge.Pending():
			result.Outcome = domain.OutcomePending
			result.Method = invoicedomain.SettlementGateway
			result.Reference = charge.PaymentID
			result.Applied = true
			s.recordSettlement(ctx, result)
			return result, nil
		default:
			failure, reason = domain.OutcomeDeclined, "Gateway declined: "+charge.DeclineReason
		}
	}

	return s.applyFailure(ctx, account, invoice, result, failure, reason, mode, retry, now)
}

func (s *Service) closeZeroAmount(ctx context.Context, invoice invoicedomain.Invoice, result domain.SettleResult, mode runmode.RunMode, now time.Time) (domain.SettleResult, error) {
	result.Outcome = domain.OutcomeZeroAmount
	result.Method = invoicedomain.SettlementZero
	if !mode.WritesEnabled() {
		return result, nil
	}
	if _, err := s.invoices.MarkPaid(ctx, invoicedomain.MarkPaidRequest{
		InvoiceID: invoice.ID,
		Method:    invoicedomain.SettlementZero,
		PaidAt:    now,
		Reason:    "Nothing to collect",
		Mode:      mode,
	}); err != nil {
		return result, err
	}
	result.InvoiceStatus = invoicedomain.StatusPaid
	result.Applied = true
	s.recordSettlement(ctx, result)
	return result, nil
}

func (s *Service) applySuccess(
	ctx context.Context,
	account accountdomain.BillingAccount,
	invoice invoicedomain.Invoice,
	method invoicedomain.SettlementMethod,
	reference string,
	mode runmode.RunMode,
	at time.Time,
) (domain.SettleResult, error) {
	result := domain.SettleResult{
		InvoiceID:     invoice.ID,
		Outcome:       domain.OutcomeSettled,
		Method:        method,
		Reference:     reference,
		InvoiceStatus: invoice.Status,
		AccountStatus: account.Status,
	}
	if !mode.WritesEnabled() {
		return result, nil
	}

	// Recorded before the invoice update so a crash in between replays
	// the same settlement instead of charging again.
	if _, err := s.idempotency.Put(ctx, idempotencydomain.ScopeSettlement, invoicedomain.SettlementKey(invoice.ID), invoice.ID.String(), map[string]any{
		"method":    string(method),
		"reference": reference,
	}); err != nil {
		return result, err
	}
	if _, err := s.invoices.MarkPaid(ctx, invoicedomain.MarkPaidRequest{
		InvoiceID: invoice.ID,
		Method:    method,
		Reference: reference,
		PaidAt:    at,
		Reason:    "Settled via " + string(method),
		Mode:      mode,
	}); err != nil {
		return result, err
	}
	transition, err := s.accounts.MarkPaymentSucceeded(ctx, account.ID, invoice.ID.String(), "Invoice settled via "+string(method), at, mode)
	if err != nil {
		return result, err
	}

	result.InvoiceStatus = invoicedomain.StatusPaid
	result.AccountStatus = transition.To
	result.Applied = true
	s.recordSettlement(ctx, result)
	obslogger.WithContext(ctx, s.log).Info("invoice settled",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("method", string(method)),
		zap.String("reference", reference),
		zap.String("amount", invoice.Amount.StringFixed(2)),
	)
	return result, nil
}

// applyFailure moves the account toward DUE. The invoice stays DUE until
// its retry budget is spent; only retries consume the budget.
func (s *Service) applyFailure(
	ctx context.Context,
	account accountdomain.BillingAccount,
	invoice invoicedomain.Invoice,
	result domain.SettleResult,
	failure domain.Outcome,
	reason string,
	mode runmode.RunMode,
	retry bool,
	at time.Time,
) (domain.SettleResult, error) {
	result.Outcome = failure
	result.Reason = reason

	if retry {
		updated, err := s.invoices.RecordPaymentFailure(ctx, invoicedomain.RecordFailureRequest{
			InvoiceID: invoice.ID,
			Reason:    reason,
			At:        at,
			Mode:      mode,
		})
		if err != nil {
			return result, err
		}
		result.InvoiceStatus = updated.Status
	}

	transition, err := s.accounts.MarkPaymentFailed(ctx, account.ID, invoice.ID.String(), reason, at, mode)
	if err != nil {
		return result, err
	}
	result.AccountStatus = transition.To
	result.Applied = mode.WritesEnabled()
	s.recordSettlement(ctx, result)

	obslogger.WithContext(ctx, s.log).Info("invoice settlement failed",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("outcome", string(failure)),
		zap.String("reason", reason),
		zap.String("account_status", string(transition.To)),
	)
	return result, nil
}

// predict reports what a live run would most likely do without touching
// the wallet or the gateway.
func (s *Service) predict(ctx context.Context, account accountdomain.BillingAccount, invoice invoicedomain.Invoice, result domain.SettleResult) (domain.SettleResult, error) {
	if account.WalletID != "" {
		balance, err := s.wallet.Balance(ctx, account.WalletID)
		switch {
		case err == nil && balance.GreaterThanOrEqual(invoice.Amount):
			result.Outcome = domain.OutcomeSettled
			result.Method = invoicedomain.SettlementWallet
			return result, nil
		case err != nil && !errors.Is(err, walletdomain.ErrWalletMissing):
			return result, err
		}
	}
	if account.CanAutoDebit() {
		result.Outcome = domain.OutcomePending
		result.Method = invoicedomain.SettlementGateway
		return result, nil
	}
	result.Outcome = domain.OutcomeInsufficientFunds
	result.Reason = reasonWalletInsufficient
	if account.WalletID == "" {
		result.Outcome = domain.OutcomeNoMethod
		result.Reason = reasonNoMethod
	}
	return result, nil
}

func (s *Service) recordSettlement(ctx context.Context, result domain.SettleResult) {
	method := string(result.Method)
	if method == "" {
		method = "none"
	}
	s.metrics.IncSettlement(method, string(result.Outcome))
	s.obsMetrics.RecordSettlement(ctx, method, string(result.Outcome))
}
