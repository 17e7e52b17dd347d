package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	"github.com/smallbiznis/settlement/internal/runmode"
)

var ErrInvoiceNotSettleable = errors.New("invoice_not_settleable")

// Outcome of one settlement attempt.
type Outcome string

const (
	OutcomeSettled           Outcome = "settled"
	OutcomeZeroAmount        Outcome = "zero_amount"
	OutcomeAlreadyPaid       Outcome = "already_paid"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeDeclined          Outcome = "declined"
	// OutcomePending means the gateway accepted the charge; the result
	// arrives by webhook.
	OutcomePending  Outcome = "pending"
	OutcomeNoMethod Outcome = "no_settlement_method"
)

// Failed reports whether the attempt counts as a failed payment.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeInsufficientFunds, OutcomeDeclined, OutcomeNoMethod:
		return true
	}
	return false
}

// Stages at which a tenant can fail inside a billing run.
const (
	StageLock    = "lock"
	StageLoad    = "load"
	StageInvoice = "invoice"
	StageAdvance = "advance_cycle"
	StageSettle  = "settle"
)

// TenantError is one tenant's failure inside a batch. The batch itself
// carries on.
type TenantError struct {
	TenantID  string       `json:"tenant_id"`
	AccountID snowflake.ID `json:"account_id"`
	InvoiceID snowflake.ID `json:"invoice_id,omitempty"`
	Stage     string       `json:"stage"`
	Message   string       `json:"error"`
	Err       error        `json:"-"`
}

func (e TenantError) Error() string {
	return e.TenantID + " " + e.Stage + ": " + e.Message
}

func (e TenantError) Unwrap() error { return e.Err }

type SettleResult struct {
	InvoiceID     snowflake.ID                   `json:"invoice_id"`
	Outcome       Outcome                        `json:"outcome"`
	Method        invoicedomain.SettlementMethod `json:"method,omitempty"`
	Reference     string                         `json:"reference,omitempty"`
	Reason        string                         `json:"reason,omitempty"`
	InvoiceStatus invoicedomain.Status           `json:"invoice_status"`
	AccountStatus accountdomain.Status           `json:"account_status,omitempty"`
	// Applied is false for dry runs.
	Applied bool `json:"applied"`
}

type CycleResult struct {
	Processed           int           `json:"processed"`
	Settled             int           `json:"settled"`
	InsufficientBalance int           `json:"insufficient_balance"`
	Declined            int           `json:"declined"`
	Pending             int           `json:"pending"`
	AlreadyLocked       int           `json:"already_locked"`
	InvoicesCreated     int           `json:"invoices_created"`
	Errors              []TenantError `json:"errors"`
	DryRun              bool          `json:"dry_run"`
	// Truncated is set when the run budget ended the walk early.
	Truncated           bool          `json:"truncated"`
}

type RetryResult struct {
	Processed int           `json:"processed"`
	Settled   int           `json:"settled"`
	Failed    int           `json:"failed"`
	Exhausted int           `json:"exhausted"`
	Errors    []TenantError `json:"errors"`
	DryRun    bool          `json:"dry_run"`
	Truncated bool          `json:"truncated"`
}

type Service interface {
	// ProcessBillingCycle closes every ended cycle: lock, invoice, advance,
	// release, then settle. Per-tenant failures are collected, not
	// returned.
	ProcessBillingCycle(ctx context.Context, mode runmode.RunMode) (CycleResult, error)
	// RetryPayment re-attempts settlement of one invoice. Each failed retry
	// increments the invoice retry count.
	RetryPayment(ctx context.Context, invoiceID snowflake.ID, mode runmode.RunMode) (SettleResult, error)
	// RetryDuePayments retries every unpaid invoice of a DUE account.
	RetryDuePayments(ctx context.Context, mode runmode.RunMode) (RetryResult, error)
}
