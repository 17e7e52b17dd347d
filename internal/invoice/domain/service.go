package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/runmode"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrInvoiceNotFound    = errors.New("invoice_not_found")
	ErrInvalidInvoiceID   = errors.New("invalid_invoice_id")
	ErrInvalidAccount     = errors.New("invalid_billing_account")
	ErrInvoiceConflict    = errors.New("invoice_number_conflict")
	ErrIdempotencyOrphan  = errors.New("invoice_idempotency_orphan")
	ErrRendererNotEnabled = errors.New("invoice_renderer_not_configured")
)

// IdempotencyKey identifies the one invoice of an account cycle.
func IdempotencyKey(accountID snowflake.ID, cycleStart, cycleEnd time.Time) string {
	return fmt.Sprintf("invoice:%s:%s:%s",
		accountID.String(),
		cycleStart.UTC().Format(time.RFC3339Nano),
		cycleEnd.UTC().Format(time.RFC3339Nano),
	)
}

// SettlementKey is the idempotency key for collecting an invoice.
func SettlementKey(invoiceID snowflake.ID) string {
	return "invoice_deduction_" + invoiceID.String()
}

type PaidUpdate struct {
	ID        snowflake.ID
	Method    SettlementMethod
	Reference string
	PaidAt    time.Time
}

type FailureUpdate struct {
	ID         snowflake.ID
	Reason     string
	AttemptAt  time.Time
	MaxRetries int
}

type ListFilter struct {
	BillingAccountID snowflake.ID
	Status           Status
	Cursor           *pagination.Cursor
	Limit            int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByCycle(ctx context.Context, db *gorm.DB, accountID snowflake.ID, cycleStart, cycleEnd time.Time) ([]Invoice, error)
	CountByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error)
	// MarkPaid moves a DUE or FAILED invoice to PAID.
	MarkPaid(ctx context.Context, db *gorm.DB, update PaidUpdate) (bool, error)
	// RecordFailure increments retry_count on a DUE invoice and moves it to
	// FAILED once the count reaches MaxRetries.
	RecordFailure(ctx context.Context, db *gorm.DB, update FailureUpdate) (bool, error)
	TouchAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Invoice, error)
	// ListRetryable returns DUE invoices with a positive amount whose
	// account is DUE, ordered by id.
	ListRetryable(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Invoice, error)
}

type GenerateResult struct {
	Invoice Invoice
	// Created is false when an invoice already existed for the cycle.
	Created bool
	// Persisted is false for dry runs.
	Persisted bool
}

type MarkPaidRequest struct {
	InvoiceID snowflake.ID
	Method    SettlementMethod
	Reference string
	PaidAt    time.Time
	Reason    string
	Mode      runmode.RunMode
}

type RecordFailureRequest struct {
	InvoiceID snowflake.ID
	Reason    string
	At        time.Time
	Mode      runmode.RunMode
}

type ListInvoiceRequest struct {
	pagination.Pagination
	BillingAccountID snowflake.ID
	Status           Status
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type Service interface {
	GenerateInvoice(ctx context.Context, accountID snowflake.ID, mode runmode.RunMode) (GenerateResult, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	// MarkPaid reports whether the invoice changed. Paying a PAID invoice
	// is a no-op.
	MarkPaid(ctx context.Context, req MarkPaidRequest) (bool, error)
	// RecordPaymentFailure returns the updated invoice. It never touches a
	// PAID invoice.
	RecordPaymentFailure(ctx context.Context, req RecordFailureRequest) (*Invoice, error)
	TouchAttempt(ctx context.Context, id snowflake.ID, at time.Time) error
	ListRetryable(ctx context.Context, afterID snowflake.ID, limit int) ([]Invoice, error)
	RenderPDF(ctx context.Context, id snowflake.ID) ([]byte, error)
}

// Positive reports whether amount needs collecting.
func Positive(amount decimal.Decimal) bool {
	return amount.GreaterThan(decimal.Zero)
}
