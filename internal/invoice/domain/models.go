// Package domain contains the invoice model of the settlement engine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/rating"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft  Status = "DRAFT"
	StatusDue    Status = "DUE"
	StatusPaid   Status = "PAID"
	StatusFailed Status = "FAILED"
)

type SettlementMethod string

const (
	SettlementNone    SettlementMethod = ""
	SettlementWallet  SettlementMethod = "wallet"
	SettlementGateway SettlementMethod = "gateway"
	// SettlementZero closes an invoice with nothing to collect.
	SettlementZero SettlementMethod = "zero_amount"
)

// Invoice is immutable after creation except for its status and payment
// fields. UsageBreakdown is the priced usage frozen at generation time.
type Invoice struct {
	ID                snowflake.ID                         `json:"id" gorm:"primaryKey"`
	InvoiceNumber     string                               `json:"invoice_number"`
	BillingAccountID  snowflake.ID                         `json:"billing_account_id"`
	TenantID          string                               `json:"tenant_id"`
	CycleStart        time.Time                            `json:"cycle_start"`
	CycleEnd          time.Time                            `json:"cycle_end"`
	UsageBreakdown    datatypes.JSONType[rating.Breakdown] `json:"usage_breakdown"`
	Amount            decimal.Decimal                      `json:"amount"`
	Currency          string                               `json:"currency"`
	Status            Status                               `json:"status"`
	DueDate           time.Time                            `json:"due_date"`
	RetryCount        int                                  `json:"retry_count"`
	PaidAt            *time.Time                           `json:"paid_at,omitempty"`
	SettlementMethod  SettlementMethod                     `json:"settlement_method,omitempty"`
	SettlementRef     string                               `json:"settlement_ref,omitempty"`
	LastFailureReason string                               `json:"last_failure_reason,omitempty"`
	LastAttemptAt     *time.Time                           `json:"last_attempt_at,omitempty"`
	CreatedAt         time.Time                            `json:"created_at"`
	UpdatedAt         time.Time                            `json:"updated_at"`
}

func (Invoice) TableName() string { return "invoices" }

// Breakdown returns the frozen usage snapshot.
func (i Invoice) Breakdown() rating.Breakdown {
	return i.UsageBreakdown.Data()
}

// Settleable reports whether a settlement attempt may still change the
// invoice.
func (i Invoice) Settleable() bool {
	return i.Status == StatusDue
}
