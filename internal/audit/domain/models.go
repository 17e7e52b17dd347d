package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Event types written by the settlement engine.
const (
	EventAccountOnboarded     = "account.onboarded"
	EventAccountStatusChanged = "account.status_changed"
	EventAccountMandate       = "account.mandate_updated"
	EventInvoiceGenerated     = "invoice.generated"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventInvoiceFailed        = "invoice.failed"
	EventLockReclaimed        = "lock.reclaimed"
	EventReminderSent         = "reminder.sent"
)

const (
	TargetAccount = "billing_account"
	TargetInvoice = "invoice"
)

// AuditLog is append-only. Nothing in this module updates or deletes rows.
type AuditLog struct {
	ID               snowflake.ID      `json:"id" gorm:"primaryKey"`
	BillingAccountID *snowflake.ID     `json:"billing_account_id,omitempty"`
	TenantID         string            `json:"tenant_id"`
	EventType        string            `json:"event_type"`
	ActorType        string            `json:"actor_type"`
	ActorID          string            `json:"actor_id,omitempty"`
	TargetType       string            `json:"target_type,omitempty"`
	TargetID         string            `json:"target_id,omitempty"`
	Metadata         datatypes.JSONMap `json:"metadata"`
	CreatedAt        time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// Entry is what callers hand to the service; identity, actor and time are
// resolved on append.
type Entry struct {
	BillingAccountID snowflake.ID
	TenantID         string
	EventType        string
	TargetType       string
	TargetID         string
	Metadata         map[string]any
}

type ListFilter struct {
	BillingAccountID snowflake.ID
	EventType        string
	Cursor           *Cursor
	Limit            int
}

type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}
