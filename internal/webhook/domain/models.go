package domain

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventPaymentCaptured  = "payment.captured"
	EventPaymentFailed    = "payment.failed"
	EventMandateConfirmed = "mandate.confirmed"
	EventMandateRejected  = "mandate.rejected"
	EventTokenConfirmed   = "token.confirmed"
)

var (
	ErrMissingSignature = errors.New("webhook_signature_missing")
	ErrInvalidSignature = errors.New("webhook_signature_invalid")
	ErrInvalidPayload   = errors.New("webhook_payload_invalid")
	ErrUnknownInvoice   = errors.New("webhook_invoice_not_found")
	ErrUnknownAccount   = errors.New("webhook_account_not_found")
)

// Event is the envelope the gateway posts.
type Event struct {
	EventType     string          `json:"eventType"`
	EntityPayload json.RawMessage `json:"entityPayload"`
	CreatedAt     json.RawMessage `json:"createdAt"`
}

// Entity is the subset of an entity payload the handlers read. Payment
// events reference the invoice; mandate events reference the tenant.
type Entity struct {
	ID               string `json:"id"`
	InvoiceID        string `json:"invoiceId"`
	TenantID         string `json:"tenantId"`
	PaymentMethodRef string `json:"paymentMethodRef"`
	FailureReason    string `json:"failureReason"`
}

// Timestamp returns createdAt as sent, without JSON quoting.
func (e Event) Timestamp() string {
	return strings.Trim(strings.TrimSpace(string(e.CreatedAt)), `"`)
}

// OccurredAt parses createdAt as RFC 3339 or unix seconds.
func (e Event) OccurredAt() (time.Time, bool) {
	raw := e.Timestamp()
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), true
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		return time.Unix(n, 0).UTC(), true
	}
	return time.Time{}, false
}

// Record is the durable copy of every authenticated delivery. The row is
// also the processing claim: received_at is when the current claim was
// taken, and processed_at is set once the handler succeeded.
type Record struct {
	EventID     string         `json:"event_id" gorm:"primaryKey"`
	EventType   string         `json:"event_type"`
	Payload     datatypes.JSON `json:"payload"`
	ReceivedAt  time.Time      `json:"received_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

func (Record) TableName() string { return "webhook_events" }

type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
	StatusFailed    Status = "failed"
)

type Outcome struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Status    Status `json:"status"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	Reclaim(ctx context.Context, db *gorm.DB, eventID string, now, staleBefore time.Time) (bool, error)
	Find(ctx context.Context, db *gorm.DB, eventID string) (*Record, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, eventID string, at time.Time) error
	RecordError(ctx context.Context, db *gorm.DB, eventID, message string) error
}

type Service interface {
	// HandleWebhook authenticates, records and applies one delivery. An
	// error means the request is rejected; anything past parsing yields an
	// Outcome and a nil error.
	HandleWebhook(ctx context.Context, rawBody []byte, signature string) (Outcome, error)
}
