// Package gateway is the outbound side of the payment gateway: charging a
// confirmed auto-debit mandate. Inbound gateway events are handled by the
// webhook package.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrDisabled       = errors.New("gateway_not_configured")
	ErrInvalidRequest = errors.New("invalid_gateway_request")
	ErrUnavailable    = errors.New("gateway_unavailable")
)

// Charge statuses reported by the gateway.
const (
	StatusCaptured = "captured"
	// StatusPending means the charge was accepted and its outcome will
	// arrive by webhook.
	StatusPending  = "pending"
	StatusDeclined = "declined"
)

type ChargeRequest struct {
	TenantID         string
	InvoiceID        string
	PaymentMethodRef string
	Amount           decimal.Decimal
	Currency         string
	// IdempotencyKey is forwarded so a retried charge is not captured twice.
	IdempotencyKey string
	Description    string
}

type ChargeResult struct {
	PaymentID     string
	Status        string
	DeclineReason string
}

func (r ChargeResult) Captured() bool { return r.Status == StatusCaptured }
func (r ChargeResult) Pending() bool  { return r.Status == StatusPending }

// Gateway charges a tenant's stored payment method. A decline is a result,
// not an error; errors mean the outcome is unknown.
type Gateway interface {
	Provider() string
	ChargeMandate(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// Disabled is used when no gateway is configured.
type Disabled struct{}

func (Disabled) Provider() string { return "disabled" }

func (Disabled) ChargeMandate(context.Context, ChargeRequest) (ChargeResult, error) {
	return ChargeResult{}, ErrDisabled
}

func validate(req ChargeRequest) error {
	switch {
	case req.PaymentMethodRef == "", req.IdempotencyKey == "":
		return ErrInvalidRequest
	case !req.Amount.GreaterThan(decimal.Zero):
		return ErrInvalidRequest
	}
	return nil
}
