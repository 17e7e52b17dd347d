// Package notifier hands tenant notifications to an external delivery
// channel. Delivery is fire-and-forget from the caller's point of view.
package notifier

import (
	"context"
	"errors"
)

//go:generate mockgen -source=notifier.go -destination=./mocks/mock_notifier.go -package=mocks

const (
	TemplateGraceReminder    = "grace_reminder"
	TemplateAccountSuspended = "account_suspended"
)

var (
	ErrUnknownTemplate = errors.New("unknown_notification_template")
	ErrNoRecipient     = errors.New("notification_recipient_missing")
)

type Notifier interface {
	Send(ctx context.Context, recipient, templateID string, vars map[string]any) error
}
