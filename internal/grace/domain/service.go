package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/runmode"
)

const ReasonGraceExpired = "Grace period expired"

// ReminderKey identifies the reminder sent to an account on one calendar
// day (UTC). Keying on the date rather than the grace day keeps a later
// grace period of the same account from colliding with an earlier one.
func ReminderKey(accountID snowflake.ID, at time.Time) string {
	return fmt.Sprintf("reminder:%s:%s", accountID.String(), at.UTC().Format("2006-01-02"))
}

type AccountError struct {
	TenantID  string       `json:"tenant_id"`
	AccountID snowflake.ID `json:"account_id"`
	Message   string       `json:"error"`
	Err       error        `json:"-"`
}

func (e AccountError) Error() string { return e.TenantID + ": " + e.Message }

func (e AccountError) Unwrap() error { return e.Err }

type EnforceResult struct {
	Checked   int            `json:"checked"`
	Suspended int            `json:"suspended"`
	Errors    []AccountError `json:"errors"`
	DryRun    bool           `json:"dry_run"`
	Truncated bool           `json:"truncated"`
}

type ReminderResult struct {
	Processed int            `json:"processed"`
	Sent      int            `json:"sent"`
	Errors    []AccountError `json:"errors"`
	DryRun    bool           `json:"dry_run"`
	Truncated bool           `json:"truncated"`
}

type Service interface {
	// EnforceGracePeriods suspends DUE accounts whose grace period ended
	// strictly before now.
	EnforceGracePeriods(ctx context.Context, mode runmode.RunMode) (EnforceResult, error)
	// SendGracePeriodReminders notifies DUE accounts on the configured
	// days of their grace period, at most once per account and day.
	SendGracePeriodReminders(ctx context.Context, mode runmode.RunMode) (ReminderResult, error)
}
