package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/runmode"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrInvalidTenant       = errors.New("invalid_tenant")
	ErrInvalidTenantType   = errors.New("invalid_tenant_type")
	ErrInvalidStatus       = errors.New("invalid_account_status")
	ErrInvalidCycle        = errors.New("invalid_billing_cycle")
	ErrGracePeriodMismatch = errors.New("grace_period_status_mismatch")
	ErrInvalidMandate      = errors.New("invalid_mandate_status")
	ErrConcurrentUpdate    = errors.New("account_concurrent_update")
	ErrCycleChanged        = errors.New("account_cycle_changed")
)

// StatusUpdate is a compare-and-set on the current status.
type StatusUpdate struct {
	ID                  snowflake.ID
	From                Status
	To                  Status
	GracePeriodEnd      *time.Time
	LastPaymentAt       *time.Time
	LastPaymentFailedAt *time.Time
	UpdatedAt           time.Time
}

// CycleUpdate moves the cycle forward only if it still has the expected bounds.
type CycleUpdate struct {
	ID            snowflake.ID
	ExpectedStart time.Time
	ExpectedEnd   time.Time
	NewStart      time.Time
	NewEnd        time.Time
	UpdatedAt     time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *BillingAccount) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingAccount, error)
	FindByTenant(ctx context.Context, db *gorm.DB, tenantID string) (*BillingAccount, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, update StatusUpdate) (bool, error)
	TouchPaymentTimestamps(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt, failedAt *time.Time, now time.Time) error
	AdvanceCycle(ctx context.Context, db *gorm.DB, update CycleUpdate) (bool, error)
	UpdateMandate(ctx context.Context, db *gorm.DB, id snowflake.ID, status MandateStatus, paymentMethodRef string, now time.Time) error
	ListCycleEnded(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]BillingAccount, error)
	ListGraceExpired(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]BillingAccount, error)
	ListInGrace(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]BillingAccount, error)
}

type OnboardRequest struct {
	TenantID          string
	TenantType        TenantType
	DisplayName       string
	NotificationEmail string
	WalletID          string
	Currency          string
}

type TransitionRequest struct {
	AccountID snowflake.ID
	Trigger   Trigger
	Reason    string
	// At is when the triggering event happened; defaults to now.
	At        time.Time
	InvoiceID string
	Mode      runmode.RunMode
}

type TransitionResult struct {
	From           Status
	To             Status
	Outcome        Outcome
	GracePeriodEnd *time.Time
	// Applied is false for no-ops, rejections and dry runs.
	Applied bool
}

type UpdateMandateRequest struct {
	AccountID        snowflake.ID
	Status           MandateStatus
	PaymentMethodRef string
	Reason           string
	Mode             runmode.RunMode
}

type Service interface {
	Onboard(ctx context.Context, req OnboardRequest) (*BillingAccount, error)
	GetByID(ctx context.Context, id snowflake.ID) (*BillingAccount, error)
	GetByTenant(ctx context.Context, tenantID string) (*BillingAccount, error)

	Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error)
	MarkPaymentFailed(ctx context.Context, accountID snowflake.ID, invoiceID, reason string, at time.Time, mode runmode.RunMode) (TransitionResult, error)
	MarkPaymentSucceeded(ctx context.Context, accountID snowflake.ID, invoiceID, reason string, at time.Time, mode runmode.RunMode) (TransitionResult, error)
	Suspend(ctx context.Context, accountID snowflake.ID, reason string, mode runmode.RunMode) (TransitionResult, error)

	// AdvanceCycle must only be called while the cycle lock is held.
	AdvanceCycle(ctx context.Context, account BillingAccount, mode runmode.RunMode) (*BillingAccount, error)
	UpdateMandate(ctx context.Context, req UpdateMandateRequest) error

	ListCycleEnded(ctx context.Context, now time.Time, afterID snowflake.ID, limit int) ([]BillingAccount, error)
	ListGraceExpired(ctx context.Context, now time.Time, afterID snowflake.ID, limit int) ([]BillingAccount, error)
	ListInGrace(ctx context.Context, afterID snowflake.ID, limit int) ([]BillingAccount, error)
}
