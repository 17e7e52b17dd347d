package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusDue       Status = "DUE"
	StatusSuspended Status = "SUSPENDED"
)

type TenantType string

const (
	TenantPersonal TenantType = "PERSONAL"
	TenantOrg      TenantType = "ORG"
)

// MandateStatus tracks the gateway auto-debit authorization.
type MandateStatus string

const (
	MandateNone      MandateStatus = "NONE"
	MandatePending   MandateStatus = "PENDING"
	MandateConfirmed MandateStatus = "CONFIRMED"
	MandateRejected  MandateStatus = "REJECTED"
)

// BillingAccount is the single mutable billing record of a tenant. The
// cycle is the half-open interval [CycleStart, CycleEnd); the next cycle
// starts exactly at CycleEnd.
type BillingAccount struct {
	ID                  snowflake.ID  `json:"id" gorm:"primaryKey"`
	TenantID            string        `json:"tenant_id"`
	TenantType          TenantType    `json:"tenant_type"`
	DisplayName         string        `json:"display_name"`
	NotificationEmail   string        `json:"notification_email,omitempty"`
	Status              Status        `json:"status"`
	Currency            string        `json:"currency"`
	CycleStart          time.Time     `json:"cycle_start"`
	CycleEnd            time.Time     `json:"cycle_end"`
	GracePeriodEnd      *time.Time    `json:"grace_period_end,omitempty"`
	LastPaymentAt       *time.Time    `json:"last_payment_at,omitempty"`
	LastPaymentFailedAt *time.Time    `json:"last_payment_failed_at,omitempty"`
	IsCycleLocked       bool          `json:"is_cycle_locked"`
	CycleLockedAt       *time.Time    `json:"cycle_locked_at,omitempty"`
	CycleLockToken      *string       `json:"-"`
	WalletID            string        `json:"-"`
	PaymentMethodRef    string        `json:"-"`
	MandateStatus       MandateStatus `json:"mandate_status"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

func (BillingAccount) TableName() string { return "billing_accounts" }

// Validate checks the record-level invariants at the storage boundary.
func (a BillingAccount) Validate() error {
	if strings.TrimSpace(a.TenantID) == "" {
		return ErrInvalidTenant
	}
	switch a.TenantType {
	case TenantPersonal, TenantOrg:
	default:
		return ErrInvalidTenantType
	}
	switch a.Status {
	case StatusActive, StatusDue, StatusSuspended:
	default:
		return ErrInvalidStatus
	}
	if !a.CycleStart.Before(a.CycleEnd) {
		return ErrInvalidCycle
	}
	if (a.Status == StatusDue) != (a.GracePeriodEnd != nil) {
		return ErrGracePeriodMismatch
	}
	return nil
}

// GraceStart derives when the current grace period began.
func (a BillingAccount) GraceStart(gracePeriod time.Duration) (time.Time, bool) {
	if a.GracePeriodEnd == nil {
		return time.Time{}, false
	}
	return a.GracePeriodEnd.Add(-gracePeriod), true
}

// CanAutoDebit reports whether the gateway fallback may be attempted.
func (a BillingAccount) CanAutoDebit() bool {
	return a.MandateStatus == MandateConfirmed && strings.TrimSpace(a.PaymentMethodRef) != ""
}
