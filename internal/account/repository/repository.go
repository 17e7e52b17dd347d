package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *domain.BillingAccount) (bool, error) {
	if err := account.Validate(); err != nil {
		return false, err
	}
	result := db.WithContext(ctx).Exec(
		`INSERT INTO billing_accounts (
			id, tenant_id, tenant_type, display_name, notification_email, status, currency,
			cycle_start, cycle_end, is_cycle_locked, wallet_id, payment_method_ref,
			mandate_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO NOTHING`,
		account.ID,
		account.TenantID,
		account.TenantType,
		account.DisplayName,
		account.NotificationEmail,
		account.Status,
		account.Currency,
		account.CycleStart,
		account.CycleEnd,
		false,
		account.WalletID,
		account.PaymentMethodRef,
		account.MandateStatus,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.BillingAccount, error) {
	var account domain.BillingAccount
	err := db.WithContext(ctx).Where("id = ?", id).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) FindByTenant(ctx context.Context, db *gorm.DB, tenantID string) (*domain.BillingAccount, error) {
	var account domain.BillingAccount
	err := db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// UpdateStatus writes the new status and grace bound only if the row is
// still in update.From. grace_period_end is always written so that it is
// set exactly while the account is DUE.
func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, update domain.StatusUpdate) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET status = ?,
		     grace_period_end = ?,
		     last_payment_at = COALESCE(?, last_payment_at),
		     last_payment_failed_at = COALESCE(?, last_payment_failed_at),
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		update.To,
		update.GracePeriodEnd,
		update.LastPaymentAt,
		update.LastPaymentFailedAt,
		update.UpdatedAt,
		update.ID,
		update.From,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) TouchPaymentTimestamps(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt, failedAt *time.Time, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET last_payment_at = COALESCE(?, last_payment_at),
		     last_payment_failed_at = COALESCE(?, last_payment_failed_at),
		     updated_at = ?
		 WHERE id = ?`,
		paidAt,
		failedAt,
		now,
		id,
	).Error
}

func (r *repo) AdvanceCycle(ctx context.Context, db *gorm.DB, update domain.CycleUpdate) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET cycle_start = ?, cycle_end = ?, updated_at = ?
		 WHERE id = ? AND cycle_start = ? AND cycle_end = ?`,
		update.NewStart,
		update.NewEnd,
		update.UpdatedAt,
		update.ID,
		update.ExpectedStart,
		update.ExpectedEnd,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) UpdateMandate(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.MandateStatus, paymentMethodRef string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET mandate_status = ?,
		     payment_method_ref = CASE WHEN ? = '' THEN payment_method_ref ELSE ? END,
		     updated_at = ?
		 WHERE id = ?`,
		status,
		paymentMethodRef,
		paymentMethodRef,
		now,
		id,
	).Error
}

func (r *repo) ListCycleEnded(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]domain.BillingAccount, error) {
	var accounts []domain.BillingAccount
	err := db.WithContext(ctx).
		Where("cycle_end <= ? AND id > ?", now, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

// ListGraceExpired returns DUE accounts whose grace period ended strictly
// before now.
func (r *repo) ListGraceExpired(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]domain.BillingAccount, error) {
	var accounts []domain.BillingAccount
	err := db.WithContext(ctx).
		Where("status = ? AND grace_period_end IS NOT NULL AND grace_period_end < ? AND id > ?", domain.StatusDue, now, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

func (r *repo) ListInGrace(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.BillingAccount, error) {
	var accounts []domain.BillingAccount
	err := db.WithContext(ctx).
		Where("status = ? AND grace_period_end IS NOT NULL AND id > ?", domain.StatusDue, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
