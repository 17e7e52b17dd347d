package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	"github.com/smallbiznis/settlement/internal/invoice/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, invoice_number, billing_account_id, tenant_id, cycle_start, cycle_end,
			usage_breakdown, amount, currency, status, due_date, retry_count,
			settlement_method, settlement_ref, last_failure_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.InvoiceNumber,
		invoice.BillingAccountID,
		invoice.TenantID,
		invoice.CycleStart,
		invoice.CycleEnd,
		invoice.UsageBreakdown,
		invoice.Amount,
		invoice.Currency,
		invoice.Status,
		invoice.DueDate,
		invoice.RetryCount,
		invoice.SettlementMethod,
		invoice.SettlementRef,
		invoice.LastFailureReason,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).Where("id = ?", id).Take(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) FindByCycle(ctx context.Context, db *gorm.DB, accountID snowflake.ID, cycleStart, cycleEnd time.Time) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := db.WithContext(ctx).
		Where("billing_account_id = ? AND cycle_start = ? AND cycle_end = ?", accountID, cycleStart.UTC(), cycleEnd.UTC()).
		Order("id").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) CountByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("billing_account_id = ?", accountID).
		Count(&count).Error
	return count, err
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, update domain.PaidUpdate) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, paid_at = ?, settlement_method = ?, settlement_ref = ?,
		     last_failure_reason = '', updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.StatusPaid,
		update.PaidAt,
		update.Method,
		update.Reference,
		update.PaidAt,
		update.ID,
		domain.StatusDue,
		domain.StatusFailed,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, update domain.FailureUpdate) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET retry_count = retry_count + 1,
		     status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE status END,
		     last_failure_reason = ?,
		     last_attempt_at = ?,
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		update.MaxRetries,
		domain.StatusFailed,
		update.Reason,
		update.AttemptAt,
		update.AttemptAt,
		update.ID,
		domain.StatusDue,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) TouchAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices SET last_attempt_at = ?, updated_at = ? WHERE id = ?`,
		at,
		at,
		id,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	stmt := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("billing_account_id = ?", filter.BillingAccountID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) ListRetryable(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := db.WithContext(ctx).
		Table("invoices AS i").
		Select("i.*").
		Joins("JOIN billing_accounts a ON a.id = i.billing_account_id").
		Where("i.status = ? AND i.amount > 0 AND a.status = ? AND i.id > ?",
			domain.StatusDue,
			accountdomain.StatusDue,
			afterID,
		).
		Order("i.id").
		Limit(limit).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}
