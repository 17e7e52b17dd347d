package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/settlement/internal/idempotency/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, scope domain.Scope, key string) (*domain.Record, error) {
	var records []domain.Record
	err := db.WithContext(ctx).
		Where("scope = ? AND idempotency_key = ?", scope, key).
		Limit(1).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	outcome := record.Outcome
	if outcome == nil {
		outcome = datatypes.JSONMap{}
	}
	result := db.WithContext(ctx).Exec(
		`INSERT INTO idempotency_records (scope, idempotency_key, resource_id, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (scope, idempotency_key) DO NOTHING`,
		record.Scope,
		record.IdempotencyKey,
		record.ResourceID,
		outcome,
		record.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) DeleteBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records
		 WHERE (scope, idempotency_key) IN (
			SELECT scope, idempotency_key FROM idempotency_records
			WHERE created_at < ?
			ORDER BY created_at
			LIMIT ?
		 )`,
		before,
		limit,
	)
	return result.RowsAffected, result.Error
}
