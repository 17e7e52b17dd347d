package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/settlement/internal/webhook/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (event_id, event_type, payload, received_at, last_error)
		 VALUES (?, ?, ?, ?, '')
		 ON CONFLICT (event_id) DO NOTHING`,
		record.EventID,
		record.EventType,
		record.Payload,
		record.ReceivedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Reclaim hands an unprocessed event to a new delivery when the previous
// attempt recorded an error or its claim is older than staleBefore. The
// conditional update lets exactly one concurrent caller win.
func (r *repo) Reclaim(ctx context.Context, db *gorm.DB, eventID string, now, staleBefore time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET received_at = ?, last_error = ''
		 WHERE event_id = ? AND processed_at IS NULL AND (last_error <> '' OR received_at < ?)`,
		now, eventID, staleBefore,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, eventID string) (*domain.Record, error) {
	var records []domain.Record
	err := db.WithContext(ctx).
		Where("event_id = ?", eventID).
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

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, eventID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET processed_at = ?, last_error = '' WHERE event_id = ?`,
		at, eventID,
	).Error
}

func (r *repo) RecordError(ctx context.Context, db *gorm.DB, eventID, message string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET last_error = ? WHERE event_id = ?`,
		message, eventID,
	).Error
}
