package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/settlement/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) SumByCategory(ctx context.Context, db *gorm.DB, tenantID string, start, end time.Time) ([]domain.Total, error) {
	var totals []domain.Total
	err := db.WithContext(ctx).Raw(
		`SELECT category, unit, SUM(quantity) AS quantity
		 FROM usage_events
		 WHERE tenant_id = ? AND occurred_at >= ? AND occurred_at < ?
		 GROUP BY category, unit
		 ORDER BY category, unit`,
		tenantID,
		start,
		end,
	).Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}
