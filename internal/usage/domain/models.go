// Package domain describes the read side of the external usage ledger.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UsageEvent is one measurement written by the metering pipeline. This
// module only reads it.
type UsageEvent struct {
	ID         snowflake.ID    `gorm:"primaryKey"`
	TenantID   string          `gorm:"not null"`
	Category   string          `gorm:"not null"`
	Unit       string          `gorm:"not null"`
	Quantity   decimal.Decimal `gorm:"type:numeric(30,9);not null"`
	OccurredAt time.Time       `gorm:"not null"`
	RecordedAt time.Time       `gorm:"not null"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// Total is the aggregated quantity of one category in the unit it was
// measured in.
type Total struct {
	Category string          `json:"category"`
	Unit     string          `json:"unit"`
	Quantity decimal.Decimal `json:"quantity"`
}

var (
	ErrInvalidTenant = errors.New("usage_invalid_tenant")
	ErrInvalidPeriod = errors.New("usage_invalid_period")
)

type Repository interface {
	SumByCategory(ctx context.Context, db *gorm.DB, tenantID string, start, end time.Time) ([]Total, error)
}

// Reader is the ledger query used by invoice generation. The window is
// half-open: start <= occurred_at < end.
type Reader interface {
	QueryUsage(ctx context.Context, tenantID string, start, end time.Time) ([]Total, error)
}
