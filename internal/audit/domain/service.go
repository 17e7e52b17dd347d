package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
	Count(ctx context.Context, db *gorm.DB, billingAccountID snowflake.ID, eventType string) (int64, error)
}

type ListAuditLogRequest struct {
	pagination.Pagination
	BillingAccountID snowflake.ID
	EventType        string
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	// Append writes one entry using the service's own connection.
	Append(ctx context.Context, entry Entry) error
	// AppendTx writes one entry inside the caller's transaction so the
	// entry commits or rolls back with the state change it describes.
	AppendTx(ctx context.Context, tx *gorm.DB, entry Entry) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidEventType = errors.New("invalid_event_type")
	ErrInvalidAccount   = errors.New("invalid_billing_account")
)
