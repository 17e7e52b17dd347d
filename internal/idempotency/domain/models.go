package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Scope namespaces idempotency keys by the operation they protect.
type Scope string

const (
	ScopeInvoice    Scope = "invoice"
	ScopeSettlement Scope = "settlement"
	ScopeWebhook    Scope = "webhook"
	ScopeReminder   Scope = "reminder"
)

var (
	ErrInvalidScope = errors.New("invalid_idempotency_scope")
	ErrInvalidKey   = errors.New("invalid_idempotency_key")
)

// Record marks a key as processed. It is written only after the operation
// it protects has durably completed.
type Record struct {
	Scope          Scope             `json:"scope" gorm:"primaryKey"`
	IdempotencyKey string            `json:"idempotency_key" gorm:"primaryKey"`
	ResourceID     string            `json:"resource_id"`
	Outcome        datatypes.JSONMap `json:"outcome"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (Record) TableName() string { return "idempotency_records" }

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, scope Scope, key string) (*Record, error)
	Insert(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	DeleteBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) (int64, error)
}

type Store interface {
	// Get returns nil when the key has not been recorded.
	Get(ctx context.Context, scope Scope, key string) (*Record, error)
	// Put records key. It reports false when the key was already present;
	// the stored record is left untouched in that case.
	Put(ctx context.Context, scope Scope, key, resourceID string, outcome map[string]any) (bool, error)
	// PutTx is Put inside the caller's transaction.
	PutTx(ctx context.Context, tx *gorm.DB, scope Scope, key, resourceID string, outcome map[string]any) (bool, error)
	// Purge deletes records created before the cutoff, in batches.
	Purge(ctx context.Context, before time.Time) (int64, error)
}
