package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/idempotency/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const purgeBatchSize = 500

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

func NewStore(p Params) domain.Store {
	return &Store{
		db:    p.DB,
		log:   p.Log.Named("idempotency.store"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Store) Get(ctx context.Context, scope domain.Scope, key string) (*domain.Record, error) {
	if err := validate(scope, key); err != nil {
		return nil, err
	}
	return s.repo.Find(ctx, s.db, scope, strings.TrimSpace(key))
}

func (s *Store) Put(ctx context.Context, scope domain.Scope, key, resourceID string, outcome map[string]any) (bool, error) {
	return s.PutTx(ctx, s.db, scope, key, resourceID, outcome)
}

func (s *Store) PutTx(ctx context.Context, tx *gorm.DB, scope domain.Scope, key, resourceID string, outcome map[string]any) (bool, error) {
	if err := validate(scope, key); err != nil {
		return false, err
	}
	if tx == nil {
		tx = s.db
	}
	return s.repo.Insert(ctx, tx, &domain.Record{
		Scope:          scope,
		IdempotencyKey: strings.TrimSpace(key),
		ResourceID:     resourceID,
		Outcome:        datatypes.JSONMap(outcome),
		CreatedAt:      s.clock.Now().UTC(),
	})
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := s.repo.DeleteBefore(ctx, s.db, before.UTC(), purgeBatchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < purgeBatchSize {
			break
		}
	}
	if total > 0 {
		s.log.Info("purged idempotency records", zap.Int64("count", total), zap.Time("before", before))
	}
	return total, nil
}

func validate(scope domain.Scope, key string) error {
	switch scope {
	case domain.ScopeInvoice, domain.ScopeSettlement, domain.ScopeWebhook, domain.ScopeReminder:
	default:
		return domain.ErrInvalidScope
	}
	if strings.TrimSpace(key) == "" {
		return domain.ErrInvalidKey
	}
	return nil
}
