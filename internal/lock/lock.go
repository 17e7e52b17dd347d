// Package lock serializes cycle advancement per billing account with a
// compare-and-set on the account row.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/runmode"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrAccountNotFound = errors.New("lock_account_not_found")

// Result reports the outcome of Acquire. AlreadyLocked is a normal race
// outcome and never accompanies Err.
type Result struct {
	Success       bool
	AlreadyLocked bool
	Reclaimed     bool
	LockedAt      *time.Time
	Token         string
	Err           error
}

type row struct {
	ID             snowflake.ID
	TenantID       string
	IsCycleLocked  bool
	CycleLockedAt  *time.Time
	CycleLockToken *string
}

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	BillingConfig *config.BillingConfigHolder
	Audit         auditdomain.Service
	Metrics       *metrics.EngineMetrics `optional:"true"`
}

type Manager struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	cfg     *config.BillingConfigHolder
	audit   auditdomain.Service
	metrics *metrics.EngineMetrics
}

func NewManager(p Params) *Manager {
	return &Manager{
		db:      p.DB,
		log:     p.Log.Named("lock.manager"),
		clock:   p.Clock,
		cfg:     p.BillingConfig,
		audit:   p.Audit,
		metrics: p.Metrics,
	}
}

// Acquire takes the cycle lock of accountID. The write is guarded by the
// observed lock state and then verified by re-reading the token, so of two
// racing callers exactly one sees Success. A lock older than MaxLockAge is
// treated as abandoned and taken over.
func (m *Manager) Acquire(ctx context.Context, accountID snowflake.ID) Result {
	now := m.clock.Now().UTC()
	staleBefore := now.Add(-m.cfg.Get().MaxLockAge)

	current, err := m.load(ctx, accountID)
	if err != nil {
		m.metrics.IncLockAcquire(metrics.LockResultError)
		return Result{Err: err}
	}
	if current.IsCycleLocked && !isStale(current, staleBefore) {
		m.metrics.IncLockAcquire(metrics.LockResultAlreadyLocked)
		return Result{AlreadyLocked: true, LockedAt: current.CycleLockedAt}
	}

	token := uuid.NewString()
	result := m.db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET is_cycle_locked = TRUE, cycle_locked_at = ?, cycle_lock_token = ?
		 WHERE id = ?
		   AND (is_cycle_locked = FALSE OR cycle_locked_at IS NULL OR cycle_locked_at < ?)`,
		now,
		token,
		accountID,
		staleBefore,
	)
	if result.Error != nil {
		m.metrics.IncLockAcquire(metrics.LockResultError)
		return Result{Err: result.Error}
	}

	written, err := m.load(ctx, accountID)
	if err != nil {
		m.metrics.IncLockAcquire(metrics.LockResultError)
		return Result{Err: err}
	}
	if result.RowsAffected == 0 || written.CycleLockToken == nil || *written.CycleLockToken != token {
		m.log.Info("cycle lock held by another run",
			zap.String("tenant_id", written.TenantID),
			zap.Int64("account_id", accountID.Int64()),
		)
		m.metrics.IncLockAcquire(metrics.LockResultAlreadyLocked)
		return Result{AlreadyLocked: true, LockedAt: written.CycleLockedAt}
	}

	reclaimed := current.IsCycleLocked
	if reclaimed {
		m.log.Warn("reclaimed stale cycle lock",
			zap.String("tenant_id", current.TenantID),
			zap.Int64("account_id", accountID.Int64()),
			zap.Timep("previous_locked_at", current.CycleLockedAt),
		)
		m.recordReclaim(ctx, current, "acquire")
		m.metrics.IncLockAcquire(metrics.LockResultReclaimed)
	} else {
		m.metrics.IncLockAcquire(metrics.LockResultAcquired)
	}
	return Result{Success: true, Reclaimed: reclaimed, LockedAt: &now, Token: token}
}

// Release clears the lock unconditionally.
func (m *Manager) Release(ctx context.Context, accountID snowflake.ID) error {
	return m.db.WithContext(ctx).Exec(
		`UPDATE billing_accounts
		 SET is_cycle_locked = FALSE, cycle_locked_at = NULL, cycle_lock_token = NULL
		 WHERE id = ?`,
		accountID,
	).Error
}

// ReclaimStale clears locks older than MaxLockAge left behind by crashed
// runs. Each reclaim is audited.
func (m *Manager) ReclaimStale(ctx context.Context, limit int, mode runmode.RunMode) (int, error) {
	now := m.clock.Now().UTC()
	staleBefore := now.Add(-m.cfg.Get().MaxLockAge)
	if limit <= 0 {
		limit = 100
	}

	var rows []row
	if err := m.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, is_cycle_locked, cycle_locked_at, cycle_lock_token
		 FROM billing_accounts
		 WHERE is_cycle_locked = TRUE AND (cycle_locked_at IS NULL OR cycle_locked_at < ?)
		 ORDER BY id
		 LIMIT ?`,
		staleBefore,
		limit,
	).Scan(&rows).Error; err != nil {
		return 0, err
	}
	if !mode.WritesEnabled() {
		return len(rows), nil
	}

	reclaimed := 0
	for _, stale := range rows {
		query := m.db.WithContext(ctx).Where("id = ? AND is_cycle_locked = ?", stale.ID, true)
		if stale.CycleLockToken != nil {
			query = query.Where("cycle_lock_token = ?", *stale.CycleLockToken)
		}
		result := query.Table("billing_accounts").Updates(map[string]any{
			"is_cycle_locked":  false,
			"cycle_locked_at":  nil,
			"cycle_lock_token": nil,
		})
		if result.Error != nil {
			return reclaimed, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		reclaimed++
		m.log.Warn("released stale cycle lock",
			zap.String("tenant_id", stale.TenantID),
			zap.Timep("locked_at", stale.CycleLockedAt),
		)
		m.recordReclaim(ctx, stale, "sweep")
		m.metrics.IncLockAcquire(metrics.LockResultReclaimed)
	}
	return reclaimed, nil
}

func (m *Manager) load(ctx context.Context, accountID snowflake.ID) (row, error) {
	var rows []row
	if err := m.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, is_cycle_locked, cycle_locked_at, cycle_lock_token
		 FROM billing_accounts WHERE id = ?`,
		accountID,
	).Scan(&rows).Error; err != nil {
		return row{}, err
	}
	if len(rows) == 0 {
		return row{}, ErrAccountNotFound
	}
	return rows[0], nil
}

func (m *Manager) recordReclaim(ctx context.Context, stale row, source string) {
	metadata := map[string]any{"source": source}
	if stale.CycleLockedAt != nil {
		metadata["locked_at"] = stale.CycleLockedAt.UTC().Format(time.RFC3339)
	}
	err := m.audit.Append(ctx, auditdomain.Entry{
		BillingAccountID: stale.ID,
		TenantID:         stale.TenantID,
		EventType:        auditdomain.EventLockReclaimed,
		TargetType:       auditdomain.TargetAccount,
		TargetID:         stale.ID.String(),
		Metadata:         metadata,
	})
	if err != nil {
		m.log.Warn("failed to audit lock reclaim", zap.String("tenant_id", stale.TenantID), zap.Error(err))
	}
}

func isStale(r row, staleBefore time.Time) bool {
	return r.CycleLockedAt == nil || r.CycleLockedAt.Before(staleBefore)
}
