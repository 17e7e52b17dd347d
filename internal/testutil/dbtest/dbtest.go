// Package dbtest builds SQLite databases carrying the production schema.
package dbtest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/migration"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// Open returns an isolated in-memory database with every migration applied.
// The pool is pinned to one connection so concurrent callers serialize the
// way row locks would serialize them on Postgres; code under test must
// therefore never use the root handle while holding a transaction.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_time_format=sqlite", name, dbSeq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.ApplyStatements(conn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return conn
}

// Node returns a snowflake generator for tests.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

var usageSeq atomic.Int64

// SeedUsage writes a measurement into the external usage ledger. Only
// tests write to this table.
func SeedUsage(t testing.TB, conn *gorm.DB, tenantID, category, unit, quantity string, at time.Time) {
	t.Helper()
	err := conn.WithContext(context.Background()).Exec(
		`INSERT INTO usage_events (id, tenant_id, category, unit, quantity, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		usageSeq.Add(1), tenantID, category, unit, decimal.RequireFromString(quantity), at.UTC(),
	).Error
	if err != nil {
		t.Fatalf("seed usage: %v", err)
	}
}

// SeedWallet creates or replaces a wallet with the given balance.
func SeedWallet(t testing.TB, conn *gorm.DB, walletID, tenantID, currency, balance string) {
	t.Helper()
	err := conn.Exec(
		`INSERT INTO wallets (id, tenant_id, currency, balance, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET balance = excluded.balance`,
		walletID, tenantID, currency, decimal.RequireFromString(balance), time.Now().UTC(),
	).Error
	if err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

// ExpireCycle moves an account's cycle end into the past so the next
// billing run picks it up.
func ExpireCycle(t testing.TB, conn *gorm.DB, tenantID string, cycleEnd time.Time) {
	t.Helper()
	err := conn.Exec(
		`UPDATE billing_accounts SET cycle_end = ? WHERE tenant_id = ?`,
		cycleEnd.UTC(), tenantID,
	).Error
	if err != nil {
		t.Fatalf("expire cycle: %v", err)
	}
}

// Count returns the number of rows matching where in table.
func Count(t testing.TB, conn *gorm.DB, table, where string, args ...any) int64 {
	t.Helper()
	var count int64
	query := conn.Table(table)
	if where != "" {
		query = query.Where(where, args...)
	}
	if err := query.Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
