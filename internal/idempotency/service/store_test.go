package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/idempotency/domain"
	"github.com/smallbiznis/settlement/internal/idempotency/repository"
	"github.com/smallbiznis/settlement/internal/testutil/dbtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPutIsFirstWriterWins(t *testing.T) {
	conn := dbtest.Open(t)
	store := NewStore(Params{DB: conn, Log: zap.NewNop(), Clock: clock.SystemClock{}, Repo: repository.Provide()})
	ctx := context.Background()

	record, err := store.Get(ctx, domain.ScopeInvoice, "invoice:1:a:b")
	require.NoError(t, err)
	require.Nil(t, record)

	inserted, err := store.Put(ctx, domain.ScopeInvoice, "invoice:1:a:b", "100", map[string]any{"amount": "10.00"})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.Put(ctx, domain.ScopeInvoice, "invoice:1:a:b", "200", nil)
	require.NoError(t, err)
	require.False(t, inserted)

	record, err = store.Get(ctx, domain.ScopeInvoice, "invoice:1:a:b")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, "100", record.ResourceID)
	require.Equal(t, "10.00", record.Outcome["amount"])

	// Same key under another scope is independent.
	record, err = store.Get(ctx, domain.ScopeWebhook, "invoice:1:a:b")
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestPutValidates(t *testing.T) {
	conn := dbtest.Open(t)
	store := NewStore(Params{DB: conn, Log: zap.NewNop(), Clock: clock.SystemClock{}, Repo: repository.Provide()})

	_, err := store.Put(context.Background(), "bogus", "k", "", nil)
	require.ErrorIs(t, err, domain.ErrInvalidScope)
	_, err = store.Put(context.Background(), domain.ScopeReminder, "  ", "", nil)
	require.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestPurgeRemovesOnlyOldRecords(t *testing.T) {
	conn := dbtest.Open(t)
	fake := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewStore(Params{DB: conn, Log: zap.NewNop(), Clock: fake, Repo: repository.Provide()})
	ctx := context.Background()

	_, err := store.Put(ctx, domain.ScopeReminder, "reminder:1:1", "", nil)
	require.NoError(t, err)
	fake.Advance(40 * 24 * time.Hour)
	_, err = store.Put(ctx, domain.ScopeReminder, "reminder:1:7", "", nil)
	require.NoError(t, err)

	purged, err := store.Purge(ctx, fake.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)
	require.EqualValues(t, 1, dbtest.Count(t, conn, "idempotency_records", ""))
}
