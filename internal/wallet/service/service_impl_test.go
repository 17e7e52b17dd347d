package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/testutil/dbtest"
	"github.com/smallbiznis/settlement/internal/wallet/domain"
	"github.com/smallbiznis/settlement/internal/wallet/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newWalletService(t *testing.T, balance string) (domain.Service, func() int64) {
	t.Helper()
	conn := dbtest.Open(t)
	dbtest.SeedWallet(t, conn, "wal_acme", "acme", "USD", balance)
	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: dbtest.Node(t),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
	countTxns := func() int64 {
		return dbtest.Count(t, conn, "wallet_transactions", "wallet_id = ?", "wal_acme")
	}
	return svc, countTxns
}

func TestDeductIsIdempotentPerKey(t *testing.T) {
	svc, countTxns := newWalletService(t, "20.00")
	ctx := context.Background()
	req := domain.DeductRequest{
		WalletID:       "wal_acme",
		Amount:         decimal.RequireFromString("10.00"),
		IdempotencyKey: "invoice_deduction_1",
		Description:    "Invoice INV-ACME-202602-0001",
	}

	first, err := svc.Deduct(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.False(t, first.Replayed)
	assert.NotEmpty(t, first.TransactionRef)

	second, err := svc.Deduct(ctx, req)
	require.NoError(t, err)
	require.True(t, second.Success)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionRef, second.TransactionRef)

	balance, err := svc.Balance(ctx, "wal_acme")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("10.00")), "balance %s", balance)
	assert.EqualValues(t, 1, countTxns())
}

func TestDeductInsufficientFunds(t *testing.T) {
	svc, countTxns := newWalletService(t, "5.00")
	ctx := context.Background()

	result, err := svc.Deduct(ctx, domain.DeductRequest{
		WalletID:       "wal_acme",
		Amount:         decimal.RequireFromString("10.00"),
		IdempotencyKey: "invoice_deduction_2",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, domain.ReasonInsufficientFunds, result.Reason)

	balance, err := svc.Balance(ctx, "wal_acme")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("5.00")), "balance %s", balance)
	assert.Zero(t, countTxns())
}

func TestDeductUnknownWallet(t *testing.T) {
	svc, _ := newWalletService(t, "5.00")

	result, err := svc.Deduct(context.Background(), domain.DeductRequest{
		WalletID:       "wal_missing",
		Amount:         decimal.RequireFromString("1.00"),
		IdempotencyKey: "invoice_deduction_3",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, domain.ReasonWalletNotFound, result.Reason)

	_, err = svc.Balance(context.Background(), "wal_missing")
	assert.ErrorIs(t, err, domain.ErrWalletMissing)
}

func TestDeductRejectsInvalidRequests(t *testing.T) {
	svc, _ := newWalletService(t, "5.00")
	ctx := context.Background()

	_, err := svc.Deduct(ctx, domain.DeductRequest{Amount: decimal.NewFromInt(1), IdempotencyKey: "k"})
	assert.ErrorIs(t, err, domain.ErrInvalidWallet)
	_, err = svc.Deduct(ctx, domain.DeductRequest{WalletID: "wal_acme", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
	_, err = svc.Deduct(ctx, domain.DeductRequest{WalletID: "wal_acme", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestConcurrentDeductsWithSameKeyDebitOnce(t *testing.T) {
	svc, countTxns := newWalletService(t, "100.00")
	ctx := context.Background()
	req := domain.DeductRequest{
		WalletID:       "wal_acme",
		Amount:         decimal.RequireFromString("30.00"),
		IdempotencyKey: "invoice_deduction_4",
	}

	var wg sync.WaitGroup
	refs := make([]string, 6)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.Deduct(ctx, req)
			if err != nil {
				t.Errorf("deduct: %v", err)
				return
			}
			refs[i] = result.TransactionRef
		}(i)
	}
	wg.Wait()

	for _, ref := range refs {
		assert.Equal(t, refs[0], ref)
	}
	balance, err := svc.Balance(ctx, "wal_acme")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("70.00")), "balance %s", balance)
	assert.EqualValues(t, 1, countTxns())
}
