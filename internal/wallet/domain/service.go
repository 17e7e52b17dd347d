package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidWallet = errors.New("invalid_wallet")
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidKey    = errors.New("invalid_idempotency_key")
	ErrWalletMissing = errors.New("wallet_not_found")
)

// Reasons a deduction did not happen. These are business outcomes, not
// errors.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonWalletNotFound    = "wallet_not_found"
)

type Repository interface {
	FindWallet(ctx context.Context, db *gorm.DB, id string) (*Wallet, error)
	FindTransactionByKey(ctx context.Context, db *gorm.DB, key string) (*Transaction, error)
	// Debit subtracts amount only if the balance covers it.
	Debit(ctx context.Context, db *gorm.DB, walletID string, amount decimal.Decimal, now time.Time) (bool, error)
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error
}

type DeductRequest struct {
	WalletID       string
	Amount         decimal.Decimal
	IdempotencyKey string
	Description    string
}

type DeductResult struct {
	Success        bool
	TransactionRef string
	// Replayed is true when the key had already been deducted.
	Replayed bool
	Reason   string
}

// Wallet deducts prepaid balance at most once per idempotency key.
type Service interface {
	Deduct(ctx context.Context, req DeductRequest) (DeductResult, error)
	Balance(ctx context.Context, walletID string) (decimal.Decimal, error)
}
