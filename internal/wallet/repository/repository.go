package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/wallet/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindWallet(ctx context.Context, db *gorm.DB, id string) (*domain.Wallet, error) {
	var wallet domain.Wallet
	err := db.WithContext(ctx).Where("id = ?", id).Take(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *repo) FindTransactionByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repo) Debit(ctx context.Context, db *gorm.DB, walletID string, amount decimal.Decimal, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE wallets
		SET balance = balance - ?, updated_at = ?
		WHERE id = ? AND balance >= ?`,
		amount, now, walletID, amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO wallet_transactions (id, wallet_id, amount, idempotency_key, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.WalletID,
		txn.Amount,
		txn.IdempotencyKey,
		txn.Description,
		txn.CreatedAt,
	).Error
}
