package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Wallet is a prepaid balance owned by one tenant.
type Wallet struct {
	ID        string          `json:"id" gorm:"primaryKey"`
	TenantID  string          `json:"tenant_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

// Transaction records one balance movement. Deductions carry a negative
// amount. IdempotencyKey is unique across all wallets.
type Transaction struct {
	ID             snowflake.ID    `json:"id" gorm:"primaryKey"`
	WalletID       string          `json:"wallet_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Description    string          `json:"description"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (Transaction) TableName() string { return "wallet_transactions" }
