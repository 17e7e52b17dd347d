package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/internal/wallet/domain"
	"github.com/smallbiznis/settlement/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("wallet.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Deduct debits the wallet once per idempotency key. A repeated key returns
// the original transaction without touching the balance. Insufficient
// funds and unknown wallets are reported in the result, not as errors.
func (s *Service) Deduct(ctx context.Context, req domain.DeductRequest) (result domain.DeductResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "wallet.deduct", attribute.String("wallet_id", req.WalletID))
	defer func() { tracing.EndSpan(span, err) }()

	walletID := strings.TrimSpace(req.WalletID)
	key := strings.TrimSpace(req.IdempotencyKey)
	switch {
	case walletID == "":
		return domain.DeductResult{}, domain.ErrInvalidWallet
	case key == "":
		return domain.DeductResult{}, domain.ErrInvalidKey
	case !req.Amount.GreaterThan(decimal.Zero):
		return domain.DeductResult{}, domain.ErrInvalidAmount
	}
	amount := req.Amount.Round(2)
	now := s.clock.Now().UTC()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindTransactionByKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			result = replayed(existing)
			return nil
		}

		wallet, err := s.repo.FindWallet(ctx, tx, walletID)
		if err != nil {
			return err
		}
		if wallet == nil {
			result = domain.DeductResult{Reason: domain.ReasonWalletNotFound}
			return nil
		}

		ok, err := s.repo.Debit(ctx, tx, walletID, amount, now)
		if err != nil {
			return err
		}
		if !ok {
			result = domain.DeductResult{Reason: domain.ReasonInsufficientFunds}
			return nil
		}

		txn := domain.Transaction{
			ID:             s.genID.Generate(),
			WalletID:       walletID,
			Amount:         amount.Neg(),
			IdempotencyKey: key,
			Description:    req.Description,
			CreatedAt:      now,
		}
		if err := s.repo.InsertTransaction(ctx, tx, &txn); err != nil {
			return err
		}
		result = domain.DeductResult{Success: true, TransactionRef: txn.ID.String()}
		return nil
	})
	if err != nil && db.IsDuplicateKeyErr(err) {
		// A concurrent call with the same key committed first; its debit
		// stands and ours was rolled back.
		existing, ferr := s.repo.FindTransactionByKey(ctx, s.db, key)
		if ferr != nil {
			return domain.DeductResult{}, errors.Join(err, ferr)
		}
		if existing != nil {
			return replayed(existing), nil
		}
	}
	if err != nil {
		return domain.DeductResult{}, err
	}

	if result.Success && !result.Replayed {
		s.log.Info("wallet deducted",
			zap.String("wallet_id", walletID),
			zap.String("amount", amount.StringFixed(2)),
			zap.String("transaction_ref", result.TransactionRef),
		)
	}
	return result, nil
}

func (s *Service) Balance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	wallet, err := s.repo.FindWallet(ctx, s.db, strings.TrimSpace(walletID))
	if err != nil {
		return decimal.Zero, err
	}
	if wallet == nil {
		return decimal.Zero, domain.ErrWalletMissing
	}
	return wallet.Balance, nil
}

func replayed(txn *domain.Transaction) domain.DeductResult {
	return domain.DeductResult{
		Success:        true,
		TransactionRef: txn.ID.String(),
		Replayed:       true,
	}
}
