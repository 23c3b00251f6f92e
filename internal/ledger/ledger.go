package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"go.uber.org/zap"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

type Store interface {
	GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error)
	AddBalanceTx(ctx context.Context, tx *gorm.DB, accountID, asset string, delta decimal.Decimal) error
	DebitBalanceTx(ctx context.Context, tx *gorm.DB, accountID, asset string, amount decimal.Decimal) (bool, error)
}

// Service is the debit/credit/balance collaborator consumed by issuance and
// liquidation. Tx variants run inside the caller's transaction so a failed
// operation leaves no partial balance change.
type Service struct {
	Store  Store
	Logger *zap.Logger
}

func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, accountID, asset string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("ledger: debit amount must be positive")
	}
	ok, err := s.Store.DebitBalanceTx(ctx, tx, accountID, asset, amount)
	if err != nil {
		return fmt.Errorf("ledger: debit %s %s from %s: %w", amount.String(), asset, accountID, err)
	}
	if !ok {
		return fmt.Errorf("ledger: debit %s %s from %s: %w", amount.String(), asset, accountID, ErrInsufficientBalance)
	}
	return nil
}

func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, accountID, asset string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		// Zero credits happen on dust rounding; skip silently.
		if amount.IsZero() {
			return nil
		}
		return fmt.Errorf("ledger: credit amount must not be negative")
	}
	if err := s.Store.AddBalanceTx(ctx, tx, accountID, asset, amount); err != nil {
		return fmt.Errorf("ledger: credit %s %s to %s: %w", amount.String(), asset, accountID, err)
	}
	return nil
}

func (s *Service) HasSufficientBalance(ctx context.Context, accountID, asset string, amount decimal.Decimal) (bool, error) {
	bal, err := s.Store.GetBalance(ctx, accountID, asset)
	if err != nil {
		return false, err
	}
	return bal.GreaterThanOrEqual(amount), nil
}

func (s *Service) Balance(ctx context.Context, accountID, asset string) (decimal.Decimal, error) {
	return s.Store.GetBalance(ctx, accountID, asset)
}
