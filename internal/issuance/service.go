package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stablecore/internal/collateral"
	"stablecore/internal/events"
	"stablecore/internal/models"
)

var (
	ErrStablecoinNotFound         = errors.New("stablecoin not found")
	ErrStablecoinInactive         = errors.New("stablecoin inactive")
	ErrMintingDisabled            = errors.New("minting disabled")
	ErrBurningDisabled            = errors.New("burning disabled")
	ErrSupplyCapExceeded          = errors.New("supply cap exceeded")
	ErrInsufficientCollateral     = errors.New("insufficient collateral for mint")
	ErrAssetMismatch              = errors.New("collateral asset mismatch")
	ErrPositionNotFound           = errors.New("position not found")
	ErrBurnExceedsDebt            = errors.New("burn amount exceeds position debt")
	ErrUnderCollateralizedRelease = errors.New("release would under-collateralize position")
)

type Store interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	GetStablecoinForUpdateTx(ctx context.Context, tx *gorm.DB, code string) (*models.Stablecoin, error)
	AddStablecoinAggregatesTx(ctx context.Context, tx *gorm.DB, code string, supplyDelta, collateralDelta decimal.Decimal) error
	CreatePositionTx(ctx context.Context, tx *gorm.DB, item *models.CollateralPosition) error
	SavePositionTx(ctx context.Context, tx *gorm.DB, item *models.CollateralPosition) error
	GetPositionForUpdateTx(ctx context.Context, tx *gorm.DB, id string) (*models.CollateralPosition, error)
	GetActivePositionForAccountTx(ctx context.Context, tx *gorm.DB, accountID, code string) (*models.CollateralPosition, error)
}

type Ledger interface {
	DebitTx(ctx context.Context, tx *gorm.DB, accountID, asset string, amount decimal.Decimal) error
	CreditTx(ctx context.Context, tx *gorm.DB, accountID, asset string, amount decimal.Decimal) error
}

type Valuer interface {
	ConvertToPegAsset(ctx context.Context, asset string, amount decimal.Decimal, pegAsset string) (decimal.Decimal, error)
}

// Service owns mint and burn. Every operation runs in one transaction with
// row locks on the coin and the position, so the aggregates and the position
// never drift apart under concurrent calls.
type Service struct {
	Store           Store
	Ledger          Ledger
	Valuer          Valuer
	Sink            events.Sink
	Logger          *zap.Logger
	ProtocolAccount string
	Now             func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) sink() events.Sink {
	if s.Sink != nil {
		return s.Sink
	}
	return events.Nop{}
}

type MintRequest struct {
	AccountID        string
	StablecoinCode   string
	CollateralAsset  string
	CollateralAmount decimal.Decimal
	MintAmount       decimal.Decimal
}

type MintResult struct {
	Position   models.CollateralPosition
	FeeCharged decimal.Decimal
	NetMinted  decimal.Decimal
}

// Mint locks collateral from the account and issues stablecoins against it.
// The mint fee is taken out of the issued amount.
func (s *Service) Mint(ctx context.Context, req MintRequest) (*MintResult, error) {
	if req.MintAmount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("mint amount must be positive")
	}
	if req.CollateralAmount.LessThan(decimal.Zero) {
		return nil, fmt.Errorf("collateral amount must not be negative")
	}

	var result *MintResult
	err := s.Store.InTx(ctx, func(tx *gorm.DB) error {
		// Lock order is position before coin, matching Burn, AddCollateral
		// and the liquidation engine.
		pos, err := s.Store.GetActivePositionForAccountTx(ctx, tx, req.AccountID, req.StablecoinCode)
		if err != nil {
			return err
		}
		if pos != nil && pos.CollateralAsset != req.CollateralAsset {
			return fmt.Errorf("%w: position holds %s", ErrAssetMismatch, pos.CollateralAsset)
		}

		coin, err := s.Store.GetStablecoinForUpdateTx(ctx, tx, req.StablecoinCode)
		if err != nil {
			return err
		}
		if coin == nil {
			return ErrStablecoinNotFound
		}
		if !coin.Active {
			return ErrStablecoinInactive
		}
		if !coin.MintingEnabled {
			return ErrMintingDisabled
		}
		if coin.MaxSupply.GreaterThan(decimal.Zero) &&
			coin.TotalSupply.Add(req.MintAmount).GreaterThan(coin.MaxSupply) {
			return ErrSupplyCapExceeded
		}

		newCollateral := req.CollateralAmount
		newDebt := req.MintAmount
		if pos != nil {
			newCollateral = newCollateral.Add(pos.CollateralAmount)
			newDebt = newDebt.Add(pos.DebtAmount)
		}
		value, err := s.Valuer.ConvertToPegAsset(ctx, req.CollateralAsset, newCollateral, coin.PegAsset)
		if err != nil {
			return err
		}
		required := newDebt.Mul(coin.TargetCollateralRatio)
		if value.LessThan(required) {
			return fmt.Errorf("%w: value %s, required %s",
				ErrInsufficientCollateral, value.String(), required.String())
		}

		if req.CollateralAmount.GreaterThan(decimal.Zero) {
			if err := s.Ledger.DebitTx(ctx, tx, req.AccountID, req.CollateralAsset, req.CollateralAmount); err != nil {
				return err
			}
		}

		fee := req.MintAmount.Mul(coin.MintFee).Round(2)
		net := req.MintAmount.Sub(fee)
		if err := s.Ledger.CreditTx(ctx, tx, req.AccountID, coin.Code, net); err != nil {
			return err
		}
		if fee.GreaterThan(decimal.Zero) && s.ProtocolAccount != "" {
			if err := s.Ledger.CreditTx(ctx, tx, s.ProtocolAccount, coin.Code, fee); err != nil {
				return err
			}
		}

		addedValue, err := s.Valuer.ConvertToPegAsset(ctx, req.CollateralAsset, req.CollateralAmount, coin.PegAsset)
		if err != nil {
			return err
		}
		if err := s.Store.AddStablecoinAggregatesTx(ctx, tx, coin.Code, req.MintAmount, addedValue); err != nil {
			return err
		}

		now := s.now()
		fresh := pos == nil
		if fresh {
			pos = &models.CollateralPosition{
				ID:              uuid.NewString(),
				AccountID:       req.AccountID,
				StablecoinCode:  coin.Code,
				CollateralAsset: req.CollateralAsset,
				Status:          models.PositionStatusActive,
				CreatedAt:       now,
			}
		}
		pos.CollateralAmount = newCollateral
		pos.DebtAmount = newDebt
		pos.CollateralRatio = collateral.Ratio(value, newDebt)
		pos.LiquidationPrice = collateral.LiquidationPrice(coin.MinCollateralRatio, newDebt, newCollateral)
		pos.LastInteractionAt = now
		if fresh {
			if err := s.Store.CreatePositionTx(ctx, tx, pos); err != nil {
				return err
			}
		} else if err := s.Store.SavePositionTx(ctx, tx, pos); err != nil {
			return err
		}

		result = &MintResult{Position: *pos, FeeCharged: fee, NetMinted: net}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.sink().Emit(ctx, events.Event{
		Type: events.TypeStablecoinMinted,
		Payload: map[string]any{
			"account_id":      req.AccountID,
			"stablecoin_code": req.StablecoinCode,
			"position_id":     result.Position.ID,
			"mint_amount":     req.MintAmount.String(),
			"fee":             result.FeeCharged.String(),
		},
		At: s.now(),
	})
	if s.Logger != nil {
		s.Logger.Info("minted",
			zap.String("stablecoin_code", req.StablecoinCode),
			zap.String("position_id", result.Position.ID),
			zap.String("amount", req.MintAmount.String()),
		)
	}
	return result, nil
}

type BurnRequest struct {
	AccountID  string
	PositionID string
	BurnAmount decimal.Decimal
	// ReleaseAmount overrides the proportional collateral release; nil keeps
	// the proportional default.
	ReleaseAmount *decimal.Decimal
}

type BurnResult struct {
	Position           models.CollateralPosition
	CollateralReleased decimal.Decimal
	FeeCharged         decimal.Decimal
}

// Burn retires stablecoins against a position and releases collateral. The
// default release is proportional to the share of debt retired; an override
// is accepted only while the remaining position stays at or above the target
// ratio. Retiring all debt closes the position and releases everything.
func (s *Service) Burn(ctx context.Context, req BurnRequest) (*BurnResult, error) {
	if req.BurnAmount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("burn amount must be positive")
	}

	var result *BurnResult
	err := s.Store.InTx(ctx, func(tx *gorm.DB) error {
		pos, err := s.Store.GetPositionForUpdateTx(ctx, tx, req.PositionID)
		if err != nil {
			return err
		}
		if pos == nil || pos.Status != models.PositionStatusActive {
			return ErrPositionNotFound
		}
		if pos.AccountID != req.AccountID {
			return ErrPositionNotFound
		}
		if req.BurnAmount.GreaterThan(pos.DebtAmount) {
			return fmt.Errorf("%w: debt %s", ErrBurnExceedsDebt, pos.DebtAmount.String())
		}

		coin, err := s.Store.GetStablecoinForUpdateTx(ctx, tx, pos.StablecoinCode)
		if err != nil {
			return err
		}
		if coin == nil {
			return ErrStablecoinNotFound
		}
		if !coin.BurningEnabled {
			return ErrBurningDisabled
		}

		fee := req.BurnAmount.Mul(coin.BurnFee).Round(2)
		if err := s.Ledger.DebitTx(ctx, tx, req.AccountID, coin.Code, req.BurnAmount.Add(fee)); err != nil {
			return err
		}
		if fee.GreaterThan(decimal.Zero) && s.ProtocolAccount != "" {
			if err := s.Ledger.CreditTx(ctx, tx, s.ProtocolAccount, coin.Code, fee); err != nil {
				return err
			}
		}

		remainingDebt := pos.DebtAmount.Sub(req.BurnAmount)
		fullBurn := remainingDebt.IsZero()

		var release decimal.Decimal
		switch {
		case fullBurn:
			release = pos.CollateralAmount
		case req.ReleaseAmount != nil:
			release = *req.ReleaseAmount
			if release.LessThan(decimal.Zero) || release.GreaterThan(pos.CollateralAmount) {
				return fmt.Errorf("release amount out of range")
			}
		default:
			release = pos.CollateralAmount.Mul(req.BurnAmount).Div(pos.DebtAmount).Round(8)
		}
		remainingCollateral := pos.CollateralAmount.Sub(release)

		if !fullBurn {
			value, err := s.Valuer.ConvertToPegAsset(ctx, pos.CollateralAsset, remainingCollateral, coin.PegAsset)
			if err != nil {
				return err
			}
			if req.ReleaseAmount != nil && value.LessThan(remainingDebt.Mul(coin.TargetCollateralRatio)) {
				return ErrUnderCollateralizedRelease
			}
			pos.CollateralRatio = collateral.Ratio(value, remainingDebt)
		} else {
			pos.CollateralRatio = decimal.Zero
		}

		if release.GreaterThan(decimal.Zero) {
			if err := s.Ledger.CreditTx(ctx, tx, req.AccountID, pos.CollateralAsset, release); err != nil {
				return err
			}
		}

		releasedValue, err := s.Valuer.ConvertToPegAsset(ctx, pos.CollateralAsset, release, coin.PegAsset)
		if err != nil {
			return err
		}
		if err := s.Store.AddStablecoinAggregatesTx(ctx, tx, coin.Code, req.BurnAmount.Neg(), releasedValue.Neg()); err != nil {
			return err
		}

		pos.CollateralAmount = remainingCollateral
		pos.DebtAmount = remainingDebt
		pos.LiquidationPrice = collateral.LiquidationPrice(coin.MinCollateralRatio, remainingDebt, remainingCollateral)
		pos.LastInteractionAt = s.now()
		if fullBurn {
			pos.Status = models.PositionStatusClosed
		}
		if err := s.Store.SavePositionTx(ctx, tx, pos); err != nil {
			return err
		}

		result = &BurnResult{Position: *pos, CollateralReleased: release, FeeCharged: fee}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.sink().Emit(ctx, events.Event{
		Type: events.TypeStablecoinBurned,
		Payload: map[string]any{
			"account_id":          req.AccountID,
			"position_id":         result.Position.ID,
			"stablecoin_code":     result.Position.StablecoinCode,
			"burn_amount":         req.BurnAmount.String(),
			"collateral_released": result.CollateralReleased.String(),
			"fee":                 result.FeeCharged.String(),
		},
		At: s.now(),
	})
	if s.Logger != nil {
		s.Logger.Info("burned",
			zap.String("position_id", result.Position.ID),
			zap.String("amount", req.BurnAmount.String()),
			zap.Bool("closed", result.Position.Status == models.PositionStatusClosed),
		)
	}
	return result, nil
}

// AddCollateral tops up an existing position without changing its debt.
func (s *Service) AddCollateral(ctx context.Context, accountID, positionID, asset string, amount decimal.Decimal) (*models.CollateralPosition, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("collateral amount must be positive")
	}

	var updated *models.CollateralPosition
	err := s.Store.InTx(ctx, func(tx *gorm.DB) error {
		pos, err := s.Store.GetPositionForUpdateTx(ctx, tx, positionID)
		if err != nil {
			return err
		}
		if pos == nil || pos.Status != models.PositionStatusActive || pos.AccountID != accountID {
			return ErrPositionNotFound
		}
		if pos.CollateralAsset != asset {
			return fmt.Errorf("%w: position holds %s", ErrAssetMismatch, pos.CollateralAsset)
		}
		coin, err := s.Store.GetStablecoinForUpdateTx(ctx, tx, pos.StablecoinCode)
		if err != nil {
			return err
		}
		if coin == nil {
			return ErrStablecoinNotFound
		}

		if err := s.Ledger.DebitTx(ctx, tx, accountID, asset, amount); err != nil {
			return err
		}

		pos.CollateralAmount = pos.CollateralAmount.Add(amount)
		value, err := s.Valuer.ConvertToPegAsset(ctx, asset, pos.CollateralAmount, coin.PegAsset)
		if err != nil {
			return err
		}
		pos.CollateralRatio = collateral.Ratio(value, pos.DebtAmount)
		pos.LiquidationPrice = collateral.LiquidationPrice(coin.MinCollateralRatio, pos.DebtAmount, pos.CollateralAmount)
		pos.LastInteractionAt = s.now()
		if err := s.Store.SavePositionTx(ctx, tx, pos); err != nil {
			return err
		}

		addedValue, err := s.Valuer.ConvertToPegAsset(ctx, asset, amount, coin.PegAsset)
		if err != nil {
			return err
		}
		if err := s.Store.AddStablecoinAggregatesTx(ctx, tx, coin.Code, decimal.Zero, addedValue); err != nil {
			return err
		}
		updated = pos
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.sink().Emit(ctx, events.Event{
		Type: events.TypePositionUpdated,
		Payload: map[string]any{
			"position_id":       updated.ID,
			"stablecoin_code":   updated.StablecoinCode,
			"collateral_ratio":  updated.CollateralRatio.String(),
			"liquidation_price": updated.LiquidationPrice.String(),
		},
		At: s.now(),
	})
	return updated, nil
}
