package collateral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stablecore/internal/config"
	"stablecore/internal/events"
	"stablecore/internal/models"
	"stablecore/internal/oracle"
)

var ErrExchangeRateUnavailable = errors.New("exchange rate unavailable")

type PriceSource interface {
	GetAggregatedPrice(ctx context.Context, base, quote string) (oracle.AggregatedPrice, error)
	RefreshAggregatedPrice(ctx context.Context, base, quote string) (oracle.AggregatedPrice, error)
}

type Store interface {
	GetStablecoin(ctx context.Context, code string) (*models.Stablecoin, error)
	ListActiveStablecoins(ctx context.Context) ([]models.Stablecoin, error)
	ListActivePositions(ctx context.Context, code string, limit int) ([]models.CollateralPosition, error)
	UpdatePositionRisk(ctx context.Context, id string, ratio, liquidationPrice decimal.Decimal) error
}

// Service converts collateral into peg-asset value and keeps position risk
// numbers fresh.
type Service struct {
	Config config.CollateralConfig
	Store  Store
	Oracle PriceSource
	Sink   events.Sink
	Logger *zap.Logger
	Now    func() time.Time
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

// ConvertToPegAsset values an amount of an asset in the peg asset, rounded to
// 2 decimals. Identity conversion never touches the oracle.
func (s *Service) ConvertToPegAsset(ctx context.Context, asset string, amount decimal.Decimal, pegAsset string) (decimal.Decimal, error) {
	if asset == pegAsset {
		return amount.Round(2), nil
	}
	price, err := s.Oracle.GetAggregatedPrice(ctx, asset, pegAsset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s -> %s: %w: %w", asset, pegAsset, ErrExchangeRateUnavailable, err)
	}
	return amount.Mul(price.Price).Round(2), nil
}

// Ratio is collateral value over debt; zero when there is no debt.
func Ratio(collateralValue, debt decimal.Decimal) decimal.Decimal {
	if debt.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return collateralValue.Div(debt)
}

// LiquidationPrice is the collateral spot price at which the position hits
// the minimum ratio.
func LiquidationPrice(minRatio, debt, collateralAmount decimal.Decimal) decimal.Decimal {
	if collateralAmount.LessThanOrEqual(decimal.Zero) || debt.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return minRatio.Mul(debt).Div(collateralAmount).Round(2)
}

// RefreshPosition recomputes ratio and liquidation price in place and
// persists them only when the ratio moved by more than the configured
// epsilon, to bound write amplification on busy pairs.
func (s *Service) RefreshPosition(ctx context.Context, pos *models.CollateralPosition) (bool, error) {
	coin, err := s.Store.GetStablecoin(ctx, pos.StablecoinCode)
	if err != nil {
		return false, err
	}
	if coin == nil {
		return false, fmt.Errorf("stablecoin %s not found", pos.StablecoinCode)
	}
	value, err := s.ConvertToPegAsset(ctx, pos.CollateralAsset, pos.CollateralAmount, coin.PegAsset)
	if err != nil {
		return false, err
	}
	newRatio := Ratio(value, pos.DebtAmount)
	newLiq := LiquidationPrice(coin.MinCollateralRatio, pos.DebtAmount, pos.CollateralAmount)

	epsilon := decimal.NewFromFloat(s.Config.RatioEpsilon)
	if epsilon.LessThanOrEqual(decimal.Zero) {
		epsilon = decimal.NewFromFloat(0.001)
	}
	moved := newRatio.Sub(pos.CollateralRatio).Abs().GreaterThan(epsilon)

	pos.CollateralRatio = newRatio
	pos.LiquidationPrice = newLiq
	if !moved {
		return false, nil
	}
	if err := s.Store.UpdatePositionRisk(ctx, pos.ID, newRatio, newLiq); err != nil {
		return false, err
	}
	s.sink().Emit(ctx, events.Event{
		Type: events.TypePositionUpdated,
		Payload: map[string]any{
			"position_id":       pos.ID,
			"stablecoin_code":   pos.StablecoinCode,
			"collateral_ratio":  newRatio.String(),
			"liquidation_price": newLiq.String(),
		},
		At: s.now(),
	})
	return true, nil
}
