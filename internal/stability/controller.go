package stability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stablecore/internal/collateral"
	"stablecore/internal/config"
	"stablecore/internal/events"
	"stablecore/internal/liquidation"
	"stablecore/internal/models"
	"stablecore/internal/oracle"
)

var ErrUnknownStabilityMechanism = errors.New("unknown stability mechanism")

type Store interface {
	ListActiveStablecoins(ctx context.Context) ([]models.Stablecoin, error)
	GetStablecoin(ctx context.Context, code string) (*models.Stablecoin, error)
	UpdateStablecoinTargetRatio(ctx context.Context, code string, ratio decimal.Decimal) error
	UpdateStablecoinFees(ctx context.Context, code string, mintFee, burnFee *decimal.Decimal) error
	SetStablecoinSwitches(ctx context.Context, code string, minting, burning *bool) error
	GetStabilityAdjustment(ctx context.Context, code, adjustmentType string) (*models.StabilityAdjustment, error)
	UpsertStabilityAdjustment(ctx context.Context, code, adjustmentType string, at time.Time) error
}

type PriceSource interface {
	GetAggregatedPrice(ctx context.Context, base, quote string) (oracle.AggregatedPrice, error)
}

type Liquidator interface {
	EmergencyLiquidation(ctx context.Context, code string) (liquidation.BatchResult, error)
}

type Risk interface {
	PositionsAtRiskForCoin(ctx context.Context, code string, buffer decimal.Decimal) ([]models.CollateralPosition, error)
	Recommendations(ctx context.Context, pos models.CollateralPosition) ([]collateral.Recommendation, error)
}

type Action struct {
	Type      string           `json:"type"`
	Detail    string           `json:"detail,omitempty"`
	Positions []AtRiskPosition `json:"positions,omitempty"`
}

// AtRiskPosition identifies a position inside the at-risk buffer together
// with the guidance its owner would receive.
type AtRiskPosition struct {
	PositionID      string                      `json:"position_id"`
	AccountID       string                      `json:"account_id"`
	CollateralRatio decimal.Decimal             `json:"collateral_ratio"`
	Recommendations []collateral.Recommendation `json:"recommendations,omitempty"`
}

type TickResult struct {
	StablecoinCode string
	Actions        []Action
	Err            error
}

// Controller is the feedback loop that nudges each coin back toward its peg.
// It runs on a cron tick; cooldown windows in the stability_adjustments table
// are the only de-duplication across instances.
type Controller struct {
	Config     config.StabilityConfig
	Store      Store
	Oracle     PriceSource
	Liquidator Liquidator
	Risk       Risk
	Sink       events.Sink
	Logger     *zap.Logger
	Now        func() time.Time
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Controller) sink() events.Sink {
	if c.Sink != nil {
		return c.Sink
	}
	return events.Nop{}
}

// Tick applies the stability mechanism of every active coin. Per-coin errors
// are isolated; one misbehaving coin never blocks the rest.
func (c *Controller) Tick(ctx context.Context) ([]TickResult, error) {
	coins, err := c.Store.ListActiveStablecoins(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]TickResult, 0, len(coins))
	for _, coin := range coins {
		actions, err := c.apply(ctx, coin)
		if err != nil && c.Logger != nil {
			c.Logger.Warn("stability tick failed for coin",
				zap.String("stablecoin_code", coin.Code),
				zap.Error(err),
			)
		}
		results = append(results, TickResult{StablecoinCode: coin.Code, Actions: actions, Err: err})
	}
	return results, nil
}

func (c *Controller) apply(ctx context.Context, coin models.Stablecoin) ([]Action, error) {
	switch coin.Mechanism {
	case models.MechanismCollateralized:
		return c.applyCollateralized(ctx, coin)
	case models.MechanismAlgorithmic:
		return c.applyAlgorithmic(ctx, coin)
	case models.MechanismHybrid:
		collActions, err := c.applyCollateralized(ctx, coin)
		if err != nil {
			return collActions, err
		}
		algoActions, err := c.applyAlgorithmic(ctx, coin)
		return append(collActions, algoActions...), err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStabilityMechanism, coin.Mechanism)
	}
}

func (c *Controller) emit(ctx context.Context, coin models.Stablecoin, action Action) {
	c.sink().Emit(ctx, events.Event{
		Type: events.TypeStabilityMechanismApplied,
		Payload: map[string]any{
			"stablecoin_code": coin.Code,
			"mechanism":       string(coin.Mechanism),
			"action":          action.Type,
			"detail":          action.Detail,
		},
		At: c.now(),
	})
}

func (c *Controller) cooldownOver(ctx context.Context, code, adjustmentType string, window time.Duration) (bool, error) {
	adj, err := c.Store.GetStabilityAdjustment(ctx, code, adjustmentType)
	if err != nil {
		return false, err
	}
	if adj == nil {
		return true, nil
	}
	return c.now().Sub(adj.LastAppliedAt) >= window, nil
}

func (c *Controller) markApplied(ctx context.Context, code, adjustmentType string) error {
	return c.Store.UpsertStabilityAdjustment(ctx, code, adjustmentType, c.now())
}
