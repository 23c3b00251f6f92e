package liquidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stablecore/internal/collateral"
	"stablecore/internal/config"
	"stablecore/internal/events"
	"stablecore/internal/models"
)

var (
	ErrPositionNotFound          = errors.New("position not found")
	ErrStablecoinNotFound        = errors.New("stablecoin not found")
	ErrNotEligibleForLiquidation = errors.New("position not eligible for liquidation")
)

type Store interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	GetPositionForUpdateTx(ctx context.Context, tx *gorm.DB, id string) (*models.CollateralPosition, error)
	GetStablecoinForUpdateTx(ctx context.Context, tx *gorm.DB, code string) (*models.Stablecoin, error)
	SavePositionTx(ctx context.Context, tx *gorm.DB, item *models.CollateralPosition) error
	AddStablecoinAggregatesTx(ctx context.Context, tx *gorm.DB, code string, supplyDelta, collateralDelta decimal.Decimal) error
	GetStablecoin(ctx context.Context, code string) (*models.Stablecoin, error)
	ListActivePositions(ctx context.Context, code string, limit int) ([]models.CollateralPosition, error)
}

// Risk is the slice of the collateral service the engine consumes.
type Risk interface {
	PositionsForLiquidation(ctx context.Context) ([]models.CollateralPosition, error)
	LiquidationPriority(pos models.CollateralPosition, minRatio decimal.Decimal) float64
	ConvertToPegAsset(ctx context.Context, asset string, amount decimal.Decimal, pegAsset string) (decimal.Decimal, error)
}

type Ledger interface {
	CreditTx(ctx context.Context, tx *gorm.DB, accountID, asset string, amount decimal.Decimal) error
}

// Engine executes liquidations. Each position is settled in its own
// transaction so one bad position cannot poison a batch.
type Engine struct {
	Config config.LiquidationConfig
	Store  Store
	Risk   Risk
	Ledger Ledger
	Sink   events.Sink
	Logger *zap.Logger
	Now    func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) sink() events.Sink {
	if e.Sink != nil {
		return e.Sink
	}
	return events.Nop{}
}

func (e *Engine) penaltyRate() decimal.Decimal {
	if e.Config.PenaltyRate > 0 {
		return decimal.NewFromFloat(e.Config.PenaltyRate)
	}
	return decimal.NewFromFloat(0.10)
}

func (e *Engine) rewardRate() decimal.Decimal {
	if e.Config.LiquidatorRewardRate > 0 {
		return decimal.NewFromFloat(e.Config.LiquidatorRewardRate)
	}
	return decimal.NewFromFloat(0.5)
}

type Result struct {
	PositionID       string          `json:"position_id"`
	StablecoinCode   string          `json:"stablecoin_code"`
	DebtCleared      decimal.Decimal `json:"debt_cleared"`
	CollateralSeized decimal.Decimal `json:"collateral_seized"`
	Penalty          decimal.Decimal `json:"penalty"`
	LiquidatorReward decimal.Decimal `json:"liquidator_reward"`
	ProtocolFee      decimal.Decimal `json:"protocol_fee"`
	ReturnedToOwner  decimal.Decimal `json:"returned_to_owner"`
}

// LiquidatePosition seizes the position's collateral, applies the penalty
// split, clears the debt from the coin aggregates and moves the position to
// its terminal state. Eligibility is re-checked under the row lock with a
// current valuation, so a stale scan cannot liquidate a recovered position.
func (e *Engine) LiquidatePosition(ctx context.Context, positionID string, liquidatorID *string) (*Result, error) {
	var result *Result
	err := e.Store.InTx(ctx, func(tx *gorm.DB) error {
		pos, err := e.Store.GetPositionForUpdateTx(ctx, tx, positionID)
		if err != nil {
			return err
		}
		if pos == nil || pos.Status != models.PositionStatusActive {
			return ErrPositionNotFound
		}
		coin, err := e.Store.GetStablecoinForUpdateTx(ctx, tx, pos.StablecoinCode)
		if err != nil {
			return err
		}
		if coin == nil {
			return ErrStablecoinNotFound
		}

		value, err := e.Risk.ConvertToPegAsset(ctx, pos.CollateralAsset, pos.CollateralAmount, coin.PegAsset)
		if err != nil {
			return err
		}
		pos.CollateralRatio = collateral.Ratio(value, pos.DebtAmount)
		if !collateral.ShouldAutoLiquidate(*pos, coin.MinCollateralRatio) {
			return fmt.Errorf("%w: ratio %s, minimum %s",
				ErrNotEligibleForLiquidation, pos.CollateralRatio.Round(4).String(), coin.MinCollateralRatio.String())
		}

		seized := pos.CollateralAmount
		penalty := seized.Mul(e.penaltyRate()).Round(8)
		reward := decimal.Zero
		if liquidatorID != nil {
			reward = penalty.Mul(e.rewardRate()).Round(8)
		}
		protocolFee := penalty.Sub(reward)
		returned := seized.Sub(penalty)

		if returned.GreaterThan(decimal.Zero) {
			if err := e.Ledger.CreditTx(ctx, tx, pos.AccountID, pos.CollateralAsset, returned); err != nil {
				return err
			}
		}
		if reward.GreaterThan(decimal.Zero) {
			if err := e.Ledger.CreditTx(ctx, tx, *liquidatorID, pos.CollateralAsset, reward); err != nil {
				return err
			}
		}
		if protocolFee.GreaterThan(decimal.Zero) && e.Config.ProtocolAccount != "" {
			if err := e.Ledger.CreditTx(ctx, tx, e.Config.ProtocolAccount, pos.CollateralAsset, protocolFee); err != nil {
				return err
			}
		}

		if err := e.Store.AddStablecoinAggregatesTx(ctx, tx, coin.Code, pos.DebtAmount.Neg(), value.Neg()); err != nil {
			return err
		}

		result = &Result{
			PositionID:       pos.ID,
			StablecoinCode:   pos.StablecoinCode,
			DebtCleared:      pos.DebtAmount,
			CollateralSeized: seized,
			Penalty:          penalty,
			LiquidatorReward: reward,
			ProtocolFee:      protocolFee,
			ReturnedToOwner:  returned,
		}

		pos.CollateralAmount = decimal.Zero
		pos.DebtAmount = decimal.Zero
		pos.CollateralRatio = decimal.Zero
		pos.LiquidationPrice = decimal.Zero
		pos.Status = models.PositionStatusLiquidated
		pos.LastInteractionAt = e.now()
		return e.Store.SavePositionTx(ctx, tx, pos)
	})
	if err != nil {
		return nil, err
	}

	e.sink().Emit(ctx, events.Event{
		Type: events.TypePositionLiquidated,
		Payload: map[string]any{
			"position_id":       result.PositionID,
			"stablecoin_code":   result.StablecoinCode,
			"debt_cleared":      result.DebtCleared.String(),
			"collateral_seized": result.CollateralSeized.String(),
			"penalty":           result.Penalty.String(),
			"liquidator_reward": result.LiquidatorReward.String(),
		},
		At: e.now(),
	})
	if e.Logger != nil {
		e.Logger.Info("position liquidated",
			zap.String("position_id", result.PositionID),
			zap.String("debt_cleared", result.DebtCleared.String()),
			zap.String("penalty", result.Penalty.String()),
		)
	}
	return result, nil
}

type BatchItem struct {
	PositionID string
	Result     *Result
	Err        error
}

type BatchResult struct {
	Items        []BatchItem
	Succeeded    int
	Failed       int
	TotalRewards decimal.Decimal
	TotalFees    decimal.Decimal
}

// BatchLiquidate settles each position independently; a failure is recorded
// and the batch moves on.
func (e *Engine) BatchLiquidate(ctx context.Context, positionIDs []string, liquidatorID *string) BatchResult {
	out := BatchResult{}
	for _, id := range positionIDs {
		res, err := e.LiquidatePosition(ctx, id, liquidatorID)
		item := BatchItem{PositionID: id, Result: res, Err: err}
		out.Items = append(out.Items, item)
		if err != nil {
			out.Failed++
			if e.Logger != nil {
				e.Logger.Warn("batch liquidation item failed", zap.String("position_id", id), zap.Error(err))
			}
			continue
		}
		out.Succeeded++
		out.TotalRewards = out.TotalRewards.Add(res.LiquidatorReward)
		out.TotalFees = out.TotalFees.Add(res.ProtocolFee)
	}
	return out
}

// LiquidateEligible scans all coins for eligible positions and settles them
// most-distressed first, bounded by the configured batch size.
func (e *Engine) LiquidateEligible(ctx context.Context, liquidatorID *string) (BatchResult, error) {
	positions, err := e.Risk.PositionsForLiquidation(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	if len(positions) == 0 {
		return BatchResult{}, nil
	}

	minRatios := map[string]decimal.Decimal{}
	for _, pos := range positions {
		if _, ok := minRatios[pos.StablecoinCode]; ok {
			continue
		}
		coin, err := e.Store.GetStablecoin(ctx, pos.StablecoinCode)
		if err != nil {
			return BatchResult{}, err
		}
		if coin == nil {
			return BatchResult{}, fmt.Errorf("%w: %s", ErrStablecoinNotFound, pos.StablecoinCode)
		}
		minRatios[pos.StablecoinCode] = coin.MinCollateralRatio
	}

	sort.SliceStable(positions, func(i, j int) bool {
		pi := e.Risk.LiquidationPriority(positions[i], minRatios[positions[i].StablecoinCode])
		pj := e.Risk.LiquidationPriority(positions[j], minRatios[positions[j].StablecoinCode])
		return pi > pj
	})
	if e.Config.MaxBatchSize > 0 && len(positions) > e.Config.MaxBatchSize {
		positions = positions[:e.Config.MaxBatchSize]
	}

	ids := make([]string, len(positions))
	for i, pos := range positions {
		ids[i] = pos.ID
	}
	return e.BatchLiquidate(ctx, ids, liquidatorID), nil
}

// EmergencyLiquidation fires when any active position of the coin sits within
// the emergency buffer of the minimum ratio, then settles only the positions
// that are actually below it.
func (e *Engine) EmergencyLiquidation(ctx context.Context, code string) (BatchResult, error) {
	coin, err := e.Store.GetStablecoin(ctx, code)
	if err != nil {
		return BatchResult{}, err
	}
	if coin == nil {
		return BatchResult{}, fmt.Errorf("%w: %s", ErrStablecoinNotFound, code)
	}
	positions, err := e.Store.ListActivePositions(ctx, code, 0)
	if err != nil {
		return BatchResult{}, err
	}

	buffer := decimal.NewFromFloat(e.Config.EmergencyBuffer)
	if buffer.LessThanOrEqual(decimal.Zero) {
		buffer = decimal.NewFromFloat(0.10)
	}
	threshold := coin.MinCollateralRatio.Add(buffer)

	triggered := false
	var ids []string
	for _, pos := range positions {
		if pos.DebtAmount.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if pos.CollateralRatio.LessThanOrEqual(threshold) {
			triggered = true
		}
		if pos.CollateralRatio.LessThan(coin.MinCollateralRatio) {
			ids = append(ids, pos.ID)
		}
	}
	if !triggered {
		return BatchResult{}, nil
	}

	if e.Logger != nil {
		e.Logger.Error("emergency liquidation triggered",
			zap.String("stablecoin_code", code),
			zap.Int("candidates", len(ids)),
		)
	}
	return e.BatchLiquidate(ctx, ids, nil), nil
}

type SimulatedPosition struct {
	PositionID     string          `json:"position_id"`
	CurrentRatio   decimal.Decimal `json:"current_ratio"`
	ProjectedRatio decimal.Decimal `json:"projected_ratio"`
	WouldLiquidate bool            `json:"would_liquidate"`
}

type Simulation struct {
	StablecoinCode   string              `json:"stablecoin_code"`
	PriceDropPct     decimal.Decimal     `json:"price_drop_pct"`
	Positions        []SimulatedPosition `json:"positions"`
	Liquidations     int                 `json:"liquidations"`
	DebtAtRisk       decimal.Decimal     `json:"debt_at_risk"`
	CollateralAtRisk decimal.Decimal     `json:"collateral_at_risk"`
}

// SimulateMassLiquidation projects every active position under a uniform
// collateral price drop. Pure read; nothing is mutated.
func (e *Engine) SimulateMassLiquidation(ctx context.Context, code string, priceDropPct decimal.Decimal) (*Simulation, error) {
	coin, err := e.Store.GetStablecoin(ctx, code)
	if err != nil {
		return nil, err
	}
	if coin == nil {
		return nil, fmt.Errorf("%w: %s", ErrStablecoinNotFound, code)
	}
	positions, err := e.Store.ListActivePositions(ctx, code, 0)
	if err != nil {
		return nil, err
	}

	shock := decimal.NewFromInt(1).Sub(priceDropPct)
	if shock.LessThan(decimal.Zero) {
		shock = decimal.Zero
	}
	sim := &Simulation{StablecoinCode: code, PriceDropPct: priceDropPct}
	for _, pos := range positions {
		if pos.DebtAmount.LessThanOrEqual(decimal.Zero) {
			continue
		}
		value, err := e.Risk.ConvertToPegAsset(ctx, pos.CollateralAsset, pos.CollateralAmount, coin.PegAsset)
		if err != nil {
			return nil, err
		}
		projected := collateral.Ratio(value.Mul(shock), pos.DebtAmount)
		item := SimulatedPosition{
			PositionID:     pos.ID,
			CurrentRatio:   pos.CollateralRatio,
			ProjectedRatio: projected,
			WouldLiquidate: projected.LessThan(coin.MinCollateralRatio),
		}
		sim.Positions = append(sim.Positions, item)
		if item.WouldLiquidate {
			sim.Liquidations++
			sim.DebtAtRisk = sim.DebtAtRisk.Add(pos.DebtAmount)
			sim.CollateralAtRisk = sim.CollateralAtRisk.Add(value)
		}
	}
	return sim, nil
}
