package stability

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stablecore/internal/models"
)

func (c *Controller) ratioStep() decimal.Decimal {
	if c.Config.RatioStep > 0 {
		return decimal.NewFromFloat(c.Config.RatioStep)
	}
	return decimal.NewFromFloat(0.05)
}

func (c *Controller) ratioCooldown() time.Duration {
	if c.Config.RatioCooldown > 0 {
		return c.Config.RatioCooldown
	}
	return time.Hour
}

func (c *Controller) feeStep() decimal.Decimal {
	if c.Config.FeeStep > 0 {
		return decimal.NewFromFloat(c.Config.FeeStep)
	}
	return decimal.NewFromFloat(0.001)
}

func (c *Controller) feeCooldown() time.Duration {
	if c.Config.FeeCooldown > 0 {
		return c.Config.FeeCooldown
	}
	return 30 * time.Minute
}

func (c *Controller) maxFee() decimal.Decimal {
	if c.Config.MaxFee > 0 {
		return decimal.NewFromFloat(c.Config.MaxFee)
	}
	return decimal.NewFromFloat(0.01)
}

func (c *Controller) priceBand() decimal.Decimal {
	if c.Config.PriceBandPct > 0 {
		return decimal.NewFromFloat(c.Config.PriceBandPct)
	}
	return decimal.NewFromFloat(0.02)
}

func (c *Controller) haltBand() decimal.Decimal {
	if c.Config.HaltBandPct > 0 {
		return decimal.NewFromFloat(c.Config.HaltBandPct)
	}
	return decimal.NewFromFloat(0.05)
}

func (c *Controller) forcedHaltBand() decimal.Decimal {
	if c.Config.ForcedHaltBandPct > 0 {
		return decimal.NewFromFloat(c.Config.ForcedHaltBandPct)
	}
	return decimal.NewFromFloat(0.10)
}

func (c *Controller) relaxMultiple() decimal.Decimal {
	if c.Config.RelaxRatioMultiple > 0 {
		return decimal.NewFromFloat(c.Config.RelaxRatioMultiple)
	}
	return decimal.NewFromFloat(1.5)
}

// applyCollateralized steers the collateral-ratio requirement from the global
// backing ratio. A coin with nothing minted is left alone.
func (c *Controller) applyCollateralized(ctx context.Context, coin models.Stablecoin) ([]Action, error) {
	var actions []Action
	if coin.TotalSupply.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}
	global := coin.GlobalRatio()

	switch {
	case global.LessThan(coin.MinCollateralRatio):
		if c.Liquidator == nil {
			return actions, fmt.Errorf("global ratio %s below minimum and no liquidator wired", global.Round(4))
		}
		out, err := c.Liquidator.EmergencyLiquidation(ctx, coin.Code)
		if err != nil {
			return actions, err
		}
		action := Action{
			Type:   "emergency_liquidation",
			Detail: fmt.Sprintf("global ratio %s below minimum %s, settled %d", global.Round(4), coin.MinCollateralRatio, out.Succeeded),
		}
		actions = append(actions, action)
		c.emit(ctx, coin, action)

	case global.LessThan(coin.TargetCollateralRatio):
		ok, err := c.cooldownOver(ctx, coin.Code, models.AdjustmentCollateralRatio, c.ratioCooldown())
		if err != nil {
			return actions, err
		}
		if !ok {
			break
		}
		newRatio := coin.TargetCollateralRatio.Mul(decimal.NewFromInt(1).Add(c.ratioStep())).Round(4)
		if err := c.Store.UpdateStablecoinTargetRatio(ctx, coin.Code, newRatio); err != nil {
			return actions, err
		}
		if err := c.markApplied(ctx, coin.Code, models.AdjustmentCollateralRatio); err != nil {
			return actions, err
		}
		action := Action{
			Type:   "raise_target_ratio",
			Detail: fmt.Sprintf("%s -> %s", coin.TargetCollateralRatio, newRatio),
		}
		actions = append(actions, action)
		c.emit(ctx, coin, action)

	case global.GreaterThan(coin.TargetCollateralRatio.Mul(c.relaxMultiple())):
		ok, err := c.cooldownOver(ctx, coin.Code, models.AdjustmentCollateralRatio, c.ratioCooldown())
		if err != nil {
			return actions, err
		}
		if !ok {
			break
		}
		newRatio := coin.TargetCollateralRatio.Mul(decimal.NewFromInt(1).Sub(c.ratioStep())).Round(4)
		if newRatio.LessThan(coin.MinCollateralRatio) {
			newRatio = coin.MinCollateralRatio
		}
		if newRatio.Equal(coin.TargetCollateralRatio) {
			break
		}
		if err := c.Store.UpdateStablecoinTargetRatio(ctx, coin.Code, newRatio); err != nil {
			return actions, err
		}
		if err := c.markApplied(ctx, coin.Code, models.AdjustmentCollateralRatio); err != nil {
			return actions, err
		}
		action := Action{
			Type:   "lower_target_ratio",
			Detail: fmt.Sprintf("%s -> %s", coin.TargetCollateralRatio, newRatio),
		}
		actions = append(actions, action)
		c.emit(ctx, coin, action)
	}

	if c.Risk != nil {
		atRisk, err := c.Risk.PositionsAtRiskForCoin(ctx, coin.Code, decimal.Zero)
		if err != nil {
			if c.Logger != nil {
				c.Logger.Warn("at-risk scan failed", zap.String("stablecoin_code", coin.Code), zap.Error(err))
			}
		} else if len(atRisk) > 0 {
			positions := make([]AtRiskPosition, 0, len(atRisk))
			for _, pos := range atRisk {
				recs, err := c.Risk.Recommendations(ctx, pos)
				if err != nil && c.Logger != nil {
					c.Logger.Warn("recommendations failed", zap.String("position_id", pos.ID), zap.Error(err))
				}
				positions = append(positions, AtRiskPosition{
					PositionID:      pos.ID,
					AccountID:       pos.AccountID,
					CollateralRatio: pos.CollateralRatio,
					Recommendations: recs,
				})
			}
			actions = append(actions, Action{
				Type:      "at_risk_positions",
				Detail:    fmt.Sprintf("%d positions within the at-risk buffer", len(atRisk)),
				Positions: positions,
			})
		}
	}
	return actions, nil
}

// applyAlgorithmic nudges fees from the peg deviation. Above the band the
// mint fee rises and the burn fee falls to contract supply; below it the
// inverse. Past the halt band both switches flip off.
func (c *Controller) applyAlgorithmic(ctx context.Context, coin models.Stablecoin) ([]Action, error) {
	price, err := c.Oracle.GetAggregatedPrice(ctx, coin.Code, coin.PegAsset)
	if err != nil {
		return nil, err
	}
	if coin.TargetPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("coin %s has no target price", coin.Code)
	}
	deviation := price.Price.Sub(coin.TargetPrice).Div(coin.TargetPrice)
	absDev := deviation.Abs()

	var actions []Action

	if absDev.GreaterThan(c.forcedHaltBand()) {
		off := false
		if err := c.Store.SetStablecoinSwitches(ctx, coin.Code, &off, nil); err != nil {
			return actions, err
		}
		max := c.maxFee()
		if err := c.Store.UpdateStablecoinFees(ctx, coin.Code, &max, &max); err != nil {
			return actions, err
		}
		action := Action{
			Type:   "forced_minting_halt",
			Detail: fmt.Sprintf("peg deviation %s%%, fees forced to maximum", absDev.Mul(decimal.NewFromInt(100)).Round(2)),
		}
		actions = append(actions, action)
		c.emit(ctx, coin, action)
		if c.Logger != nil {
			c.Logger.Error("forced minting halt",
				zap.String("stablecoin_code", coin.Code),
				zap.String("deviation", deviation.Round(4).String()),
			)
		}
		return actions, nil
	}

	if absDev.GreaterThan(c.haltBand()) {
		off := false
		if err := c.Store.SetStablecoinSwitches(ctx, coin.Code, &off, &off); err != nil {
			return actions, err
		}
		action := Action{
			Type:   "halt_mint_burn",
			Detail: fmt.Sprintf("peg deviation %s%%", absDev.Mul(decimal.NewFromInt(100)).Round(2)),
		}
		actions = append(actions, action)
		c.emit(ctx, coin, action)
		return actions, nil
	}

	if absDev.LessThanOrEqual(c.priceBand()) {
		return actions, nil
	}

	step := c.feeStep()
	var newMint, newBurn decimal.Decimal
	var direction string
	if deviation.GreaterThan(decimal.Zero) {
		// Above peg: contract supply.
		newMint = c.clampFee(coin.MintFee.Add(step))
		newBurn = c.clampFee(coin.BurnFee.Sub(step))
		direction = "contract_supply"
	} else {
		// Below peg: expand supply.
		newMint = c.clampFee(coin.MintFee.Sub(step))
		newBurn = c.clampFee(coin.BurnFee.Add(step))
		direction = "expand_supply"
	}

	changed := false
	if !newMint.Equal(coin.MintFee) {
		ok, err := c.cooldownOver(ctx, coin.Code, models.AdjustmentMintFee, c.feeCooldown())
		if err != nil {
			return actions, err
		}
		if ok {
			if err := c.Store.UpdateStablecoinFees(ctx, coin.Code, &newMint, nil); err != nil {
				return actions, err
			}
			if err := c.markApplied(ctx, coin.Code, models.AdjustmentMintFee); err != nil {
				return actions, err
			}
			changed = true
		}
	}
	if !newBurn.Equal(coin.BurnFee) {
		ok, err := c.cooldownOver(ctx, coin.Code, models.AdjustmentBurnFee, c.feeCooldown())
		if err != nil {
			return actions, err
		}
		if ok {
			if err := c.Store.UpdateStablecoinFees(ctx, coin.Code, nil, &newBurn); err != nil {
				return actions, err
			}
			if err := c.markApplied(ctx, coin.Code, models.AdjustmentBurnFee); err != nil {
				return actions, err
			}
			changed = true
		}
	}
	if changed {
		action := Action{
			Type:   direction,
			Detail: fmt.Sprintf("deviation %s%%, mint fee %s, burn fee %s", deviation.Mul(decimal.NewFromInt(100)).Round(2), newMint, newBurn),
		}
		actions = append(actions, action)
		c.emit(ctx, coin, action)
	}
	return actions, nil
}

func (c *Controller) clampFee(fee decimal.Decimal) decimal.Decimal {
	if fee.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if max := c.maxFee(); fee.GreaterThan(max) {
		return max
	}
	return fee
}
