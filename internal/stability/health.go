package stability

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// PegStatus classifies an absolute peg deviation into the standard tiers.
func PegStatus(absDeviation decimal.Decimal) string {
	switch {
	case absDeviation.LessThanOrEqual(decimal.NewFromFloat(0.01)):
		return StatusHealthy
	case absDeviation.LessThanOrEqual(decimal.NewFromFloat(0.05)):
		return StatusWarning
	default:
		return StatusCritical
	}
}

type CoinHealth struct {
	StablecoinCode string          `json:"stablecoin_code"`
	Status         string          `json:"status"`
	GlobalRatio    decimal.Decimal `json:"global_ratio"`
	PegDeviation   decimal.Decimal `json:"peg_deviation"`
	Escalated      bool            `json:"escalated"`
}

type HealthReport struct {
	Overall string       `json:"overall"`
	Coins   []CoinHealth `json:"coins"`
}

// CheckSystemHealth classifies every active coin and escalates critical ones
// to emergency liquidation. The overall status is critical if any coin is.
func (c *Controller) CheckSystemHealth(ctx context.Context) (*HealthReport, error) {
	coins, err := c.Store.ListActiveStablecoins(ctx)
	if err != nil {
		return nil, err
	}
	report := &HealthReport{Overall: StatusHealthy}
	for _, coin := range coins {
		health := CoinHealth{StablecoinCode: coin.Code, Status: StatusHealthy, GlobalRatio: coin.GlobalRatio()}

		if price, err := c.Oracle.GetAggregatedPrice(ctx, coin.Code, coin.PegAsset); err == nil && coin.TargetPrice.GreaterThan(decimal.Zero) {
			health.PegDeviation = price.Price.Sub(coin.TargetPrice).Div(coin.TargetPrice)
		} else if err != nil && c.Logger != nil {
			c.Logger.Warn("health check price lookup failed",
				zap.String("stablecoin_code", coin.Code),
				zap.Error(err),
			)
		}

		pegStatus := PegStatus(health.PegDeviation.Abs())
		ratioCritical := coin.TotalSupply.GreaterThan(decimal.Zero) &&
			health.GlobalRatio.LessThan(coin.MinCollateralRatio.Mul(decimal.NewFromFloat(0.9)))

		switch {
		case ratioCritical || pegStatus == StatusCritical:
			health.Status = StatusCritical
		case pegStatus == StatusWarning:
			health.Status = StatusWarning
		}

		if health.Status == StatusCritical && c.Liquidator != nil {
			if _, err := c.Liquidator.EmergencyLiquidation(ctx, coin.Code); err != nil {
				if c.Logger != nil {
					c.Logger.Error("health escalation failed",
						zap.String("stablecoin_code", coin.Code),
						zap.Error(err),
					)
				}
			} else {
				health.Escalated = true
			}
		}

		if health.Status == StatusCritical {
			report.Overall = StatusCritical
		} else if health.Status == StatusWarning && report.Overall == StatusHealthy {
			report.Overall = StatusWarning
		}
		report.Coins = append(report.Coins, health)
	}
	return report, nil
}
