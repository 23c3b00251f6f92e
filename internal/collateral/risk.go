package collateral

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stablecore/internal/models"
)

const (
	// Priority weights: distress dominates, then debt size, then staleness.
	priorityHealthWeight = 0.6
	priorityDebtWeight   = 0.3
	priorityAgeWeight    = 0.1

	priorityDebtCap     = 1_000_000.0
	priorityMaxAgeHours = 168.0
)

// HealthScore is the normalized distance between the current and minimum
// ratio, clamped to [0,1]. A debt-free position is perfectly healthy.
func HealthScore(pos models.CollateralPosition, minRatio decimal.Decimal) float64 {
	if pos.DebtAmount.LessThanOrEqual(decimal.Zero) {
		return 1.0
	}
	if minRatio.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	score, _ := pos.CollateralRatio.Sub(minRatio).Div(minRatio).Float64()
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// LiquidationPriority orders at-risk positions; higher liquidates first.
func (s *Service) LiquidationPriority(pos models.CollateralPosition, minRatio decimal.Decimal) float64 {
	health := HealthScore(pos, minRatio)

	debt, _ := pos.DebtAmount.Float64()
	debtFactor := debt / priorityDebtCap
	if debtFactor > 1 {
		debtFactor = 1
	}
	if debtFactor < 0 {
		debtFactor = 0
	}

	hours := s.now().Sub(pos.LastInteractionAt).Hours()
	ageFactor := hours / priorityMaxAgeHours
	if ageFactor > 1 {
		ageFactor = 1
	}
	if ageFactor < 0 {
		ageFactor = 0
	}

	return priorityHealthWeight*(1-health) + priorityDebtWeight*debtFactor + priorityAgeWeight*ageFactor
}

// ShouldAutoLiquidate gates the liquidation engine: active, indebted, and
// below the minimum ratio.
func ShouldAutoLiquidate(pos models.CollateralPosition, minRatio decimal.Decimal) bool {
	return pos.Status == models.PositionStatusActive &&
		pos.DebtAmount.GreaterThan(decimal.Zero) &&
		pos.CollateralRatio.LessThan(minRatio)
}

// PositionsAtRisk refreshes every active position and returns those whose
// ratio sits within buffer of the minimum.
func (s *Service) PositionsAtRisk(ctx context.Context, buffer decimal.Decimal) ([]models.CollateralPosition, error) {
	coins, err := s.Store.ListActiveStablecoins(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.CollateralPosition
	for _, coin := range coins {
		atRisk, err := s.atRiskForCoin(ctx, coin, buffer)
		if err != nil {
			return nil, err
		}
		out = append(out, atRisk...)
	}
	return out, nil
}

// PositionsAtRiskForCoin scopes the at-risk scan to a single stablecoin.
func (s *Service) PositionsAtRiskForCoin(ctx context.Context, code string, buffer decimal.Decimal) ([]models.CollateralPosition, error) {
	coin, err := s.Store.GetStablecoin(ctx, code)
	if err != nil {
		return nil, err
	}
	if coin == nil {
		return nil, fmt.Errorf("stablecoin %s not found", code)
	}
	return s.atRiskForCoin(ctx, *coin, buffer)
}

func (s *Service) atRiskForCoin(ctx context.Context, coin models.Stablecoin, buffer decimal.Decimal) ([]models.CollateralPosition, error) {
	if buffer.LessThanOrEqual(decimal.Zero) {
		buffer = decimal.NewFromFloat(s.Config.AtRiskBuffer)
	}
	positions, err := s.Store.ListActivePositions(ctx, coin.Code, s.Config.ScanBatchSize)
	if err != nil {
		return nil, err
	}
	threshold := coin.MinCollateralRatio.Add(buffer)
	var out []models.CollateralPosition
	for i := range positions {
		pos := positions[i]
		if pos.DebtAmount.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if _, err := s.RefreshPosition(ctx, &pos); err != nil {
			if s.Logger != nil {
				s.Logger.Warn("position refresh failed", zap.String("position_id", pos.ID), zap.Error(err))
			}
			continue
		}
		if pos.CollateralRatio.LessThanOrEqual(threshold) {
			out = append(out, pos)
		}
	}
	return out, nil
}

// PositionsForLiquidation returns active positions below the minimum ratio,
// re-validated against a fresh (cache-bypassing) price so a stale cached
// quote cannot produce false positives.
func (s *Service) PositionsForLiquidation(ctx context.Context) ([]models.CollateralPosition, error) {
	coins, err := s.Store.ListActiveStablecoins(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.CollateralPosition
	for _, coin := range coins {
		positions, err := s.Store.ListActivePositions(ctx, coin.Code, s.Config.ScanBatchSize)
		if err != nil {
			return nil, err
		}
		refreshed := map[string]bool{}
		for i := range positions {
			pos := positions[i]
			if pos.DebtAmount.LessThanOrEqual(decimal.Zero) {
				continue
			}
			if _, err := s.RefreshPosition(ctx, &pos); err != nil {
				continue
			}
			if !pos.CollateralRatio.LessThan(coin.MinCollateralRatio) {
				continue
			}
			// Candidate: re-check once per collateral asset against live sources.
			if pos.CollateralAsset != coin.PegAsset && !refreshed[pos.CollateralAsset] {
				if _, err := s.Oracle.RefreshAggregatedPrice(ctx, pos.CollateralAsset, coin.PegAsset); err != nil {
					if s.Logger != nil {
						s.Logger.Warn("fresh price check failed",
							zap.String("asset", pos.CollateralAsset),
							zap.Error(err),
						)
					}
					continue
				}
				refreshed[pos.CollateralAsset] = true
				if _, err := s.RefreshPosition(ctx, &pos); err != nil {
					continue
				}
			}
			if ShouldAutoLiquidate(pos, coin.MinCollateralRatio) {
				out = append(out, pos)
			}
		}
	}
	return out, nil
}

type Recommendation struct {
	Action   string           `json:"action"`
	Priority string           `json:"priority"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Reason   string           `json:"reason"`
}

// Recommendations returns tiered guidance for a position, most urgent first.
func (s *Service) Recommendations(ctx context.Context, pos models.CollateralPosition) ([]Recommendation, error) {
	coin, err := s.Store.GetStablecoin(ctx, pos.StablecoinCode)
	if err != nil {
		return nil, err
	}
	if coin == nil {
		return nil, fmt.Errorf("stablecoin %s not found", pos.StablecoinCode)
	}
	health := HealthScore(pos, coin.MinCollateralRatio)

	if ShouldAutoLiquidate(pos, coin.MinCollateralRatio) {
		return []Recommendation{{
			Action:   "liquidate",
			Priority: "critical",
			Reason:   "collateral ratio below minimum",
		}}, nil
	}
	if health < 0.2 {
		amount, err := s.suggestedTopUp(ctx, pos, *coin)
		if err != nil {
			return nil, err
		}
		return []Recommendation{{
			Action:   "add_collateral",
			Priority: "high",
			Amount:   amount,
			Reason:   "position close to liquidation threshold",
		}}, nil
	}
	if health < 0.4 {
		return []Recommendation{{
			Action:   "monitor",
			Priority: "medium",
			Reason:   "health score below comfort band",
		}}, nil
	}
	if health > 0.8 {
		amount, err := s.maxSafeMint(ctx, pos, *coin)
		if err != nil {
			return nil, err
		}
		if amount != nil && amount.GreaterThan(decimal.Zero) {
			return []Recommendation{{
				Action:   "mint_more",
				Priority: "low",
				Amount:   amount,
				Reason:   "excess collateral headroom",
			}}, nil
		}
	}
	return nil, nil
}

// suggestedTopUp is the shortfall to the target ratio, converted back into
// the collateral asset.
func (s *Service) suggestedTopUp(ctx context.Context, pos models.CollateralPosition, coin models.Stablecoin) (*decimal.Decimal, error) {
	value, err := s.ConvertToPegAsset(ctx, pos.CollateralAsset, pos.CollateralAmount, coin.PegAsset)
	if err != nil {
		return nil, err
	}
	targetValue := pos.DebtAmount.Mul(coin.TargetCollateralRatio)
	shortfall := targetValue.Sub(value)
	if shortfall.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}
	if pos.CollateralAsset == coin.PegAsset {
		rounded := shortfall.Round(2)
		return &rounded, nil
	}
	price, err := s.Oracle.GetAggregatedPrice(ctx, pos.CollateralAsset, coin.PegAsset)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeRateUnavailable, err)
	}
	amount := shortfall.Div(price.Price).Round(8)
	return &amount, nil
}

func (s *Service) maxSafeMint(ctx context.Context, pos models.CollateralPosition, coin models.Stablecoin) (*decimal.Decimal, error) {
	value, err := s.ConvertToPegAsset(ctx, pos.CollateralAsset, pos.CollateralAmount, coin.PegAsset)
	if err != nil {
		return nil, err
	}
	if coin.TargetCollateralRatio.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}
	headroom := value.Div(coin.TargetCollateralRatio).Sub(pos.DebtAmount).Round(2)
	if headroom.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}
	return &headroom, nil
}

type AssetShare struct {
	Asset string          `json:"asset"`
	Value decimal.Decimal `json:"value"`
	Share float64         `json:"share"`
}

type SystemMetrics struct {
	TotalCollateralValue decimal.Decimal `json:"total_collateral_value"`
	TotalDebt            decimal.Decimal `json:"total_debt"`
	ActivePositions      int             `json:"active_positions"`
	Distribution         []AssetShare    `json:"distribution"`
	// Diversification is 1 minus the largest asset share; 0 means fully
	// concentrated in one asset.
	Diversification float64 `json:"diversification"`
}

// CollateralDistribution values active collateral per asset across all coins.
func (s *Service) CollateralDistribution(ctx context.Context) ([]AssetShare, error) {
	coins, err := s.Store.ListActiveStablecoins(ctx)
	if err != nil {
		return nil, err
	}
	totals := map[string]decimal.Decimal{}
	grand := decimal.Zero
	for _, coin := range coins {
		positions, err := s.Store.ListActivePositions(ctx, coin.Code, s.Config.ScanBatchSize)
		if err != nil {
			return nil, err
		}
		for _, pos := range positions {
			value, err := s.ConvertToPegAsset(ctx, pos.CollateralAsset, pos.CollateralAmount, coin.PegAsset)
			if err != nil {
				if s.Logger != nil {
					s.Logger.Warn("distribution valuation failed",
						zap.String("asset", pos.CollateralAsset),
						zap.Error(err),
					)
				}
				continue
			}
			totals[pos.CollateralAsset] = totals[pos.CollateralAsset].Add(value)
			grand = grand.Add(value)
		}
	}
	out := make([]AssetShare, 0, len(totals))
	for asset, value := range totals {
		share := 0.0
		if grand.GreaterThan(decimal.Zero) {
			share, _ = value.Div(grand).Float64()
		}
		out = append(out, AssetShare{Asset: asset, Value: value, Share: share})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value.GreaterThan(out[j].Value) })
	return out, nil
}

func (s *Service) SystemCollateralizationMetrics(ctx context.Context) (SystemMetrics, error) {
	dist, err := s.CollateralDistribution(ctx)
	if err != nil {
		return SystemMetrics{}, err
	}
	coins, err := s.Store.ListActiveStablecoins(ctx)
	if err != nil {
		return SystemMetrics{}, err
	}
	m := SystemMetrics{Distribution: dist, Diversification: 1}
	for _, share := range dist {
		m.TotalCollateralValue = m.TotalCollateralValue.Add(share.Value)
		if 1-share.Share < m.Diversification {
			m.Diversification = 1 - share.Share
		}
	}
	if len(dist) == 0 {
		m.Diversification = 0
	}
	for _, coin := range coins {
		positions, err := s.Store.ListActivePositions(ctx, coin.Code, s.Config.ScanBatchSize)
		if err != nil {
			return SystemMetrics{}, err
		}
		for _, pos := range positions {
			m.TotalDebt = m.TotalDebt.Add(pos.DebtAmount)
		}
		m.ActivePositions += len(positions)
	}
	return m, nil
}
