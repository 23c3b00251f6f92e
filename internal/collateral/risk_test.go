package collateral

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stablecore/internal/models"
)

func TestHealthScore(t *testing.T) {
	minRatio := decimal.NewFromFloat(1.2)

	cases := []struct {
		name  string
		ratio decimal.Decimal
		debt  decimal.Decimal
		want  float64
	}{
		{"no debt", decimal.Zero, decimal.Zero, 1.0},
		{"at minimum", decimal.NewFromFloat(1.2), decimal.NewFromInt(100), 0.0},
		{"below minimum clamps", decimal.NewFromFloat(0.9), decimal.NewFromInt(100), 0.0},
		{"double minimum clamps", decimal.NewFromFloat(3.0), decimal.NewFromInt(100), 1.0},
		{"halfway", decimal.NewFromFloat(1.8), decimal.NewFromInt(100), 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos := models.CollateralPosition{CollateralRatio: tc.ratio, DebtAmount: tc.debt}
			got := HealthScore(pos, minRatio)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("health = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLiquidationPriorityOrdersDistressFirst(t *testing.T) {
	svc, _ := newTestService(&stubStore{}, &stubOracle{})
	minRatio := decimal.NewFromFloat(1.2)
	now := svc.now()

	distressed := models.CollateralPosition{
		CollateralRatio:   decimal.NewFromFloat(1.1),
		DebtAmount:        decimal.NewFromInt(500_000),
		LastInteractionAt: now.Add(-200 * time.Hour),
	}
	comfortable := models.CollateralPosition{
		CollateralRatio:   decimal.NewFromFloat(2.0),
		DebtAmount:        decimal.NewFromInt(1000),
		LastInteractionAt: now,
	}
	if svc.LiquidationPriority(distressed, minRatio) <= svc.LiquidationPriority(comfortable, minRatio) {
		t.Fatal("distressed position should outrank comfortable one")
	}

	p := svc.LiquidationPriority(distressed, minRatio)
	if p < 0 || p > 1 {
		t.Fatalf("priority %v out of [0,1]", p)
	}
}

func TestShouldAutoLiquidate(t *testing.T) {
	minRatio := decimal.NewFromFloat(1.2)
	pos := models.CollateralPosition{
		Status:          models.PositionStatusActive,
		DebtAmount:      decimal.NewFromInt(100),
		CollateralRatio: decimal.NewFromFloat(1.1),
	}
	if !ShouldAutoLiquidate(pos, minRatio) {
		t.Fatal("under-collateralized active position should liquidate")
	}
	pos.CollateralRatio = decimal.NewFromFloat(1.2)
	if ShouldAutoLiquidate(pos, minRatio) {
		t.Fatal("position at minimum ratio should not liquidate")
	}
	pos.CollateralRatio = decimal.NewFromFloat(1.0)
	pos.Status = models.PositionStatusLiquidated
	if ShouldAutoLiquidate(pos, minRatio) {
		t.Fatal("non-active position should not liquidate")
	}
}

func TestPositionsAtRisk(t *testing.T) {
	store := &stubStore{
		coins: map[string]*models.Stablecoin{"XUSD": testCoin()},
		positions: []models.CollateralPosition{
			{
				ID: "risky", StablecoinCode: "XUSD", CollateralAsset: "ETH",
				CollateralAmount: decimal.NewFromFloat(1.22), DebtAmount: decimal.NewFromInt(2000),
				Status: models.PositionStatusActive,
			},
			{
				ID: "safe", StablecoinCode: "XUSD", CollateralAsset: "ETH",
				CollateralAmount: decimal.NewFromFloat(2), DebtAmount: decimal.NewFromInt(2000),
				Status: models.PositionStatusActive,
			},
		},
	}
	price := &stubOracle{prices: map[string]decimal.Decimal{"ETH/USD": decimal.NewFromInt(2000)}}
	svc, _ := newTestService(store, price)

	// risky: 1.22*2000/2000 = 1.22 <= 1.25; safe: 2.0
	got, err := svc.PositionsAtRisk(context.Background(), decimal.Zero)
	if err != nil {
		t.Fatalf("at risk: %v", err)
	}
	if len(got) != 1 || got[0].ID != "risky" {
		t.Fatalf("got %v, want [risky]", got)
	}
}

func TestPositionsAtRiskForCoinScopesScan(t *testing.T) {
	other := testCoin()
	other.Code = "YUSD"
	store := &stubStore{
		coins: map[string]*models.Stablecoin{"XUSD": testCoin(), "YUSD": other},
		positions: []models.CollateralPosition{
			{
				ID: "xusd-risky", StablecoinCode: "XUSD", CollateralAsset: "ETH",
				CollateralAmount: decimal.NewFromFloat(1.22), DebtAmount: decimal.NewFromInt(2000),
				Status: models.PositionStatusActive,
			},
			{
				ID: "yusd-risky", StablecoinCode: "YUSD", CollateralAsset: "ETH",
				CollateralAmount: decimal.NewFromFloat(1.22), DebtAmount: decimal.NewFromInt(2000),
				Status: models.PositionStatusActive,
			},
		},
	}
	price := &stubOracle{prices: map[string]decimal.Decimal{"ETH/USD": decimal.NewFromInt(2000)}}
	svc, _ := newTestService(store, price)

	got, err := svc.PositionsAtRiskForCoin(context.Background(), "XUSD", decimal.Zero)
	if err != nil {
		t.Fatalf("at risk: %v", err)
	}
	if len(got) != 1 || got[0].ID != "xusd-risky" {
		t.Fatalf("got %v, want [xusd-risky]", got)
	}

	if _, err := svc.PositionsAtRiskForCoin(context.Background(), "NOPE", decimal.Zero); err == nil {
		t.Fatal("unknown coin should error")
	}
}

func TestPositionsForLiquidationRevalidatesFreshPrice(t *testing.T) {
	pos := models.CollateralPosition{
		ID: "pos-1", StablecoinCode: "XUSD", CollateralAsset: "ETH",
		CollateralAmount: decimal.NewFromInt(1), DebtAmount: decimal.NewFromInt(2000),
		Status: models.PositionStatusActive,
	}
	store := &stubStore{
		coins:     map[string]*models.Stablecoin{"XUSD": testCoin()},
		positions: []models.CollateralPosition{pos},
	}
	// Cached price says under-collateralized, fresh price says recovered.
	price := &stubOracle{
		prices:      map[string]decimal.Decimal{"ETH/USD": decimal.NewFromInt(2000)},
		freshPrices: map[string]decimal.Decimal{"ETH/USD": decimal.NewFromInt(3000)},
	}
	svc, _ := newTestService(store, price)

	got, err := svc.PositionsForLiquidation(context.Background())
	if err != nil {
		t.Fatalf("liquidation scan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("recovered position should be excluded, got %v", got)
	}
	if price.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", price.refreshCalls)
	}

	// Fresh price confirms the breach.
	price.prices["ETH/USD"] = decimal.NewFromInt(2000)
	price.freshPrices["ETH/USD"] = decimal.NewFromInt(2000)
	got, err = svc.PositionsForLiquidation(context.Background())
	if err != nil {
		t.Fatalf("liquidation scan: %v", err)
	}
	if len(got) != 1 || got[0].ID != "pos-1" {
		t.Fatalf("confirmed breach should be included, got %v", got)
	}
}

func TestRecommendationsTiers(t *testing.T) {
	coin := testCoin()
	store := &stubStore{coins: map[string]*models.Stablecoin{"XUSD": coin}}
	price := &stubOracle{prices: map[string]decimal.Decimal{"ETH/USD": decimal.NewFromInt(2000)}}
	svc, _ := newTestService(store, price)
	ctx := context.Background()

	critical := models.CollateralPosition{
		StablecoinCode: "XUSD", CollateralAsset: "ETH",
		CollateralAmount: decimal.NewFromInt(1), DebtAmount: decimal.NewFromInt(2000),
		CollateralRatio: decimal.NewFromFloat(1.0), Status: models.PositionStatusActive,
	}
	recs, err := svc.Recommendations(ctx, critical)
	if err != nil {
		t.Fatalf("recommendations: %v", err)
	}
	if len(recs) != 1 || recs[0].Action != "liquidate" || recs[0].Priority != "critical" {
		t.Fatalf("got %v, want critical liquidate", recs)
	}

	// ratio 1.25, health (1.25-1.2)/1.2 ~ 0.042 -> add_collateral.
	tight := critical
	tight.CollateralRatio = decimal.NewFromFloat(1.25)
	tight.CollateralAmount = decimal.NewFromFloat(1.25)
	recs, err = svc.Recommendations(ctx, tight)
	if err != nil {
		t.Fatalf("recommendations: %v", err)
	}
	if len(recs) != 1 || recs[0].Action != "add_collateral" || recs[0].Priority != "high" {
		t.Fatalf("got %v, want high add_collateral", recs)
	}
	if recs[0].Amount == nil {
		t.Fatal("add_collateral should carry a suggested amount")
	}
	// shortfall (2000*1.5 - 2500) / 2000 = 0.25 ETH
	if recs[0].Amount.Cmp(decimal.NewFromFloat(0.25)) != 0 {
		t.Fatalf("top-up = %s, want 0.25", recs[0].Amount)
	}

	// ratio 3.0, health 1 -> mint_more with headroom 6000/1.5 - 2000 = 2000.
	rich := critical
	rich.CollateralRatio = decimal.NewFromFloat(3.0)
	rich.CollateralAmount = decimal.NewFromInt(3)
	recs, err = svc.Recommendations(ctx, rich)
	if err != nil {
		t.Fatalf("recommendations: %v", err)
	}
	if len(recs) != 1 || recs[0].Action != "mint_more" || recs[0].Priority != "low" {
		t.Fatalf("got %v, want low mint_more", recs)
	}
	if recs[0].Amount.Cmp(decimal.NewFromInt(2000)) != 0 {
		t.Fatalf("max mint = %s, want 2000", recs[0].Amount)
	}
}

func TestSystemCollateralizationMetrics(t *testing.T) {
	store := &stubStore{
		coins: map[string]*models.Stablecoin{"XUSD": testCoin()},
		positions: []models.CollateralPosition{
			{
				ID: "a", StablecoinCode: "XUSD", CollateralAsset: "ETH",
				CollateralAmount: decimal.NewFromInt(3), DebtAmount: decimal.NewFromInt(4000),
				Status: models.PositionStatusActive,
			},
			{
				ID: "b", StablecoinCode: "XUSD", CollateralAsset: "USD",
				CollateralAmount: decimal.NewFromInt(2000), DebtAmount: decimal.NewFromInt(1000),
				Status: models.PositionStatusActive,
			},
		},
	}
	price := &stubOracle{prices: map[string]decimal.Decimal{"ETH/USD": decimal.NewFromInt(2000)}}
	svc, _ := newTestService(store, price)

	m, err := svc.SystemCollateralizationMetrics(context.Background())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.TotalCollateralValue.Cmp(decimal.NewFromInt(8000)) != 0 {
		t.Fatalf("total collateral = %s, want 8000", m.TotalCollateralValue)
	}
	if m.TotalDebt.Cmp(decimal.NewFromInt(5000)) != 0 {
		t.Fatalf("total debt = %s, want 5000", m.TotalDebt)
	}
	if m.ActivePositions != 2 {
		t.Fatalf("active positions = %d, want 2", m.ActivePositions)
	}
	if len(m.Distribution) != 2 || m.Distribution[0].Asset != "ETH" {
		t.Fatalf("distribution = %v, want ETH largest", m.Distribution)
	}
	// ETH share 0.75 -> diversification 0.25.
	if diff := m.Diversification - 0.25; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("diversification = %v, want 0.25", m.Diversification)
	}
}
