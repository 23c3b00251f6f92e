package stability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stablecore/internal/collateral"
	"stablecore/internal/config"
	"stablecore/internal/events"
	"stablecore/internal/liquidation"
	"stablecore/internal/models"
	"stablecore/internal/oracle"
)

type stubStore struct {
	coins       map[string]*models.Stablecoin
	adjustments map[string]time.Time

	ratioUpdates []decimal.Decimal
	feeUpdates   int
	switchCalls  int
}

func newStubStore(coins ...*models.Stablecoin) *stubStore {
	s := &stubStore{coins: map[string]*models.Stablecoin{}, adjustments: map[string]time.Time{}}
	for _, c := range coins {
		s.coins[c.Code] = c
	}
	return s
}

func (s *stubStore) ListActiveStablecoins(_ context.Context) ([]models.Stablecoin, error) {
	var out []models.Stablecoin
	for _, c := range s.coins {
		if c.Active {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *stubStore) GetStablecoin(_ context.Context, code string) (*models.Stablecoin, error) {
	return s.coins[code], nil
}

func (s *stubStore) UpdateStablecoinTargetRatio(_ context.Context, code string, ratio decimal.Decimal) error {
	s.ratioUpdates = append(s.ratioUpdates, ratio)
	s.coins[code].TargetCollateralRatio = ratio
	return nil
}

func (s *stubStore) UpdateStablecoinFees(_ context.Context, code string, mintFee, burnFee *decimal.Decimal) error {
	s.feeUpdates++
	if mintFee != nil {
		s.coins[code].MintFee = *mintFee
	}
	if burnFee != nil {
		s.coins[code].BurnFee = *burnFee
	}
	return nil
}

func (s *stubStore) SetStablecoinSwitches(_ context.Context, code string, minting, burning *bool) error {
	s.switchCalls++
	if minting != nil {
		s.coins[code].MintingEnabled = *minting
	}
	if burning != nil {
		s.coins[code].BurningEnabled = *burning
	}
	return nil
}

func (s *stubStore) GetStabilityAdjustment(_ context.Context, code, adjustmentType string) (*models.StabilityAdjustment, error) {
	at, ok := s.adjustments[code+":"+adjustmentType]
	if !ok {
		return nil, nil
	}
	return &models.StabilityAdjustment{StablecoinCode: code, AdjustmentType: adjustmentType, LastAppliedAt: at}, nil
}

func (s *stubStore) UpsertStabilityAdjustment(_ context.Context, code, adjustmentType string, at time.Time) error {
	s.adjustments[code+":"+adjustmentType] = at
	return nil
}

type stubOracle struct {
	price decimal.Decimal
	err   error
}

func (o *stubOracle) GetAggregatedPrice(_ context.Context, base, quote string) (oracle.AggregatedPrice, error) {
	if o.err != nil {
		return oracle.AggregatedPrice{}, o.err
	}
	return oracle.AggregatedPrice{Base: base, Quote: quote, Price: o.price}, nil
}

type stubLiquidator struct {
	calls int
}

func (l *stubLiquidator) EmergencyLiquidation(_ context.Context, _ string) (liquidation.BatchResult, error) {
	l.calls++
	return liquidation.BatchResult{Succeeded: 1}, nil
}

type stubRisk struct {
	codes     []string
	positions []models.CollateralPosition
}

func (r *stubRisk) PositionsAtRiskForCoin(_ context.Context, code string, _ decimal.Decimal) ([]models.CollateralPosition, error) {
	r.codes = append(r.codes, code)
	return r.positions, nil
}

func (r *stubRisk) Recommendations(_ context.Context, pos models.CollateralPosition) ([]collateral.Recommendation, error) {
	return []collateral.Recommendation{{
		Action:   "add_collateral",
		Priority: "high",
		Reason:   "ratio " + pos.CollateralRatio.String() + " near minimum",
	}}, nil
}

type captureSink struct {
	events []events.Event
}

func (c *captureSink) Emit(_ context.Context, e events.Event) {
	c.events = append(c.events, e)
}

func collateralizedCoin() *models.Stablecoin {
	return &models.Stablecoin{
		Code:                  "XUSD",
		PegAsset:              "USD",
		TargetPrice:           decimal.NewFromInt(1),
		TargetCollateralRatio: decimal.NewFromFloat(1.5),
		MinCollateralRatio:    decimal.NewFromFloat(1.2),
		Mechanism:             models.MechanismCollateralized,
		TotalSupply:           decimal.NewFromInt(10_000),
		TotalCollateralValue:  decimal.NewFromInt(16_000),
		MintingEnabled:        true,
		BurningEnabled:        true,
		Active:                true,
	}
}

func algorithmicCoin() *models.Stablecoin {
	c := collateralizedCoin()
	c.Code = "AUSD"
	c.Mechanism = models.MechanismAlgorithmic
	c.MintFee = decimal.NewFromFloat(0.002)
	c.BurnFee = decimal.NewFromFloat(0.002)
	return c
}

func newController(store *stubStore, price *stubOracle) (*Controller, *stubLiquidator, *captureSink) {
	liq := &stubLiquidator{}
	sink := &captureSink{}
	ctl := &Controller{
		Config: config.StabilityConfig{
			RatioStep:          0.05,
			RatioCooldown:      time.Hour,
			FeeStep:            0.001,
			FeeCooldown:        30 * time.Minute,
			MaxFee:             0.01,
			PriceBandPct:       0.02,
			HaltBandPct:        0.05,
			ForcedHaltBandPct:  0.10,
			RelaxRatioMultiple: 1.5,
		},
		Store:      store,
		Oracle:     price,
		Liquidator: liq,
		Sink:       sink,
		Now:        func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
	return ctl, liq, sink
}

func TestCollateralizedEmergencyBelowMinimum(t *testing.T) {
	coin := collateralizedCoin()
	coin.TotalCollateralValue = decimal.NewFromInt(11_000) // global 1.1 < 1.2
	store := newStubStore(coin)
	ctl, liq, _ := newController(store, &stubOracle{price: decimal.NewFromInt(1)})

	results, err := ctl.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if liq.calls != 1 {
		t.Fatalf("emergency calls = %d, want 1", liq.calls)
	}
	if len(results) != 1 || len(results[0].Actions) != 1 || results[0].Actions[0].Type != "emergency_liquidation" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestCollateralizedRaisesRatioBelowTarget(t *testing.T) {
	coin := collateralizedCoin()
	coin.TotalCollateralValue = decimal.NewFromInt(13_000) // global 1.3, between min and target
	store := newStubStore(coin)
	ctl, _, sink := newController(store, &stubOracle{price: decimal.NewFromInt(1)})

	if _, err := ctl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(store.ratioUpdates) != 1 {
		t.Fatalf("ratio updates = %d, want 1", len(store.ratioUpdates))
	}
	// 1.5 * 1.05 = 1.575
	if store.ratioUpdates[0].Cmp(decimal.NewFromFloat(1.575)) != 0 {
		t.Fatalf("new ratio = %s, want 1.575", store.ratioUpdates[0])
	}
	if len(sink.events) != 1 || sink.events[0].Type != events.TypeStabilityMechanismApplied {
		t.Fatalf("expected mechanism event, got %v", sink.events)
	}

	// Second tick inside the cooldown is a no-op.
	if _, err := ctl.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(store.ratioUpdates) != 1 {
		t.Fatalf("cooldown violated: %d updates", len(store.ratioUpdates))
	}
}

func TestCollateralizedRelaxesOverbackedRatio(t *testing.T) {
	coin := collateralizedCoin()
	coin.TotalCollateralValue = decimal.NewFromInt(24_000) // global 2.4 > 1.5*1.5
	store := newStubStore(coin)
	ctl, _, _ := newController(store, &stubOracle{price: decimal.NewFromInt(1)})

	if _, err := ctl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(store.ratioUpdates) != 1 {
		t.Fatalf("ratio updates = %d, want 1", len(store.ratioUpdates))
	}
	// 1.5 * 0.95 = 1.425, still above the 1.2 floor.
	if store.ratioUpdates[0].Cmp(decimal.NewFromFloat(1.425)) != 0 {
		t.Fatalf("new ratio = %s, want 1.425", store.ratioUpdates[0])
	}
}

func TestCollateralizedSurfacesAtRiskGuidance(t *testing.T) {
	coin := collateralizedCoin() // global 1.6, no ratio adjustment due
	store := newStubStore(coin)
	ctl, _, _ := newController(store, &stubOracle{price: decimal.NewFromInt(1)})
	risk := &stubRisk{positions: []models.CollateralPosition{{
		ID:              "pos-1",
		AccountID:       "alice",
		StablecoinCode:  "XUSD",
		CollateralRatio: decimal.NewFromFloat(1.22),
	}}}
	ctl.Risk = risk

	results, err := ctl.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(risk.codes) != 1 || risk.codes[0] != "XUSD" {
		t.Fatalf("at-risk scan codes = %v, want [XUSD]", risk.codes)
	}
	if len(results) != 1 || len(results[0].Actions) != 1 {
		t.Fatalf("unexpected results %+v", results)
	}
	action := results[0].Actions[0]
	if action.Type != "at_risk_positions" {
		t.Fatalf("action type = %s", action.Type)
	}
	if len(action.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(action.Positions))
	}
	got := action.Positions[0]
	if got.PositionID != "pos-1" || got.AccountID != "alice" {
		t.Fatalf("position = %+v", got)
	}
	if len(got.Recommendations) != 1 || got.Recommendations[0].Action != "add_collateral" {
		t.Fatalf("recommendations = %+v", got.Recommendations)
	}
}

func TestAlgorithmicContractsSupplyAbovePeg(t *testing.T) {
	coin := algorithmicCoin()
	store := newStubStore(coin)
	ctl, _, _ := newController(store, &stubOracle{price: decimal.NewFromFloat(1.03)})

	if _, err := ctl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if coin.MintFee.Cmp(decimal.NewFromFloat(0.003)) != 0 {
		t.Fatalf("mint fee = %s, want 0.003", coin.MintFee)
	}
	if coin.BurnFee.Cmp(decimal.NewFromFloat(0.001)) != 0 {
		t.Fatalf("burn fee = %s, want 0.001", coin.BurnFee)
	}

	// Cooldown blocks the immediate follow-up nudge.
	if _, err := ctl.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if coin.MintFee.Cmp(decimal.NewFromFloat(0.003)) != 0 {
		t.Fatalf("cooldown violated, mint fee = %s", coin.MintFee)
	}
}

func TestAlgorithmicExpandsSupplyBelowPeg(t *testing.T) {
	coin := algorithmicCoin()
	store := newStubStore(coin)
	ctl, _, _ := newController(store, &stubOracle{price: decimal.NewFromFloat(0.97)})

	if _, err := ctl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if coin.MintFee.Cmp(decimal.NewFromFloat(0.001)) != 0 {
		t.Fatalf("mint fee = %s, want 0.001", coin.MintFee)
	}
	if coin.BurnFee.Cmp(decimal.NewFromFloat(0.003)) != 0 {
		t.Fatalf("burn fee = %s, want 0.003", coin.BurnFee)
	}
}

func TestAlgorithmicHaltsPastBand(t *testing.T) {
	coin := algorithmicCoin()
	store := newStubStore(coin)
	ctl, _, _ := newController(store, &stubOracle{price: decimal.NewFromFloat(1.07)})

	if _, err := ctl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if coin.MintingEnabled || coin.BurningEnabled {
		t.Fatal("both switches should be off past the halt band")
	}
}

func TestAlgorithmicForcedHalt(t *testing.T) {
	coin := algorithmicCoin()
	store := newStubStore(coin)
	ctl, _, _ := newController(store, &stubOracle{price: decimal.NewFromFloat(0.85)})

	if _, err := ctl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if coin.MintingEnabled {
		t.Fatal("minting must be halted past the forced band")
	}
	if coin.MintFee.Cmp(decimal.NewFromFloat(0.01)) != 0 || coin.BurnFee.Cmp(decimal.NewFromFloat(0.01)) != 0 {
		t.Fatalf("fees = %s/%s, want max 0.01", coin.MintFee, coin.BurnFee)
	}
}

func TestAlgorithmicInsideBandNoop(t *testing.T) {
	coin := algorithmicCoin()
	store := newStubStore(coin)
	ctl, _, sink := newController(store, &stubOracle{price: decimal.NewFromFloat(1.01)})

	if _, err := ctl.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if store.feeUpdates != 0 || store.switchCalls != 0 {
		t.Fatalf("expected no-op, fees=%d switches=%d", store.feeUpdates, store.switchCalls)
	}
	if len(sink.events) != 0 {
		t.Fatalf("expected no events, got %v", sink.events)
	}
}

func TestTickIsolatesUnknownMechanism(t *testing.T) {
	bad := collateralizedCoin()
	bad.Code = "BAD"
	bad.Mechanism = models.StabilityMechanism("wat")
	good := algorithmicCoin()
	store := newStubStore(bad, good)
	ctl, _, _ := newController(store, &stubOracle{price: decimal.NewFromInt(1)})

	results, err := ctl.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	var badErr, goodErr error
	for _, r := range results {
		if r.StablecoinCode == "BAD" {
			badErr = r.Err
		} else {
			goodErr = r.Err
		}
	}
	if !errors.Is(badErr, ErrUnknownStabilityMechanism) {
		t.Fatalf("want ErrUnknownStabilityMechanism, got %v", badErr)
	}
	if goodErr != nil {
		t.Fatalf("healthy coin errored: %v", goodErr)
	}
}

func TestCheckSystemHealth(t *testing.T) {
	critical := collateralizedCoin()
	critical.Code = "XUSD"
	critical.TotalCollateralValue = decimal.NewFromInt(10_000) // global 1.0 < 0.9*1.2
	healthy := algorithmicCoin()
	healthy.Code = "AUSD"

	store := newStubStore(critical, healthy)
	ctl, liq, _ := newController(store, &stubOracle{price: decimal.NewFromInt(1)})

	report, err := ctl.CheckSystemHealth(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Overall != StatusCritical {
		t.Fatalf("overall = %s, want critical", report.Overall)
	}
	if liq.calls != 1 {
		t.Fatalf("escalations = %d, want 1", liq.calls)
	}
	for _, h := range report.Coins {
		switch h.StablecoinCode {
		case "XUSD":
			if h.Status != StatusCritical || !h.Escalated {
				t.Fatalf("XUSD health = %+v, want escalated critical", h)
			}
		case "AUSD":
			if h.Status != StatusHealthy {
				t.Fatalf("AUSD health = %+v, want healthy", h)
			}
		}
	}
}

func TestPegStatusTiers(t *testing.T) {
	cases := []struct {
		dev  float64
		want string
	}{
		{0.005, StatusHealthy},
		{0.01, StatusHealthy},
		{0.03, StatusWarning},
		{0.05, StatusWarning},
		{0.07, StatusCritical},
		{0.15, StatusCritical},
	}
	for _, tc := range cases {
		if got := PegStatus(decimal.NewFromFloat(tc.dev)); got != tc.want {
			t.Fatalf("PegStatus(%v) = %s, want %s", tc.dev, got, tc.want)
		}
	}
}
