package collateral

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stablecore/internal/config"
	"stablecore/internal/events"
	"stablecore/internal/models"
	"stablecore/internal/oracle"
)

type stubOracle struct {
	prices       map[string]decimal.Decimal
	freshPrices  map[string]decimal.Decimal
	err          error
	refreshCalls int
}

func (o *stubOracle) key(base, quote string) string { return base + "/" + quote }

func (o *stubOracle) GetAggregatedPrice(_ context.Context, base, quote string) (oracle.AggregatedPrice, error) {
	if o.err != nil {
		return oracle.AggregatedPrice{}, o.err
	}
	p, ok := o.prices[o.key(base, quote)]
	if !ok {
		return oracle.AggregatedPrice{}, errors.New("no price")
	}
	return oracle.AggregatedPrice{Base: base, Quote: quote, Price: p, Timestamp: time.Now()}, nil
}

func (o *stubOracle) RefreshAggregatedPrice(ctx context.Context, base, quote string) (oracle.AggregatedPrice, error) {
	o.refreshCalls++
	if fresh, ok := o.freshPrices[o.key(base, quote)]; ok {
		o.prices[o.key(base, quote)] = fresh
	}
	return o.GetAggregatedPrice(ctx, base, quote)
}

type stubStore struct {
	coins       map[string]*models.Stablecoin
	positions   []models.CollateralPosition
	riskUpdates int
}

func (s *stubStore) GetStablecoin(_ context.Context, code string) (*models.Stablecoin, error) {
	return s.coins[code], nil
}

func (s *stubStore) ListActiveStablecoins(_ context.Context) ([]models.Stablecoin, error) {
	var out []models.Stablecoin
	for _, c := range s.coins {
		out = append(out, *c)
	}
	return out, nil
}

func (s *stubStore) ListActivePositions(_ context.Context, code string, _ int) ([]models.CollateralPosition, error) {
	var out []models.CollateralPosition
	for _, p := range s.positions {
		if p.StablecoinCode == code && p.Status == models.PositionStatusActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubStore) UpdatePositionRisk(_ context.Context, id string, ratio, liquidationPrice decimal.Decimal) error {
	s.riskUpdates++
	for i := range s.positions {
		if s.positions[i].ID == id {
			s.positions[i].CollateralRatio = ratio
			s.positions[i].LiquidationPrice = liquidationPrice
		}
	}
	return nil
}

type captureSink struct {
	events []events.Event
}

func (c *captureSink) Emit(_ context.Context, e events.Event) {
	c.events = append(c.events, e)
}

func testCoin() *models.Stablecoin {
	return &models.Stablecoin{
		Code:                  "XUSD",
		PegAsset:              "USD",
		TargetPrice:           decimal.NewFromInt(1),
		TargetCollateralRatio: decimal.NewFromFloat(1.5),
		MinCollateralRatio:    decimal.NewFromFloat(1.2),
		Mechanism:             models.MechanismCollateralized,
		Active:                true,
	}
}

func newTestService(store *stubStore, price *stubOracle) (*Service, *captureSink) {
	sink := &captureSink{}
	return &Service{
		Config: config.CollateralConfig{RatioEpsilon: 0.001, AtRiskBuffer: 0.05, ScanBatchSize: 100},
		Store:  store,
		Oracle: price,
		Sink:   sink,
		Now:    func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) },
	}, sink
}

func TestConvertToPegAssetIdentity(t *testing.T) {
	svc, _ := newTestService(&stubStore{}, &stubOracle{})
	got, err := svc.ConvertToPegAsset(context.Background(), "USD", decimal.NewFromFloat(123.456), "USD")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Cmp(decimal.NewFromFloat(123.46)) != 0 {
		t.Fatalf("got %s, want 123.46", got)
	}
}

func TestConvertToPegAssetViaOracle(t *testing.T) {
	price := &stubOracle{prices: map[string]decimal.Decimal{"ETH/USD": decimal.NewFromInt(2000)}}
	svc, _ := newTestService(&stubStore{}, price)
	got, err := svc.ConvertToPegAsset(context.Background(), "ETH", decimal.NewFromFloat(1.5), "USD")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Cmp(decimal.NewFromInt(3000)) != 0 {
		t.Fatalf("got %s, want 3000", got)
	}
}

func TestConvertToPegAssetUnavailable(t *testing.T) {
	svc, _ := newTestService(&stubStore{}, &stubOracle{err: errors.New("sources down")})
	_, err := svc.ConvertToPegAsset(context.Background(), "ETH", decimal.NewFromInt(1), "USD")
	if !errors.Is(err, ErrExchangeRateUnavailable) {
		t.Fatalf("want ErrExchangeRateUnavailable, got %v", err)
	}
}

func TestRatioAndLiquidationPrice(t *testing.T) {
	ratio := Ratio(decimal.NewFromInt(3000), decimal.NewFromInt(2000))
	if ratio.Cmp(decimal.NewFromFloat(1.5)) != 0 {
		t.Fatalf("ratio = %s, want 1.5", ratio)
	}
	if !Ratio(decimal.NewFromInt(100), decimal.Zero).IsZero() {
		t.Fatal("ratio with zero debt should be zero")
	}

	// 1.2 * 2000 / 1.5 = 1600
	liq := LiquidationPrice(decimal.NewFromFloat(1.2), decimal.NewFromInt(2000), decimal.NewFromFloat(1.5))
	if liq.Cmp(decimal.NewFromInt(1600)) != 0 {
		t.Fatalf("liquidation price = %s, want 1600", liq)
	}
	if !LiquidationPrice(decimal.NewFromFloat(1.2), decimal.Zero, decimal.NewFromInt(1)).IsZero() {
		t.Fatal("liquidation price with zero debt should be zero")
	}
}

func TestRefreshPositionPersistsOnMove(t *testing.T) {
	store := &stubStore{
		coins: map[string]*models.Stablecoin{"XUSD": testCoin()},
		positions: []models.CollateralPosition{{
			ID:               "pos-1",
			StablecoinCode:   "XUSD",
			CollateralAsset:  "ETH",
			CollateralAmount: decimal.NewFromFloat(1.5),
			DebtAmount:       decimal.NewFromInt(2000),
			CollateralRatio:  decimal.NewFromFloat(1.5),
			Status:           models.PositionStatusActive,
		}},
	}
	price := &stubOracle{prices: map[string]decimal.Decimal{"ETH/USD": decimal.NewFromInt(1800)}}
	svc, sink := newTestService(store, price)

	pos := store.positions[0]
	changed, err := svc.RefreshPosition(context.Background(), &pos)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !changed {
		t.Fatal("expected ratio change to persist")
	}
	// 1.5 * 1800 / 2000 = 1.35
	if pos.CollateralRatio.Cmp(decimal.NewFromFloat(1.35)) != 0 {
		t.Fatalf("ratio = %s, want 1.35", pos.CollateralRatio)
	}
	if store.riskUpdates != 1 {
		t.Fatalf("risk updates = %d, want 1", store.riskUpdates)
	}
	if len(sink.events) != 1 || sink.events[0].Type != events.TypePositionUpdated {
		t.Fatalf("expected one position_updated event, got %v", sink.events)
	}
}

func TestRefreshPositionSkipsSmallMove(t *testing.T) {
	store := &stubStore{
		coins: map[string]*models.Stablecoin{"XUSD": testCoin()},
	}
	price := &stubOracle{prices: map[string]decimal.Decimal{"ETH/USD": decimal.NewFromInt(2000)}}
	svc, sink := newTestService(store, price)

	pos := models.CollateralPosition{
		ID:               "pos-1",
		StablecoinCode:   "XUSD",
		CollateralAsset:  "ETH",
		CollateralAmount: decimal.NewFromFloat(1.5),
		DebtAmount:       decimal.NewFromInt(2000),
		CollateralRatio:  decimal.NewFromFloat(1.5),
		Status:           models.PositionStatusActive,
	}
	changed, err := svc.RefreshPosition(context.Background(), &pos)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if changed {
		t.Fatal("unchanged ratio should not persist")
	}
	if store.riskUpdates != 0 {
		t.Fatalf("risk updates = %d, want 0", store.riskUpdates)
	}
	if len(sink.events) != 0 {
		t.Fatalf("expected no events, got %v", sink.events)
	}
}
