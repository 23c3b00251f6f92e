package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stablecore/internal/config"
	"stablecore/internal/events"
)

type captureSink struct {
	events []events.Event
}

func (s *captureSink) Emit(ctx context.Context, ev events.Event) {
	s.events = append(s.events, ev)
}

func newTestAggregator(t *testing.T, prices []float64) (*Aggregator, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	agg := NewAggregator(config.OracleConfig{
		MinResponses:       2,
		MaxQuoteAge:        5 * time.Minute,
		CacheTTL:           time.Minute,
		DeviationThreshold: 0.02,
		SourceTimeout:      time.Second,
	}, MedianPolicy{}, sink, nil)
	now := time.Now().UTC()
	for i, p := range prices {
		src := NewStaticSource(string(rune('a'+i)), 1)
		src.Set("ETH", "USD", decimal.NewFromFloat(p), now)
		agg.Register(src)
	}
	return agg, sink
}

func TestGetAggregatedPrice_MedianRobustToOutlier(t *testing.T) {
	agg, sink := newTestAggregator(t, []float64{100, 101, 102, 103, 1000})
	got, err := agg.GetAggregatedPrice(context.Background(), "ETH", "USD")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got.Price.Cmp(decimal.NewFromInt(102)) != 0 {
		t.Fatalf("price=%s want=102", got.Price.String())
	}
	if got.Method != PolicyMedian {
		t.Fatalf("method=%s want=%s", got.Method, PolicyMedian)
	}
	if len(got.Sources) != 5 {
		t.Fatalf("sources=%d want=5", len(got.Sources))
	}
	// The 1000 outlier pushes spread way past 2%: a deviation event must fire.
	found := false
	for _, ev := range sink.events {
		if ev.Type == events.TypePriceDeviationDetected {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected PriceDeviationDetected event, got %d events", len(sink.events))
	}
}

func TestGetAggregatedPrice_InsufficientResponses(t *testing.T) {
	agg, _ := newTestAggregator(t, []float64{100})
	_, err := agg.GetAggregatedPrice(context.Background(), "ETH", "USD")
	if err == nil {
		t.Fatalf("want error, got nil")
	}
	if !errors.Is(err, ErrInsufficientOracleResponses) {
		t.Fatalf("err=%v want ErrInsufficientOracleResponses", err)
	}
}

func TestGetAggregatedPrice_UnhealthySourcesSkipped(t *testing.T) {
	agg, _ := newTestAggregator(t, []float64{100, 101, 102})
	agg.mu.Lock()
	src := agg.sources[2].(*StaticSource)
	agg.mu.Unlock()
	src.SetHealthy(false)

	got, err := agg.GetAggregatedPrice(context.Background(), "ETH", "USD")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got.Sources) != 2 {
		t.Fatalf("sources=%d want=2", len(got.Sources))
	}
}

func TestConfidence_DecreasesWithDispersion(t *testing.T) {
	tight, _ := newTestAggregator(t, []float64{100, 100.1, 100.2})
	wide, _ := newTestAggregator(t, []float64{100, 120, 140})

	pt, err := tight.GetAggregatedPrice(context.Background(), "ETH", "USD")
	if err != nil {
		t.Fatalf("tight err=%v", err)
	}
	pw, err := wide.GetAggregatedPrice(context.Background(), "ETH", "USD")
	if err != nil {
		t.Fatalf("wide err=%v", err)
	}
	if pt.Confidence <= pw.Confidence {
		t.Fatalf("confidence tight=%f wide=%f: want tight > wide", pt.Confidence, pw.Confidence)
	}
	if pt.Confidence <= 0 || pt.Confidence > 1 {
		t.Fatalf("confidence out of range: %f", pt.Confidence)
	}
}

func TestConfidence_SingleSourceFixed(t *testing.T) {
	agg, _ := newTestAggregator(t, []float64{100})
	agg.Config.MinResponses = 1
	got, err := agg.GetAggregatedPrice(context.Background(), "ETH", "USD")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got.Confidence != singleSourceConfidence {
		t.Fatalf("confidence=%f want=%f", got.Confidence, singleSourceConfidence)
	}
}

func TestGetAggregatedPrice_CacheTTL(t *testing.T) {
	agg, _ := newTestAggregator(t, []float64{100, 102})
	now := time.Now().UTC()
	agg.Now = func() time.Time { return now }

	first, err := agg.GetAggregatedPrice(context.Background(), "ETH", "USD")
	if err != nil {
		t.Fatalf("err=%v", err)
	}

	// Move the sources but stay inside the TTL: cached value wins.
	for _, src := range agg.sources {
		src.(*StaticSource).Set("ETH", "USD", decimal.NewFromInt(500), now)
	}
	second, err := agg.GetAggregatedPrice(context.Background(), "ETH", "USD")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if second.Price.Cmp(first.Price) != 0 {
		t.Fatalf("cached price=%s want=%s", second.Price.String(), first.Price.String())
	}

	// Past the TTL the fresh quotes are used.
	agg.Now = func() time.Time { return now.Add(2 * time.Minute) }
	for _, src := range agg.sources {
		src.(*StaticSource).Set("ETH", "USD", decimal.NewFromInt(500), now.Add(2*time.Minute))
	}
	third, err := agg.GetAggregatedPrice(context.Background(), "ETH", "USD")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if third.Price.Cmp(decimal.NewFromInt(500)) != 0 {
		t.Fatalf("refreshed price=%s want=500", third.Price.String())
	}
}

func TestGetHistoricalAggregatedPrice_BypassesCache(t *testing.T) {
	agg, _ := newTestAggregator(t, []float64{100, 102})
	at := time.Now().UTC().Add(-24 * time.Hour)
	got, err := agg.GetHistoricalAggregatedPrice(context.Background(), "ETH", "USD", at)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !got.Timestamp.Equal(at) {
		t.Fatalf("timestamp=%s want=%s", got.Timestamp, at)
	}
}
