package oracle

import (
	"testing"

	"github.com/shopspring/decimal"
)

func wq(prices ...float64) []WeightedQuote {
	out := make([]WeightedQuote, 0, len(prices))
	for _, p := range prices {
		out = append(out, WeightedQuote{Price: decimal.NewFromFloat(p), Weight: 1})
	}
	return out
}

func TestMedianPolicy_OddAndEven(t *testing.T) {
	got, err := MedianPolicy{}.Aggregate(wq(3, 1, 2))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Fatalf("odd median=%s want=2", got.String())
	}

	got, err = MedianPolicy{}.Aggregate(wq(1, 2, 3, 4))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got.Cmp(decimal.RequireFromString("2.5")) != 0 {
		t.Fatalf("even median=%s want=2.5", got.String())
	}
}

func TestWeightedAveragePolicy(t *testing.T) {
	quotes := []WeightedQuote{
		{Price: decimal.NewFromInt(100), Weight: 3},
		{Price: decimal.NewFromInt(200), Weight: 1},
	}
	got, err := WeightedAveragePolicy{}.Aggregate(quotes)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got.Cmp(decimal.NewFromInt(125)) != 0 {
		t.Fatalf("avg=%s want=125", got.String())
	}
}

func TestWeightedAveragePolicy_ZeroWeightDefaultsToOne(t *testing.T) {
	quotes := []WeightedQuote{
		{Price: decimal.NewFromInt(100), Weight: 0},
		{Price: decimal.NewFromInt(200), Weight: 0},
	}
	got, err := WeightedAveragePolicy{}.Aggregate(quotes)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got.Cmp(decimal.NewFromInt(150)) != 0 {
		t.Fatalf("avg=%s want=150", got.String())
	}
}

func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName("")
	if err != nil || p.Name() != PolicyMedian {
		t.Fatalf("default policy=%v err=%v", p, err)
	}
	p, err = PolicyByName("weighted_average")
	if err != nil || p.Name() != PolicyWeightedAverage {
		t.Fatalf("policy=%v err=%v", p, err)
	}
	if _, err := PolicyByName("vwap"); err == nil {
		t.Fatalf("want error for unknown policy")
	}
}
