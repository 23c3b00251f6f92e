package oracle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	PolicyMedian          = "median"
	PolicyWeightedAverage = "weighted_average"
)

// AggregationPolicy reconciles a set of quotes into one price. Both variants
// live behind this interface so the aggregator never branches on policy names.
type AggregationPolicy interface {
	Name() string
	Aggregate(quotes []WeightedQuote) (decimal.Decimal, error)
}

type WeightedQuote struct {
	Price  decimal.Decimal
	Weight float64
}

func PolicyByName(name string) (AggregationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyMedian:
		return MedianPolicy{}, nil
	case PolicyWeightedAverage:
		return WeightedAveragePolicy{}, nil
	}
	return nil, fmt.Errorf("unknown aggregation policy %q", name)
}

// MedianPolicy is the default: resistant to a single manipulated source.
type MedianPolicy struct{}

func (MedianPolicy) Name() string { return PolicyMedian }

func (MedianPolicy) Aggregate(quotes []WeightedQuote) (decimal.Decimal, error) {
	if len(quotes) == 0 {
		return decimal.Zero, ErrInsufficientOracleResponses
	}
	prices := make([]decimal.Decimal, len(quotes))
	for i, q := range quotes {
		prices[i] = q.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid], nil
	}
	return prices[mid-1].Add(prices[mid]).Div(decimal.NewFromInt(2)), nil
}

// WeightedAveragePolicy weighs quotes by source weight; zero weights count as 1.
type WeightedAveragePolicy struct{}

func (WeightedAveragePolicy) Name() string { return PolicyWeightedAverage }

func (WeightedAveragePolicy) Aggregate(quotes []WeightedQuote) (decimal.Decimal, error) {
	if len(quotes) == 0 {
		return decimal.Zero, ErrInsufficientOracleResponses
	}
	sum := decimal.Zero
	weightSum := decimal.Zero
	for _, q := range quotes {
		w := q.Weight
		if w <= 0 {
			w = 1
		}
		weight := decimal.NewFromFloat(w)
		sum = sum.Add(q.Price.Mul(weight))
		weightSum = weightSum.Add(weight)
	}
	return sum.Div(weightSum), nil
}
