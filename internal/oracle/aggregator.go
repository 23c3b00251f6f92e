package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stablecore/internal/config"
	"stablecore/internal/events"
)

// singleSourceConfidence is the fixed score when only one source answers;
// there is nothing to cross-check it against.
const singleSourceConfidence = 0.5

type cachedPrice struct {
	price     AggregatedPrice
	expiresAt time.Time
}

// Aggregator queries all healthy sources and reconciles their quotes through
// the configured policy. Results are cached per pair with a short TTL;
// the cache is last-write-wins, concurrent misses may recompute redundantly.
type Aggregator struct {
	Config config.OracleConfig
	Policy AggregationPolicy
	Sink   events.Sink
	Logger *zap.Logger
	Now    func() time.Time

	mu      sync.RWMutex
	sources []Source
	cache   map[string]cachedPrice
}

func NewAggregator(cfg config.OracleConfig, policy AggregationPolicy, sink events.Sink, logger *zap.Logger) *Aggregator {
	if policy == nil {
		policy = MedianPolicy{}
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Aggregator{
		Config: cfg,
		Policy: policy,
		Sink:   sink,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
		cache:  map[string]cachedPrice{},
	}
}

func (a *Aggregator) Register(src Source) {
	if a == nil || src == nil {
		return
	}
	a.mu.Lock()
	a.sources = append(a.sources, src)
	a.mu.Unlock()
}

func (a *Aggregator) GetAggregatedPrice(ctx context.Context, base, quote string) (AggregatedPrice, error) {
	key := pairKey(base, quote)
	now := a.Now()

	a.mu.RLock()
	entry, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.price, nil
	}

	price, err := a.aggregate(ctx, base, quote, nil)
	if err != nil {
		return AggregatedPrice{}, err
	}

	ttl := a.Config.CacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	a.mu.Lock()
	a.cache[key] = cachedPrice{price: price, expiresAt: now.Add(ttl)}
	a.mu.Unlock()
	return price, nil
}

// RefreshAggregatedPrice recomputes from live sources and overwrites the
// cache entry. Callers use it when a cached value is not safe enough, e.g.
// re-validating liquidation eligibility.
func (a *Aggregator) RefreshAggregatedPrice(ctx context.Context, base, quote string) (AggregatedPrice, error) {
	price, err := a.aggregate(ctx, base, quote, nil)
	if err != nil {
		return AggregatedPrice{}, err
	}
	ttl := a.Config.CacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	a.mu.Lock()
	a.cache[pairKey(base, quote)] = cachedPrice{price: price, expiresAt: a.Now().Add(ttl)}
	a.mu.Unlock()
	return price, nil
}

// GetHistoricalAggregatedPrice bypasses the cache entirely.
func (a *Aggregator) GetHistoricalAggregatedPrice(ctx context.Context, base, quote string, at time.Time) (AggregatedPrice, error) {
	return a.aggregate(ctx, base, quote, &at)
}

func (a *Aggregator) aggregate(ctx context.Context, base, quote string, at *time.Time) (AggregatedPrice, error) {
	a.mu.RLock()
	sources := make([]Source, len(a.sources))
	copy(sources, a.sources)
	a.mu.RUnlock()

	now := a.Now()
	maxAge := a.Config.MaxQuoteAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	timeout := a.Config.SourceTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	quotes := make([]PriceQuote, 0, len(sources))
	weighted := make([]WeightedQuote, 0, len(sources))
	names := make([]string, 0, len(sources))
	for _, src := range sources {
		if !src.Healthy() {
			continue
		}
		qctx, cancel := context.WithTimeout(ctx, timeout)
		var (
			q   PriceQuote
			err error
		)
		if at != nil {
			q, err = src.HistoricalPrice(qctx, base, quote, *at)
		} else {
			q, err = src.Price(qctx, base, quote)
		}
		cancel()
		if err != nil {
			if a.Logger != nil {
				a.Logger.Warn("oracle source failed",
					zap.String("source", src.Name()),
					zap.String("base", base),
					zap.String("quote", quote),
					zap.Error(err),
				)
			}
			continue
		}
		if q.Price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if at == nil && (q.Stale || (maxAge > 0 && now.Sub(q.Timestamp) > maxAge)) {
			continue
		}
		quotes = append(quotes, q)
		weighted = append(weighted, WeightedQuote{Price: q.Price, Weight: src.Weight()})
		names = append(names, src.Name())
	}

	minResponses := a.Config.MinResponses
	if minResponses <= 0 {
		minResponses = 2
	}
	if len(quotes) < minResponses {
		return AggregatedPrice{}, fmt.Errorf("%s/%s: got %d of %d required: %w",
			base, quote, len(quotes), minResponses, ErrInsufficientOracleResponses)
	}

	price, err := a.Policy.Aggregate(weighted)
	if err != nil {
		return AggregatedPrice{}, err
	}

	if len(quotes) >= 2 {
		a.checkDeviation(ctx, base, quote, quotes)
	}

	ts := now
	if at != nil {
		ts = *at
	}

	return AggregatedPrice{
		Base:       normalizeAsset(base),
		Quote:      normalizeAsset(quote),
		Price:      price,
		Sources:    names,
		Method:     a.Policy.Name(),
		Confidence: confidence(price, quotes),
		Timestamp:  ts,
	}, nil
}

// checkDeviation emits a monitoring event when sources disagree beyond the
// threshold. The aggregation result is not blocked.
func (a *Aggregator) checkDeviation(ctx context.Context, base, quote string, quotes []PriceQuote) {
	threshold := a.Config.DeviationThreshold
	if threshold <= 0 {
		threshold = 0.02
	}
	lo, hi := quotes[0].Price, quotes[0].Price
	sum := decimal.Zero
	for _, q := range quotes {
		if q.Price.LessThan(lo) {
			lo = q.Price
		}
		if q.Price.GreaterThan(hi) {
			hi = q.Price
		}
		sum = sum.Add(q.Price)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(quotes))))
	if mean.LessThanOrEqual(decimal.Zero) {
		return
	}
	spread, _ := hi.Sub(lo).Div(mean).Float64()
	if spread <= threshold {
		return
	}
	if a.Logger != nil {
		a.Logger.Warn("oracle price deviation",
			zap.String("base", base),
			zap.String("quote", quote),
			zap.Float64("spread", spread),
			zap.Float64("threshold", threshold),
		)
	}
	raw := make([]map[string]any, 0, len(quotes))
	for _, q := range quotes {
		raw = append(raw, map[string]any{
			"source": q.Source,
			"price":  q.Price.String(),
			"at":     q.Timestamp.Format(time.RFC3339Nano),
		})
	}
	a.Sink.Emit(ctx, events.Event{
		Type: events.TypePriceDeviationDetected,
		Payload: map[string]any{
			"base":      normalizeAsset(base),
			"quote":     normalizeAsset(quote),
			"spread":    spread,
			"threshold": threshold,
			"quotes":    raw,
		},
		At: a.Now(),
	})
}

// confidence is 1.0 at zero dispersion and decays toward 0 as the average
// relative distance from the aggregate grows. A single response scores a
// fixed 0.5 since it cannot be cross-checked.
func confidence(price decimal.Decimal, quotes []PriceQuote) float64 {
	if len(quotes) < 2 {
		return singleSourceConfidence
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	total := decimal.Zero
	for _, q := range quotes {
		total = total.Add(q.Price.Sub(price).Abs().Div(price))
	}
	avg, _ := total.Div(decimal.NewFromInt(int64(len(quotes)))).Float64()
	score := 1.0 / (1.0 + 10*avg)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
