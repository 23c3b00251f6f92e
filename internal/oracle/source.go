package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientOracleResponses = errors.New("insufficient oracle responses")
	ErrPairUnavailable             = errors.New("price pair unavailable")
)

// PriceQuote is one source's answer for a pair.
type PriceQuote struct {
	Source    string
	Base      string
	Quote     string
	Price     decimal.Decimal
	Timestamp time.Time
	Stale     bool
}

// AggregatedPrice is the reconciled output across sources. Sources carries the
// contributing source names for audit.
type AggregatedPrice struct {
	Base       string          `json:"base"`
	Quote      string          `json:"quote"`
	Price      decimal.Decimal `json:"price"`
	Sources    []string        `json:"sources"`
	Method     string          `json:"method"`
	Confidence float64         `json:"confidence"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Source is the market-data contract. Implementations must bound their own
// I/O with the supplied context.
type Source interface {
	Name() string
	Weight() float64
	Healthy() bool
	Price(ctx context.Context, base, quote string) (PriceQuote, error)
	HistoricalPrice(ctx context.Context, base, quote string, at time.Time) (PriceQuote, error)
}

func normalizeAsset(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func pairKey(base, quote string) string {
	return normalizeAsset(base) + "/" + normalizeAsset(quote)
}

// StaticSource serves fixed quotes; used for fixtures and tests.
type StaticSource struct {
	SourceName   string
	SourceWeight float64
	Up           bool

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	at     time.Time
}

func NewStaticSource(name string, weight float64) *StaticSource {
	return &StaticSource{
		SourceName:   name,
		SourceWeight: weight,
		Up:           true,
		prices:       map[string]decimal.Decimal{},
		at:           time.Now().UTC(),
	}
}

func (s *StaticSource) Name() string    { return s.SourceName }
func (s *StaticSource) Weight() float64 { return s.SourceWeight }

func (s *StaticSource) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Up
}

func (s *StaticSource) SetHealthy(up bool) {
	s.mu.Lock()
	s.Up = up
	s.mu.Unlock()
}

func (s *StaticSource) Set(base, quote string, price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	s.prices[pairKey(base, quote)] = price
	s.at = at
	s.mu.Unlock()
}

func (s *StaticSource) Price(ctx context.Context, base, quote string) (PriceQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[pairKey(base, quote)]
	if !ok {
		return PriceQuote{}, fmt.Errorf("%s: %s/%s: %w", s.SourceName, base, quote, ErrPairUnavailable)
	}
	return PriceQuote{
		Source:    s.SourceName,
		Base:      strings.ToUpper(base),
		Quote:     strings.ToUpper(quote),
		Price:     price,
		Timestamp: s.at,
	}, nil
}

func (s *StaticSource) HistoricalPrice(ctx context.Context, base, quote string, at time.Time) (PriceQuote, error) {
	q, err := s.Price(ctx, base, quote)
	if err != nil {
		return PriceQuote{}, err
	}
	q.Timestamp = at
	return q, nil
}
