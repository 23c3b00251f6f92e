package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HTTPSource polls a REST ticker endpoint and keeps the latest quote per pair.
// The endpoint is expected to answer GET ?base=X&quote=Y with
// {"price": "...", "timestamp": "..."} (timestamp optional, RFC3339).
type HTTPSource struct {
	SourceName   string
	Endpoint     string
	SourceWeight float64
	PollInterval time.Duration
	Pairs        [][2]string

	HTTP   *http.Client
	Logger *zap.Logger

	mu      sync.RWMutex
	latest  map[string]PriceQuote
	lastErr error
}

type httpTicker struct {
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

func (s *HTTPSource) Name() string    { return s.SourceName }
func (s *HTTPSource) Weight() float64 { return s.SourceWeight }

// Healthy reports whether the most recent poll cycle succeeded.
func (s *HTTPSource) Healthy() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr == nil && len(s.latest) > 0
}

// Run polls until the context is cancelled. Start it in its own goroutine.
func (s *HTTPSource) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	interval := s.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.pollOnce(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *HTTPSource) pollOnce(ctx context.Context) {
	var firstErr error
	for _, pair := range s.Pairs {
		q, err := s.fetch(ctx, pair[0], pair[1])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if s.Logger != nil {
				s.Logger.Warn("oracle http poll failed",
					zap.String("source", s.SourceName),
					zap.String("pair", pairKey(pair[0], pair[1])),
					zap.Error(err),
				)
			}
			continue
		}
		s.mu.Lock()
		if s.latest == nil {
			s.latest = map[string]PriceQuote{}
		}
		s.latest[pairKey(pair[0], pair[1])] = q
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.lastErr = firstErr
	s.mu.Unlock()
}

func (s *HTTPSource) fetch(ctx context.Context, base, quote string) (PriceQuote, error) {
	endpoint := strings.TrimSpace(s.Endpoint)
	if endpoint == "" {
		return PriceQuote{}, fmt.Errorf("%s: endpoint not configured", s.SourceName)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return PriceQuote{}, err
	}
	qs := u.Query()
	qs.Set("base", normalizeAsset(base))
	qs.Set("quote", normalizeAsset(quote))
	u.RawQuery = qs.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return PriceQuote{}, err
	}
	client := s.HTTP
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return PriceQuote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PriceQuote{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PriceQuote{}, fmt.Errorf("%s: http %d: %s", s.SourceName, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var tick httpTicker
	if err := json.Unmarshal(body, &tick); err != nil {
		return PriceQuote{}, err
	}
	price, err := decimal.NewFromString(strings.TrimSpace(tick.Price))
	if err != nil {
		return PriceQuote{}, fmt.Errorf("%s: bad price %q: %w", s.SourceName, tick.Price, err)
	}
	ts := time.Now().UTC()
	if strings.TrimSpace(tick.Timestamp) != "" {
		if parsed, perr := time.Parse(time.RFC3339, strings.TrimSpace(tick.Timestamp)); perr == nil {
			ts = parsed.UTC()
		}
	}
	return PriceQuote{
		Source:    s.SourceName,
		Base:      normalizeAsset(base),
		Quote:     normalizeAsset(quote),
		Price:     price,
		Timestamp: ts,
	}, nil
}

func (s *HTTPSource) Price(ctx context.Context, base, quote string) (PriceQuote, error) {
	s.mu.RLock()
	q, ok := s.latest[pairKey(base, quote)]
	s.mu.RUnlock()
	if ok {
		return q, nil
	}
	// Pair not in the polling set (or first poll still pending): fetch directly.
	return s.fetch(ctx, base, quote)
}

// HistoricalPrice returns the closest quote the source can serve; plain REST
// tickers have no history, so the latest quote is stamped with the requested
// time and flagged stale when the gap is large.
func (s *HTTPSource) HistoricalPrice(ctx context.Context, base, quote string, at time.Time) (PriceQuote, error) {
	q, err := s.Price(ctx, base, quote)
	if err != nil {
		return PriceQuote{}, err
	}
	if q.Timestamp.Sub(at).Abs() > time.Hour {
		q.Stale = true
	}
	q.Timestamp = at
	return q, nil
}
