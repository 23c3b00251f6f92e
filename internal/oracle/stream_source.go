package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// StreamSource consumes a websocket ticker feed and keeps the latest quote
// per pair. Each frame is expected as
// {"base":"ETH","quote":"USD","price":"2000.5","timestamp":"..."}.
type StreamSource struct {
	SourceName   string
	URL          string
	SourceWeight float64
	Logger       *zap.Logger

	BackoffMin time.Duration
	BackoffMax time.Duration
	// StaleAfter marks the source unhealthy when no frame arrived for this long.
	StaleAfter time.Duration

	mu      sync.RWMutex
	latest  map[string]PriceQuote
	lastMsg time.Time
}

type streamFrame struct {
	Base      string `json:"base"`
	Quote     string `json:"quote"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

func (s *StreamSource) Name() string    { return s.SourceName }
func (s *StreamSource) Weight() float64 { return s.SourceWeight }

func (s *StreamSource) Healthy() bool {
	if s == nil {
		return false
	}
	staleAfter := s.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.lastMsg.IsZero() && time.Since(s.lastMsg) < staleAfter
}

// Run connects and reconnects with jittered backoff until ctx is cancelled.
func (s *StreamSource) Run(ctx context.Context) error {
	if s == nil || strings.TrimSpace(s.URL) == "" {
		return nil
	}
	backoffMin := s.BackoffMin
	if backoffMin <= 0 {
		backoffMin = time.Second
	}
	backoffMax := s.BackoffMax
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}
	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, _, err := websocket.Dial(ctx, s.URL, nil)
		if err != nil {
			if s.Logger != nil {
				s.Logger.Warn("oracle stream connect failed", zap.String("source", s.SourceName), zap.Error(err))
			}
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, backoffMax)
			continue
		}
		conn.SetReadLimit(1 << 20)
		if s.Logger != nil {
			s.Logger.Info("oracle stream connected", zap.String("source", s.SourceName))
		}
		backoff = backoffMin

		err = s.consume(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, backoffMax)
	}
}

func (s *StreamSource) consume(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(frame.Price))
		if err != nil || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		ts := time.Now().UTC()
		if strings.TrimSpace(frame.Timestamp) != "" {
			if parsed, perr := time.Parse(time.RFC3339, strings.TrimSpace(frame.Timestamp)); perr == nil {
				ts = parsed.UTC()
			}
		}
		q := PriceQuote{
			Source:    s.SourceName,
			Base:      normalizeAsset(frame.Base),
			Quote:     normalizeAsset(frame.Quote),
			Price:     price,
			Timestamp: ts,
		}
		s.mu.Lock()
		if s.latest == nil {
			s.latest = map[string]PriceQuote{}
		}
		s.latest[pairKey(q.Base, q.Quote)] = q
		s.lastMsg = time.Now().UTC()
		s.mu.Unlock()
	}
}

func (s *StreamSource) Price(ctx context.Context, base, quote string) (PriceQuote, error) {
	s.mu.RLock()
	q, ok := s.latest[pairKey(base, quote)]
	s.mu.RUnlock()
	if !ok {
		return PriceQuote{}, ErrPairUnavailable
	}
	return q, nil
}

// HistoricalPrice: a live stream holds no history; the latest quote is
// returned stamped stale so the aggregator can discount it.
func (s *StreamSource) HistoricalPrice(ctx context.Context, base, quote string, at time.Time) (PriceQuote, error) {
	q, err := s.Price(ctx, base, quote)
	if err != nil {
		return PriceQuote{}, err
	}
	q.Timestamp = at
	q.Stale = true
	return q, nil
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	var jitter time.Duration
	if half := int64(base / 2); half > 0 {
		jitter = time.Duration(rand.Int63n(half))
	}
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
