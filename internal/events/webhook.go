package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WebhookSink POSTs events as JSON to an external consumer. Delivery is
// fire-and-forget with a bounded timeout; failures are logged, never returned.
type WebhookSink struct {
	URL     string
	Timeout time.Duration
	Logger  *zap.Logger

	HTTP *http.Client
}

func (s *WebhookSink) httpClient() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return http.DefaultClient
}

func (s *WebhookSink) Emit(ctx context.Context, ev Event) {
	if s == nil || strings.TrimSpace(s.URL) == "" {
		return
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	body, err := json.Marshal(map[string]any{
		"event_type": ev.Type,
		"payload":    ev.Payload,
		"at":         at.Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient().Do(req)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("event webhook delivery failed", zap.String("event_type", ev.Type), zap.Error(err))
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if s.Logger != nil {
			s.Logger.Warn("event webhook rejected",
				zap.String("event_type", ev.Type),
				zap.Int("status", resp.StatusCode),
			)
		}
	}
}
