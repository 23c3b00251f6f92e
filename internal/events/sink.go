package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"stablecore/internal/models"
)

const (
	TypePriceDeviationDetected    = "PriceDeviationDetected"
	TypePositionUpdated           = "PositionUpdated"
	TypePositionLiquidated        = "PositionLiquidated"
	TypeStablecoinMinted          = "StablecoinMinted"
	TypeStablecoinBurned          = "StablecoinBurned"
	TypeStabilityMechanismApplied = "StabilityMechanismApplied"
	TypeAuctionStarted            = "AuctionStarted"
	TypeAuctionClosed             = "AuctionClosed"
)

type Event struct {
	Type    string
	Payload map[string]any
	At      time.Time
}

// Sink delivers engine events to out-of-scope consumers (compliance,
// monitoring). Emission is best-effort; callers never fail an operation
// because a sink failed.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

type EventStore interface {
	InsertDomainEvent(ctx context.Context, item *models.DomainEvent) error
}

// DBSink persists events to the domain_events table.
type DBSink struct {
	Store  EventStore
	Logger *zap.Logger
}

func (s *DBSink) Emit(ctx context.Context, ev Event) {
	if s == nil || s.Store == nil {
		return
	}
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("event payload marshal failed", zap.String("event_type", ev.Type), zap.Error(err))
		}
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	item := &models.DomainEvent{
		EventType: ev.Type,
		Payload:   datatypes.JSON(raw),
		CreatedAt: at,
	}
	if err := s.Store.InsertDomainEvent(ctx, item); err != nil && s.Logger != nil {
		s.Logger.Warn("event persist failed", zap.String("event_type", ev.Type), zap.Error(err))
	}
}

// Multi fans an event out to every configured sink.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// Nop is used in tests and when no sink is configured.
type Nop struct{}

func (Nop) Emit(ctx context.Context, ev Event) {}
