package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"stablecore/internal/config"
	"stablecore/internal/events"
	"stablecore/internal/models"
	"stablecore/internal/oracle"
)

var (
	ErrAuctionNotFound  = errors.New("auction not found")
	ErrAuctionNotActive = errors.New("auction not active")
	ErrBidTooLow        = errors.New("bid below minimum")
)

type Store interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	CreateAuction(ctx context.Context, item *models.LiquidationAuction) error
	GetAuctionByID(ctx context.Context, id string) (*models.LiquidationAuction, error)
	GetAuctionForUpdateTx(ctx context.Context, tx *gorm.DB, id string) (*models.LiquidationAuction, error)
	InsertBidTx(ctx context.Context, tx *gorm.DB, item *models.AuctionBid) error
	CountBidsTx(ctx context.Context, tx *gorm.DB, auctionID string) (int64, error)
	ListBidsTx(ctx context.Context, tx *gorm.DB, auctionID string) ([]models.AuctionBid, error)
	ListAuctionsByStatus(ctx context.Context, status string, limit int) ([]models.LiquidationAuction, error)
	ListExpiredActiveAuctions(ctx context.Context, before time.Time, limit int) ([]models.LiquidationAuction, error)
	CloseAuctionIfTx(ctx context.Context, tx *gorm.DB, id, toStatus string, winnerID *string, winningBid *decimal.Decimal) (bool, error)
}

// Service runs liquidation auctions: active until closed, terminal on
// completed, no_bids or cancelled. Close is a compare-and-swap on the status
// column, so two concurrent closers settle exactly once.
type Service struct {
	Config config.AuctionConfig
	Store  Store
	Sink   events.Sink
	Logger *zap.Logger
	Now    func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) sink() events.Sink {
	if s.Sink != nil {
		return s.Sink
	}
	return events.Nop{}
}

func (s *Service) duration() time.Duration {
	if s.Config.Duration > 0 {
		return s.Config.Duration
	}
	return time.Hour
}

// StartAuction opens an auction over a liquidated position's collateral. The
// price snapshot, when given, is stored for audit.
func (s *Service) StartAuction(ctx context.Context, positionID string, collateralValue, minimumBid decimal.Decimal, snapshot *oracle.AggregatedPrice) (*models.LiquidationAuction, error) {
	if collateralValue.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("collateral value must be positive")
	}
	if minimumBid.LessThan(decimal.Zero) {
		return nil, fmt.Errorf("minimum bid must not be negative")
	}

	now := s.now()
	item := &models.LiquidationAuction{
		ID:              uuid.NewString(),
		PositionID:      positionID,
		CollateralValue: collateralValue,
		MinimumBid:      minimumBid,
		Status:          models.AuctionStatusActive,
		StartedAt:       now,
		ExpiresAt:       now.Add(s.duration()),
	}
	if snapshot != nil {
		raw, err := json.Marshal(snapshot)
		if err != nil {
			return nil, fmt.Errorf("marshal price snapshot: %w", err)
		}
		item.PriceSnapshot = datatypes.JSON(raw)
	}
	if err := s.Store.CreateAuction(ctx, item); err != nil {
		return nil, err
	}

	s.sink().Emit(ctx, events.Event{
		Type: events.TypeAuctionStarted,
		Payload: map[string]any{
			"auction_id":       item.ID,
			"position_id":      positionID,
			"collateral_value": collateralValue.String(),
			"minimum_bid":      minimumBid.String(),
			"expires_at":       item.ExpiresAt.Format(time.RFC3339),
		},
		At: now,
	})
	if s.Logger != nil {
		s.Logger.Info("auction started",
			zap.String("auction_id", item.ID),
			zap.String("position_id", positionID),
		)
	}
	return item, nil
}

// PlaceBid appends a bid under the auction row lock. An expired but not yet
// swept auction rejects bids the same way a closed one does.
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderID string, amount decimal.Decimal) (*models.AuctionBid, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("bid amount must be positive")
	}

	var bid *models.AuctionBid
	err := s.Store.InTx(ctx, func(tx *gorm.DB) error {
		item, err := s.Store.GetAuctionForUpdateTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if item == nil {
			return ErrAuctionNotFound
		}
		if item.Status != models.AuctionStatusActive || !s.now().Before(item.ExpiresAt) {
			return ErrAuctionNotActive
		}
		if amount.LessThan(item.MinimumBid) {
			return fmt.Errorf("%w: minimum %s", ErrBidTooLow, item.MinimumBid.String())
		}
		count, err := s.Store.CountBidsTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		bid = &models.AuctionBid{
			AuctionID: auctionID,
			Sequence:  int(count) + 1,
			BidderID:  bidderID,
			Amount:    amount,
			PlacedAt:  s.now(),
		}
		return s.Store.InsertBidTx(ctx, tx, bid)
	})
	if err != nil {
		return nil, err
	}
	return bid, nil
}

// CloseAuction settles an active auction: highest bid wins, no bids moves it
// to no_bids. Winner selection and the status CAS run in one transaction
// under the auction row lock, so a bid committing concurrently is either
// blocked until after the close or included in the selection. Losing the
// status CAS means someone else already settled it.
func (s *Service) CloseAuction(ctx context.Context, auctionID string) (*models.LiquidationAuction, error) {
	var item *models.LiquidationAuction
	var bidCount int
	err := s.Store.InTx(ctx, func(tx *gorm.DB) error {
		locked, err := s.Store.GetAuctionForUpdateTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if locked == nil {
			return ErrAuctionNotFound
		}
		if locked.Status != models.AuctionStatusActive {
			return ErrAuctionNotActive
		}

		bids, err := s.Store.ListBidsTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		bidCount = len(bids)

		toStatus := models.AuctionStatusNoBids
		var winnerID *string
		var winningBid *decimal.Decimal
		if len(bids) > 0 {
			best := bids[0]
			for _, b := range bids[1:] {
				if b.Amount.GreaterThan(best.Amount) {
					best = b
				}
			}
			toStatus = models.AuctionStatusCompleted
			winnerID = &best.BidderID
			winningBid = &best.Amount
		}

		ok, err := s.Store.CloseAuctionIfTx(ctx, tx, auctionID, toStatus, winnerID, winningBid)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAuctionNotActive
		}

		locked.Status = toStatus
		locked.WinnerID = winnerID
		locked.WinningBid = winningBid
		item = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	toStatus := item.Status
	winnerID := item.WinnerID
	winningBid := item.WinningBid

	payload := map[string]any{
		"auction_id": auctionID,
		"status":     toStatus,
		"bid_count":  bidCount,
	}
	if winnerID != nil {
		payload["winner_id"] = *winnerID
		payload["winning_bid"] = winningBid.String()
	}
	s.sink().Emit(ctx, events.Event{Type: events.TypeAuctionClosed, Payload: payload, At: s.now()})
	if s.Logger != nil {
		s.Logger.Info("auction closed",
			zap.String("auction_id", auctionID),
			zap.String("status", toStatus),
			zap.Int("bids", bidCount),
		)
	}
	return item, nil
}

// CancelAuction moves an active auction to cancelled. It touches nothing but
// the auction row; compensating the seized collateral is the caller's contract.
func (s *Service) CancelAuction(ctx context.Context, auctionID string) error {
	item, err := s.Store.GetAuctionByID(ctx, auctionID)
	if err != nil {
		return err
	}
	if item == nil {
		return ErrAuctionNotFound
	}
	ok, err := s.Store.CloseAuctionIfTx(ctx, nil, auctionID, models.AuctionStatusCancelled, nil, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAuctionNotActive
	}
	if s.Logger != nil {
		s.Logger.Warn("auction cancelled", zap.String("auction_id", auctionID))
	}
	return nil
}

type AuctionResult struct {
	Auction    models.LiquidationAuction `json:"auction"`
	WinnerID   *string                   `json:"winner_id,omitempty"`
	WinningBid *decimal.Decimal          `json:"winning_bid,omitempty"`
	// Excess is collateral value above the winning bid, a candidate refund to
	// the original position owner.
	Excess    decimal.Decimal `json:"excess"`
	ExcessPct decimal.Decimal `json:"excess_pct"`
}

func (s *Service) Result(ctx context.Context, auctionID string) (*AuctionResult, error) {
	item, err := s.Store.GetAuctionByID(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrAuctionNotFound
	}
	out := &AuctionResult{Auction: *item, WinnerID: item.WinnerID, WinningBid: item.WinningBid}
	if item.Status == models.AuctionStatusCompleted && item.WinningBid != nil {
		excess := item.CollateralValue.Sub(*item.WinningBid)
		if excess.GreaterThan(decimal.Zero) {
			out.Excess = excess
			if item.CollateralValue.GreaterThan(decimal.Zero) {
				out.ExcessPct = excess.Div(item.CollateralValue).Mul(decimal.NewFromInt(100)).Round(4)
			}
		}
	}
	return out, nil
}

// SweepExpired closes every active auction whose expiry has passed. Run from
// cron; safe to run concurrently because close is a CAS.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.Store.ListExpiredActiveAuctions(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, item := range expired {
		if _, err := s.CloseAuction(ctx, item.ID); err != nil {
			if errors.Is(err, ErrAuctionNotActive) {
				continue
			}
			if s.Logger != nil {
				s.Logger.Warn("expired auction close failed", zap.String("auction_id", item.ID), zap.Error(err))
			}
			continue
		}
		closed++
	}
	return closed, nil
}
