package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	AuctionStatusActive    = "active"
	AuctionStatusCompleted = "completed"
	AuctionStatusNoBids    = "no_bids"
	AuctionStatusCancelled = "cancelled"
)

type LiquidationAuction struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	PositionID string `gorm:"type:uuid;not null;index"`

	// CollateralValue is a snapshot taken at auction start; later price moves
	// do not change it.
	CollateralValue decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	MinimumBid      decimal.Decimal `gorm:"type:numeric(30,10);not null"`

	// PriceSnapshot carries the aggregated price used for the valuation, for audit.
	PriceSnapshot datatypes.JSON `gorm:"type:jsonb"`

	Status string `gorm:"type:varchar(20);not null;default:'active';index"`

	StartedAt time.Time `gorm:"type:timestamptz;not null"`
	ExpiresAt time.Time `gorm:"type:timestamptz;not null;index"`

	WinnerID   *string          `gorm:"type:varchar(100)"`
	WinningBid *decimal.Decimal `gorm:"type:numeric(30,10)"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (LiquidationAuction) TableName() string {
	return "liquidation_auctions"
}

// AuctionBid rows are append-only; Sequence preserves arrival order.
type AuctionBid struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement"`
	AuctionID string          `gorm:"type:uuid;not null;index:idx_auction_bids_auction_seq,priority:1"`
	Sequence  int             `gorm:"not null;index:idx_auction_bids_auction_seq,priority:2"`
	BidderID  string          `gorm:"type:varchar(100);not null"`
	Amount    decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	PlacedAt  time.Time       `gorm:"type:timestamptz;not null"`
}

func (AuctionBid) TableName() string {
	return "auction_bids"
}
