package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"stablecore/internal/models"
)

// Repository is the full persistence surface. Services depend on narrow
// subsets of it; the gorm store implements the whole thing.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Stablecoins.
	UpsertStablecoin(ctx context.Context, item *models.Stablecoin) error
	GetStablecoin(ctx context.Context, code string) (*models.Stablecoin, error)
	GetStablecoinForUpdateTx(ctx context.Context, tx *gorm.DB, code string) (*models.Stablecoin, error)
	ListActiveStablecoins(ctx context.Context) ([]models.Stablecoin, error)
	// AddStablecoinAggregatesTx applies supply/collateral deltas atomically at
	// the SQL level; deltas may be negative.
	AddStablecoinAggregatesTx(ctx context.Context, tx *gorm.DB, code string, supplyDelta, collateralDelta decimal.Decimal) error
	UpdateStablecoinTargetRatio(ctx context.Context, code string, ratio decimal.Decimal) error
	UpdateStablecoinFees(ctx context.Context, code string, mintFee, burnFee *decimal.Decimal) error
	SetStablecoinSwitches(ctx context.Context, code string, minting, burning *bool) error

	// Positions.
	CreatePositionTx(ctx context.Context, tx *gorm.DB, item *models.CollateralPosition) error
	SavePositionTx(ctx context.Context, tx *gorm.DB, item *models.CollateralPosition) error
	GetPositionByID(ctx context.Context, id string) (*models.CollateralPosition, error)
	GetPositionForUpdateTx(ctx context.Context, tx *gorm.DB, id string) (*models.CollateralPosition, error)
	GetActivePositionForAccountTx(ctx context.Context, tx *gorm.DB, accountID, code string) (*models.CollateralPosition, error)
	ListActivePositions(ctx context.Context, code string, limit int) ([]models.CollateralPosition, error)
	UpdatePositionRisk(ctx context.Context, id string, ratio, liquidationPrice decimal.Decimal) error

	// Account balances (ledger backing).
	GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error)
	AddBalanceTx(ctx context.Context, tx *gorm.DB, accountID, asset string, delta decimal.Decimal) error
	// DebitBalanceTx decrements only when the balance covers the amount;
	// returns false when it does not.
	DebitBalanceTx(ctx context.Context, tx *gorm.DB, accountID, asset string, amount decimal.Decimal) (bool, error)

	// Auctions.
	CreateAuction(ctx context.Context, item *models.LiquidationAuction) error
	GetAuctionByID(ctx context.Context, id string) (*models.LiquidationAuction, error)
	GetAuctionForUpdateTx(ctx context.Context, tx *gorm.DB, id string) (*models.LiquidationAuction, error)
	InsertBidTx(ctx context.Context, tx *gorm.DB, item *models.AuctionBid) error
	CountBidsTx(ctx context.Context, tx *gorm.DB, auctionID string) (int64, error)
	ListBids(ctx context.Context, auctionID string) ([]models.AuctionBid, error)
	ListBidsTx(ctx context.Context, tx *gorm.DB, auctionID string) ([]models.AuctionBid, error)
	ListAuctionsByStatus(ctx context.Context, status string, limit int) ([]models.LiquidationAuction, error)
	ListExpiredActiveAuctions(ctx context.Context, before time.Time, limit int) ([]models.LiquidationAuction, error)
	// CloseAuctionIfTx is the compare-and-swap from active to a terminal status;
	// returns false when the auction was no longer active.
	CloseAuctionIfTx(ctx context.Context, tx *gorm.DB, id, toStatus string, winnerID *string, winningBid *decimal.Decimal) (bool, error)

	// Stability cooldowns.
	GetStabilityAdjustment(ctx context.Context, code, adjustmentType string) (*models.StabilityAdjustment, error)
	UpsertStabilityAdjustment(ctx context.Context, code, adjustmentType string, at time.Time) error

	// Events.
	InsertDomainEvent(ctx context.Context, item *models.DomainEvent) error
}
