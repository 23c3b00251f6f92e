package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stablecore/internal/models"
	"stablecore/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// conn returns the transaction handle when inside InTx, the root handle otherwise.
func (s *Store) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}

// --- Stablecoins ------------------------------------------------------------

func (s *Store) UpsertStablecoin(ctx context.Context, item *models.Stablecoin) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.Code) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"peg_asset",
			"target_price",
			"target_collateral_ratio",
			"min_collateral_ratio",
			"mint_fee",
			"burn_fee",
			"mechanism",
			"max_supply",
			"minting_enabled",
			"burning_enabled",
			"active",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetStablecoin(ctx context.Context, code string) (*models.Stablecoin, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Stablecoin
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetStablecoinForUpdateTx(ctx context.Context, tx *gorm.DB, code string) (*models.Stablecoin, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Stablecoin
	err := s.conn(ctx, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("code = ?", code).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListActiveStablecoins(ctx context.Context) ([]models.Stablecoin, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Stablecoin
	err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("code asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) AddStablecoinAggregatesTx(ctx context.Context, tx *gorm.DB, code string, supplyDelta, collateralDelta decimal.Decimal) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.conn(ctx, tx).Model(&models.Stablecoin{}).
		Where("code = ?", code).
		Updates(map[string]any{
			"total_supply":           gorm.Expr("total_supply + ?", supplyDelta),
			"total_collateral_value": gorm.Expr("total_collateral_value + ?", collateralDelta),
			"updated_at":             time.Now().UTC(),
		}).Error
}

func (s *Store) UpdateStablecoinTargetRatio(ctx context.Context, code string, ratio decimal.Decimal) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Stablecoin{}).
		Where("code = ?", code).
		Update("target_collateral_ratio", ratio).Error
}

func (s *Store) UpdateStablecoinFees(ctx context.Context, code string, mintFee, burnFee *decimal.Decimal) error {
	if s == nil || s.db == nil {
		return nil
	}
	changes := map[string]any{}
	if mintFee != nil {
		changes["mint_fee"] = *mintFee
	}
	if burnFee != nil {
		changes["burn_fee"] = *burnFee
	}
	if len(changes) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Stablecoin{}).
		Where("code = ?", code).
		Updates(changes).Error
}

func (s *Store) SetStablecoinSwitches(ctx context.Context, code string, minting, burning *bool) error {
	if s == nil || s.db == nil {
		return nil
	}
	changes := map[string]any{}
	if minting != nil {
		changes["minting_enabled"] = *minting
	}
	if burning != nil {
		changes["burning_enabled"] = *burning
	}
	if len(changes) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Stablecoin{}).
		Where("code = ?", code).
		Updates(changes).Error
}

// --- Positions --------------------------------------------------------------

func (s *Store) CreatePositionTx(ctx context.Context, tx *gorm.DB, item *models.CollateralPosition) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.conn(ctx, tx).Create(item).Error
}

func (s *Store) SavePositionTx(ctx context.Context, tx *gorm.DB, item *models.CollateralPosition) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.conn(ctx, tx).Save(item).Error
}

func (s *Store) GetPositionByID(ctx context.Context, id string) (*models.CollateralPosition, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.CollateralPosition
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetPositionForUpdateTx(ctx context.Context, tx *gorm.DB, id string) (*models.CollateralPosition, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.CollateralPosition
	err := s.conn(ctx, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetActivePositionForAccountTx(ctx context.Context, tx *gorm.DB, accountID, code string) (*models.CollateralPosition, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.CollateralPosition
	err := s.conn(ctx, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND stablecoin_code = ? AND status = ?", accountID, code, models.PositionStatusActive).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListActivePositions(ctx context.Context, code string, limit int) ([]models.CollateralPosition, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Where("status = ?", models.PositionStatusActive)
	if strings.TrimSpace(code) != "" {
		query = query.Where("stablecoin_code = ?", code)
	}
	if limit <= 0 {
		limit = 500
	}
	var items []models.CollateralPosition
	if err := query.Order("created_at asc").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdatePositionRisk(ctx context.Context, id string, ratio, liquidationPrice decimal.Decimal) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.CollateralPosition{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"collateral_ratio":  ratio,
			"liquidation_price": liquidationPrice,
		}).Error
}

// --- Account balances -------------------------------------------------------

func (s *Store) GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error) {
	if s == nil || s.db == nil {
		return decimal.Zero, nil
	}
	var item models.AccountBalance
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND asset = ?", accountID, asset).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return item.Balance, nil
}

func (s *Store) AddBalanceTx(ctx context.Context, tx *gorm.DB, accountID, asset string, delta decimal.Decimal) error {
	if s == nil || s.db == nil {
		return nil
	}
	item := models.AccountBalance{
		AccountID: accountID,
		Asset:     asset,
		Balance:   delta,
	}
	return s.conn(ctx, tx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "asset"}},
		DoUpdates: clause.Assignments(map[string]any{
			"balance":    gorm.Expr("account_balances.balance + ?", delta),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&item).Error
}

func (s *Store) DebitBalanceTx(ctx context.Context, tx *gorm.DB, accountID, asset string, amount decimal.Decimal) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res := s.conn(ctx, tx).Model(&models.AccountBalance{}).
		Where("account_id = ? AND asset = ? AND balance >= ?", accountID, asset, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// --- Auctions ---------------------------------------------------------------

func (s *Store) CreateAuction(ctx context.Context, item *models.LiquidationAuction) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetAuctionByID(ctx context.Context, id string) (*models.LiquidationAuction, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.LiquidationAuction
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetAuctionForUpdateTx(ctx context.Context, tx *gorm.DB, id string) (*models.LiquidationAuction, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.LiquidationAuction
	err := s.conn(ctx, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) InsertBidTx(ctx context.Context, tx *gorm.DB, item *models.AuctionBid) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.conn(ctx, tx).Create(item).Error
}

func (s *Store) CountBidsTx(ctx context.Context, tx *gorm.DB, auctionID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var count int64
	err := s.conn(ctx, tx).Model(&models.AuctionBid{}).
		Where("auction_id = ?", auctionID).
		Count(&count).Error
	return count, err
}

func (s *Store) ListBids(ctx context.Context, auctionID string) ([]models.AuctionBid, error) {
	return s.ListBidsTx(ctx, nil, auctionID)
}

func (s *Store) ListBidsTx(ctx context.Context, tx *gorm.DB, auctionID string) ([]models.AuctionBid, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.AuctionBid
	err := s.conn(ctx, tx).
		Where("auction_id = ?", auctionID).
		Order("sequence asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListAuctionsByStatus(ctx context.Context, status string, limit int) ([]models.LiquidationAuction, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	var items []models.LiquidationAuction
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("started_at desc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListExpiredActiveAuctions(ctx context.Context, before time.Time, limit int) ([]models.LiquidationAuction, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	var items []models.LiquidationAuction
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.AuctionStatusActive, before).
		Order("expires_at asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CloseAuctionIfTx(ctx context.Context, tx *gorm.DB, id, toStatus string, winnerID *string, winningBid *decimal.Decimal) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	changes := map[string]any{
		"status":     toStatus,
		"updated_at": time.Now().UTC(),
	}
	if winnerID != nil {
		changes["winner_id"] = *winnerID
	}
	if winningBid != nil {
		changes["winning_bid"] = *winningBid
	}
	res := s.conn(ctx, tx).Model(&models.LiquidationAuction{}).
		Where("id = ? AND status = ?", id, models.AuctionStatusActive).
		Updates(changes)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// --- Stability cooldowns ----------------------------------------------------

func (s *Store) GetStabilityAdjustment(ctx context.Context, code, adjustmentType string) (*models.StabilityAdjustment, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.StabilityAdjustment
	err := s.db.WithContext(ctx).
		Where("stablecoin_code = ? AND adjustment_type = ?", code, adjustmentType).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertStabilityAdjustment(ctx context.Context, code, adjustmentType string, at time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	item := models.StabilityAdjustment{
		StablecoinCode: code,
		AdjustmentType: adjustmentType,
		LastAppliedAt:  at,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stablecoin_code"}, {Name: "adjustment_type"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_applied_at": at,
			"updated_at":      time.Now().UTC(),
		}),
	}).Create(&item).Error
}

// --- Events -----------------------------------------------------------------

func (s *Store) InsertDomainEvent(ctx context.Context, item *models.DomainEvent) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}
