package db

import (
	"stablecore/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Stablecoin{},
		&models.CollateralPosition{},
		&models.AccountBalance{},
		&models.LiquidationAuction{},
		&models.AuctionBid{},
		&models.StabilityAdjustment{},
		&models.DomainEvent{},
	)
}
