package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PositionStatusActive     = "active"
	PositionStatusClosed     = "closed"
	PositionStatusLiquidated = "liquidated"
)

// CollateralPosition is a single-writer aggregate. Mutations go through a
// row-locked transaction keyed by ID; (account, coin, status) is only an index.
type CollateralPosition struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	AccountID      string `gorm:"type:varchar(100);not null;index:idx_positions_account_coin_status,priority:1"`
	StablecoinCode string `gorm:"type:varchar(20);not null;index:idx_positions_account_coin_status,priority:2"`

	CollateralAsset  string          `gorm:"type:varchar(20);not null"`
	CollateralAmount decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	DebtAmount       decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	CollateralRatio  decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`
	LiquidationPrice decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`

	Status string `gorm:"type:varchar(20);not null;default:'active';index:idx_positions_account_coin_status,priority:3"`

	LastInteractionAt time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt         time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (CollateralPosition) TableName() string {
	return "collateral_positions"
}

func (p CollateralPosition) IsActive() bool {
	return p.Status == PositionStatusActive && p.DebtAmount.GreaterThanOrEqual(decimal.Zero)
}
