package models

import "time"

const (
	AdjustmentCollateralRatio = "collateral_ratio"
	AdjustmentMintFee         = "mint_fee"
	AdjustmentBurnFee         = "burn_fee"
)

// StabilityAdjustment is the durable cooldown record shared across controller
// instances. In-memory flags are not enough in a multi-instance deployment.
type StabilityAdjustment struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement"`
	StablecoinCode string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_stability_adjustments_coin_type,priority:1"`
	AdjustmentType string    `gorm:"type:varchar(30);not null;uniqueIndex:idx_stability_adjustments_coin_type,priority:2"`
	LastAppliedAt  time.Time `gorm:"type:timestamptz;not null"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (StabilityAdjustment) TableName() string {
	return "stability_adjustments"
}
