package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StabilityMechanism is a closed set; anything else fails Valid().
type StabilityMechanism string

const (
	MechanismCollateralized StabilityMechanism = "collateralized"
	MechanismAlgorithmic    StabilityMechanism = "algorithmic"
	MechanismHybrid         StabilityMechanism = "hybrid"
)

func (m StabilityMechanism) Valid() bool {
	switch m {
	case MechanismCollateralized, MechanismAlgorithmic, MechanismHybrid:
		return true
	}
	return false
}

type Stablecoin struct {
	Code     string `gorm:"type:varchar(20);primaryKey"`
	Name     string `gorm:"type:varchar(100)"`
	PegAsset string `gorm:"type:varchar(20);not null"`

	TargetPrice           decimal.Decimal `gorm:"type:numeric(20,10);not null;default:1"`
	TargetCollateralRatio decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	MinCollateralRatio    decimal.Decimal `gorm:"type:numeric(20,10);not null"`

	MintFee decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`
	BurnFee decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`

	Mechanism StabilityMechanism `gorm:"type:varchar(20);not null;default:'collateralized'"`

	// Aggregates are eventually consistent with the sum over active positions.
	TotalSupply          decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	TotalCollateralValue decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	MaxSupply            decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`

	MintingEnabled bool `gorm:"not null;default:true"`
	BurningEnabled bool `gorm:"not null;default:true"`
	Active         bool `gorm:"not null;default:true;index"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Stablecoin) TableName() string {
	return "stablecoins"
}

// GlobalRatio is total collateral value over total supply; zero when nothing is minted.
func (s Stablecoin) GlobalRatio() decimal.Decimal {
	if s.TotalSupply.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return s.TotalCollateralValue.Div(s.TotalSupply)
}
