package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountBalance backs the ledger collaborator. One row per (account, asset).
type AccountBalance struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement"`
	AccountID string          `gorm:"type:varchar(100);not null;uniqueIndex:idx_balances_account_asset,priority:1"`
	Asset     string          `gorm:"type:varchar(20);not null;uniqueIndex:idx_balances_account_asset,priority:2"`
	Balance   decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (AccountBalance) TableName() string {
	return "account_balances"
}
