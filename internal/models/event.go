package models

import (
	"time"

	"gorm.io/datatypes"
)

// DomainEvent is the persisted form of engine events consumed by compliance
// and observability pipelines.
type DomainEvent struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement"`
	EventType string         `gorm:"type:varchar(50);not null;index"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (DomainEvent) TableName() string {
	return "domain_events"
}
