package models

import (
	"time"

	"gorm.io/datatypes"

	"oneui/internal/shared/constants"
)

// ConnectionLogModel is the append-only connection event log.
type ConnectionLogModel struct {
	ID        uint   `gorm:"primarykey"`
	UserID    uint   `gorm:"not null;index:idx_conn_user_time"`
	InboundID uint   `gorm:"not null;index"`
	Action    string `gorm:"size:16;not null"` // connect or disconnect
	ClientIP  string `gorm:"size:45"`
	CreatedAt time.Time `gorm:"index:idx_conn_user_time;index"`
}

func (ConnectionLogModel) TableName() string {
	return constants.TableConnectionLog
}

// TrafficLogModel is the append-only per-user traffic delta log.
type TrafficLogModel struct {
	ID        uint      `gorm:"primarykey"`
	UserID    uint      `gorm:"not null;index:idx_traffic_user_time"`
	Upload    uint64    `gorm:"not null;default:0"`
	Download  uint64    `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"index:idx_traffic_user_time;index"`
}

func (TrafficLogModel) TableName() string {
	return constants.TableTrafficLog
}

// UpdateHistoryModel records every update coordinator action.
type UpdateHistoryModel struct {
	ID        uint           `gorm:"primarykey"`
	Level     string         `gorm:"size:16;not null;index"`
	Message   string         `gorm:"size:512;not null"`
	Metadata  datatypes.JSON `gorm:"type:json"`
	CreatedAt time.Time      `gorm:"index"`
}

func (UpdateHistoryModel) TableName() string {
	return constants.TableUpdateHistory
}

// UpdateLockModel is the persisted named mutual-exclusion record.
type UpdateLockModel struct {
	Name      string    `gorm:"primarykey;size:64"`
	OwnerID   string    `gorm:"size:36;not null"`
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time
}

func (UpdateLockModel) TableName() string {
	return constants.TableUpdateLocks
}
