package models

import (
	"time"

	"oneui/internal/shared/constants"
)

// UserModel is the persistence model for user accounts.
type UserModel struct {
	ID                uint   `gorm:"primarykey"`
	Email             string `gorm:"uniqueIndex;size:255;not null"`
	UUID              string `gorm:"uniqueIndex;size:36;not null"`
	Password          string `gorm:"size:255"`
	SubscriptionToken string `gorm:"index;size:64"`
	Status            string `gorm:"size:16;not null;default:active;index"`
	DataLimit         uint64 `gorm:"not null;default:0"` // bytes, 0 = unlimited
	UploadUsed        uint64 `gorm:"not null;default:0"`
	DownloadUsed      uint64 `gorm:"not null;default:0"`
	ExpireDate        *time.Time
	IPLimit           int `gorm:"not null;default:0"`
	DeviceLimit       int `gorm:"not null;default:0"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (UserModel) TableName() string {
	return constants.TableUsers
}
