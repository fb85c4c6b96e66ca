package models

import (
	"time"

	"gorm.io/datatypes"

	"oneui/internal/shared/constants"
)

// InboundModel is the persistence model for data-plane listeners. List-shaped
// transport fields (server names, short IDs, addresses, fallbacks) are stored
// as JSON columns.
type InboundModel struct {
	ID       uint   `gorm:"primarykey"`
	Tag      string `gorm:"uniqueIndex;size:64;not null"`
	Protocol string `gorm:"size:24;not null;index"`
	Network  string `gorm:"size:16;not null;default:tcp"`
	Security string `gorm:"size:16;not null;default:none"`
	Listen   string `gorm:"size:64"`
	Port     int    `gorm:"not null"`
	Enabled  bool   `gorm:"not null;default:true;index"`

	WSPath          string `gorm:"size:255"`
	WSHost          string `gorm:"size:255"`
	GRPCServiceName string `gorm:"size:255"`
	XHTTPMode       string `gorm:"size:16"`

	TLSCertFile        string         `gorm:"size:255"`
	TLSKeyFile         string         `gorm:"size:255"`
	RealityPrivateKey  string         `gorm:"size:255"`
	RealityPublicKey   string         `gorm:"size:255"`
	RealityDest        string         `gorm:"size:255"`
	RealityServerNames datatypes.JSON `gorm:"type:json"`
	RealityShortIDs    datatypes.JSON `gorm:"type:json"`

	WGPrivateKey string         `gorm:"size:255"`
	WGPeerPubKey string         `gorm:"size:255"`
	WGAddresses  datatypes.JSON `gorm:"type:json"`
	WGEndpoint   string         `gorm:"size:255"`
	WGMTU        int            `gorm:"not null;default:0"`

	SSCipher string `gorm:"size:64"`

	DokodemoAddress string `gorm:"size:255"`
	DokodemoPort    int    `gorm:"not null;default:0"`
	DokodemoNetwork string `gorm:"size:16"`

	Fallbacks datatypes.JSON `gorm:"type:json"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (InboundModel) TableName() string {
	return constants.TableInbounds
}

// UserInboundModel is the direct user-to-inbound relation.
type UserInboundModel struct {
	ID        uint `gorm:"primarykey"`
	UserID    uint `gorm:"not null;uniqueIndex:idx_user_inbound"`
	InboundID uint `gorm:"not null;uniqueIndex:idx_user_inbound;index"`
	Enabled   bool `gorm:"not null;default:true"`
	Priority  int  `gorm:"not null;default:100"` // 1-9999, orders effective inbound lists
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserInboundModel) TableName() string {
	return constants.TableUserInbounds
}

// GroupModel provides group-level defaults for indirect user-inbound access.
type GroupModel struct {
	ID              uint   `gorm:"primarykey"`
	Name            string `gorm:"uniqueIndex;size:64;not null"`
	Enabled         bool   `gorm:"not null;default:true"`
	DefaultPriority int    `gorm:"not null;default:100"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (GroupModel) TableName() string {
	return constants.TableGroups
}

// GroupInboundModel attaches an inbound to a group.
type GroupInboundModel struct {
	ID        uint `gorm:"primarykey"`
	GroupID   uint `gorm:"not null;uniqueIndex:idx_group_inbound"`
	InboundID uint `gorm:"not null;uniqueIndex:idx_group_inbound;index"`
	Enabled   bool `gorm:"not null;default:true"`
	Priority  int  `gorm:"not null;default:0"` // 0 falls back to the group default
	CreatedAt time.Time
}

func (GroupInboundModel) TableName() string {
	return constants.TableGroupInbounds
}

// UserGroupModel attaches a user to a group.
type UserGroupModel struct {
	ID        uint `gorm:"primarykey"`
	UserID    uint `gorm:"not null;uniqueIndex:idx_user_group"`
	GroupID   uint `gorm:"not null;uniqueIndex:idx_user_group;index"`
	CreatedAt time.Time
}

func (UserGroupModel) TableName() string {
	return constants.TableUserGroups
}
