package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	MinRiskLevel = 1
	MaxRiskLevel = 5
)

// Protocol 金库资金投放的外部收益协议
type Protocol struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	VaultID         int64           `gorm:"index;not null" json:"vault_id"`
	Address         string          `gorm:"type:varchar(42);not null" json:"address"`
	Name            string          `gorm:"type:varchar(128);not null" json:"name"`
	Description     string          `gorm:"type:varchar(512)" json:"description"`
	AllocatedAmount decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"allocated_amount"`
	APY             decimal.Decimal `gorm:"column:apy;type:decimal(10,2);not null;default:0" json:"apy"`
	RiskLevel       int             `gorm:"not null;default:1" json:"risk_level"`
	IsActive        bool            `gorm:"not null;default:true" json:"is_active"`
	Version         int             `gorm:"not null;default:0" json:"version"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Protocol) TableName() string {
	return "protocols"
}

// ProtocolSnapshot 协议链上余额与收益率的定时快照
type ProtocolSnapshot struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ProtocolID  int64           `gorm:"index;not null" json:"protocol_id"`
	VaultID     int64           `gorm:"index;not null" json:"vault_id"`
	Balance     decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"balance"`
	Allocated   decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"allocated"`
	APY         decimal.Decimal `gorm:"column:apy;type:decimal(10,2);not null" json:"apy"`
	BlockNumber uint64          `gorm:"not null" json:"block_number"`
	CreatedAt   time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (ProtocolSnapshot) TableName() string {
	return "protocol_snapshots"
}
