package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User 按钱包地址唯一，首次交互时创建
type User struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletAddress string    `gorm:"type:varchar(42);uniqueIndex;not null" json:"wallet_address"`
	Email         string    `gorm:"type:varchar(128)" json:"email,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// VaultUserBalance 用户在某个金库中的可用余额（链上余额的链下镜像）
//
// 排队中的提现金额已从 Balance 扣除，但仍计入 vault.total_deposits
type VaultUserBalance struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	VaultID   int64           `gorm:"uniqueIndex:uk_vault_user;not null" json:"vault_id"`
	UserID    int64           `gorm:"uniqueIndex:uk_vault_user;index;not null" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"balance"`
	Version   int             `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (VaultUserBalance) TableName() string {
	return "vault_users"
}
