package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vault 金库，每个链上金库合约对应一条记录，只停用不删除
//
// 不变量：total_allocated <= total_deposits，tvl = total_deposits + total_yield
type Vault struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Address        string          `gorm:"type:varchar(42);uniqueIndex;not null" json:"address"`
	AssetAddress   string          `gorm:"type:varchar(42);not null" json:"asset_address"`
	ManagerAddress string          `gorm:"type:varchar(42);not null" json:"manager_address"`
	Name           string          `gorm:"type:varchar(128);not null" json:"name"`
	Description    string          `gorm:"type:varchar(512)" json:"description"`
	AssetDecimals  int32           `gorm:"not null;default:6" json:"asset_decimals"`
	TotalDeposits  decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"total_deposits"`
	TotalAllocated decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"total_allocated"`
	TotalYield     decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"total_yield"`
	TVL            decimal.Decimal `gorm:"column:tvl;type:decimal(36,18);not null;default:0" json:"tvl"`
	IsActive       bool            `gorm:"not null;default:true;index" json:"is_active"`
	Version        int             `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Vault) TableName() string {
	return "vaults"
}

// Available 未分配到协议的存款
func (v *Vault) Available() decimal.Decimal {
	return v.TotalDeposits.Sub(v.TotalAllocated)
}
