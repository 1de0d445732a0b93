package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalRequest 排队提现请求，queue_index 来自链上队列
type WithdrawalRequest struct {
	ID          int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	VaultID     int64            `gorm:"uniqueIndex:uk_vault_queue;not null" json:"vault_id"`
	UserID      int64            `gorm:"index;not null" json:"user_id"`
	QueueIndex  uint64           `gorm:"uniqueIndex:uk_vault_queue;not null" json:"queue_index"`
	Amount      decimal.Decimal  `gorm:"type:decimal(36,18);not null" json:"amount"`
	Status      WithdrawalStatus `gorm:"type:varchar(20);index;not null" json:"status"`
	TxHash      *string          `gorm:"type:varchar(66)" json:"tx_hash,omitempty"`
	RequestedAt time.Time        `gorm:"not null" json:"requested_at"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (WithdrawalRequest) TableName() string {
	return "withdrawal_requests"
}
