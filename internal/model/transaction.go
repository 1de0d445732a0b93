package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction 一次链上变更的尝试及其结果
//
// 提交前以 pending 创建，广播后进入 processing，
// 只有链上确认或管道失败才会进入终态，不允许跳过。
type Transaction struct {
	ID                  int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo       string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	VaultID             int64             `gorm:"index;not null" json:"vault_id"`
	UserID              *int64            `gorm:"index" json:"user_id,omitempty"`
	ProtocolID          *int64            `gorm:"index" json:"protocol_id,omitempty"`
	WithdrawalRequestID *int64            `gorm:"index" json:"withdrawal_request_id,omitempty"`
	Type                TransactionType   `gorm:"type:varchar(20);not null" json:"type"`
	Method              string            `gorm:"type:varchar(64);not null" json:"method"`
	Status              TransactionStatus `gorm:"type:varchar(20);index:idx_status_updated;not null" json:"status"`
	Amount              decimal.Decimal   `gorm:"type:decimal(36,18);not null" json:"amount"`
	TxHash              *string           `gorm:"type:varchar(66);uniqueIndex" json:"tx_hash,omitempty"`
	FromAddress         string            `gorm:"type:varchar(42)" json:"from_address"`
	ToAddress           string            `gorm:"type:varchar(42)" json:"to_address"`
	Nonce               *uint64           `json:"nonce,omitempty"`
	BlockNumber         *uint64           `json:"block_number,omitempty"`
	GasUsed             *uint64           `json:"gas_used,omitempty"`
	GasPrice            decimal.Decimal   `gorm:"type:decimal(36,0);not null;default:0" json:"gas_price"` // wei
	ErrorCode           string            `gorm:"type:varchar(40)" json:"error_code,omitempty"`
	ErrorMessage        string            `gorm:"type:varchar(1024)" json:"error_message,omitempty"`
	ConfirmedAt         *time.Time        `json:"confirmed_at,omitempty"`
	CreatedAt           time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"autoUpdateTime;index:idx_status_updated" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Transaction.Method 取值，对应合约方法名
const (
	MethodDeposit           = "deposit"
	MethodInstantWithdraw   = "instantWithdraw"
	MethodRequestWithdrawal = "requestWithdrawal"
	MethodProcessWithdrawal = "processWithdrawal"
	MethodCancelWithdrawal  = "cancelWithdrawal"
	MethodAllocate          = "allocate"
	MethodDeallocate        = "deallocate"
	MethodSyncYield         = "syncYield"
)

func (t *Transaction) Hash() string {
	if t.TxHash == nil {
		return ""
	}
	return *t.TxHash
}
