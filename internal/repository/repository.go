package repository

import (
	"context"
	"time"

	"vaultledger/internal/model"
	"vaultledger/pkg/apperr"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = &apperr.Error{Kind: apperr.KindNotFound, Message: "记录不存在"}
	ErrDuplicate      = &apperr.Error{Kind: apperr.KindConflict, Message: "记录重复"}
	ErrStatusConflict = &apperr.Error{Kind: apperr.KindInvalidStateTransition, Message: "状态已被修改或流转不合法"}
	ErrOptimisticLock = &apperr.Error{Kind: apperr.KindConflict, Message: "乐观锁冲突，请重试"}
)

// Store 持久化入口
//
// Atomic 内的 fn 必须只使用传入的 tx，fn 返回错误时所有写入回滚。
type Store interface {
	Vaults() VaultRepository
	Protocols() ProtocolRepository
	Users() UserRepository
	Balances() BalanceRepository
	Transactions() TransactionRepository
	Withdrawals() WithdrawalRepository
	Outbox() OutboxRepository
	Snapshots() SnapshotRepository
	Atomic(ctx context.Context, fn func(tx Store) error) error
}

type VaultRepository interface {
	Create(ctx context.Context, vault *model.Vault) error
	GetByID(ctx context.Context, id int64) (*model.Vault, error)
	// GetByIDForUpdate 在事务内加行锁读取
	GetByIDForUpdate(ctx context.Context, id int64) (*model.Vault, error)
	GetByAddress(ctx context.Context, address string) (*model.Vault, error)
	List(ctx context.Context, activeOnly bool) ([]*model.Vault, error)
	// Update 按版本号更新，成功后 vault.Version 自增
	Update(ctx context.Context, vault *model.Vault) error
}

type ProtocolRepository interface {
	Create(ctx context.Context, protocol *model.Protocol) error
	GetByID(ctx context.Context, id int64) (*model.Protocol, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*model.Protocol, error)
	ListByVault(ctx context.Context, vaultID int64, activeOnly bool) ([]*model.Protocol, error)
	Update(ctx context.Context, protocol *model.Protocol) error
}

type UserRepository interface {
	GetOrCreate(ctx context.Context, walletAddress string) (*model.User, error)
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByAddress(ctx context.Context, walletAddress string) (*model.User, error)
}

type BalanceRepository interface {
	Get(ctx context.Context, vaultID, userID int64) (*model.VaultUserBalance, error)
	GetOrCreate(ctx context.Context, vaultID, userID int64) (*model.VaultUserBalance, error)
	Update(ctx context.Context, balance *model.VaultUserBalance) error
	ListByVault(ctx context.Context, vaultID int64) ([]*model.VaultUserBalance, error)
	SumByVault(ctx context.Context, vaultID int64) (decimal.Decimal, error)
	CountByVault(ctx context.Context, vaultID int64) (int64, error)
}

// TransactionUpdate 随状态变更一起写入的字段，nil/空值表示不修改
type TransactionUpdate struct {
	TxHash              *string
	Nonce               *uint64
	GasPrice            *decimal.Decimal
	BlockNumber         *uint64
	GasUsed             *uint64
	WithdrawalRequestID *int64
	ErrorCode           string
	ErrorMessage        string
	ConfirmedAt         *time.Time
}

func (u TransactionUpdate) columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if u.TxHash != nil {
		cols["tx_hash"] = *u.TxHash
	}
	if u.Nonce != nil {
		cols["nonce"] = *u.Nonce
	}
	if u.GasPrice != nil {
		cols["gas_price"] = *u.GasPrice
	}
	if u.BlockNumber != nil {
		cols["block_number"] = *u.BlockNumber
	}
	if u.GasUsed != nil {
		cols["gas_used"] = *u.GasUsed
	}
	if u.WithdrawalRequestID != nil {
		cols["withdrawal_request_id"] = *u.WithdrawalRequestID
	}
	if u.ErrorCode != "" {
		cols["error_code"] = u.ErrorCode
	}
	if u.ErrorMessage != "" {
		cols["error_message"] = u.ErrorMessage
	}
	if u.ConfirmedAt != nil {
		cols["confirmed_at"] = *u.ConfirmedAt
	}
	return cols
}

// Apply 把变更同步到内存中的记录
func (u TransactionUpdate) Apply(t *model.Transaction) {
	if u.TxHash != nil {
		hash := *u.TxHash
		t.TxHash = &hash
	}
	if u.Nonce != nil {
		n := *u.Nonce
		t.Nonce = &n
	}
	if u.GasPrice != nil {
		t.GasPrice = *u.GasPrice
	}
	if u.BlockNumber != nil {
		b := *u.BlockNumber
		t.BlockNumber = &b
	}
	if u.GasUsed != nil {
		g := *u.GasUsed
		t.GasUsed = &g
	}
	if u.WithdrawalRequestID != nil {
		id := *u.WithdrawalRequestID
		t.WithdrawalRequestID = &id
	}
	if u.ErrorCode != "" {
		t.ErrorCode = u.ErrorCode
	}
	if u.ErrorMessage != "" {
		t.ErrorMessage = u.ErrorMessage
	}
	if u.ConfirmedAt != nil {
		at := *u.ConfirmedAt
		t.ConfirmedAt = &at
	}
}

type TransactionRepository interface {
	Create(ctx context.Context, trans *model.Transaction) error
	GetByID(ctx context.Context, id int64) (*model.Transaction, error)
	GetByHash(ctx context.Context, hash string) (*model.Transaction, error)
	// RecordBroadcast 广播前写入哈希与 nonce，仅在 pending 状态下生效
	RecordBroadcast(ctx context.Context, id int64, upd TransactionUpdate) error
	// UpdateStatus 条件更新 status = from，未命中返回 ErrStatusConflict
	UpdateStatus(ctx context.Context, id int64, from, to model.TransactionStatus, upd TransactionUpdate) error
	ListByStatus(ctx context.Context, status model.TransactionStatus, updatedBefore time.Time, limit int) ([]*model.Transaction, error)
	ListByVault(ctx context.Context, vaultID int64, page, pageSize int) ([]*model.Transaction, int64, error)
	CountByVault(ctx context.Context, vaultID int64, typ model.TransactionType, status model.TransactionStatus) (int64, error)
}

type WithdrawalUpdate struct {
	TxHash      *string
	ProcessedAt *time.Time
}

func (u WithdrawalUpdate) columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if u.TxHash != nil {
		cols["tx_hash"] = *u.TxHash
	}
	if u.ProcessedAt != nil {
		cols["processed_at"] = *u.ProcessedAt
	}
	return cols
}

func (u WithdrawalUpdate) Apply(w *model.WithdrawalRequest) {
	if u.TxHash != nil {
		hash := *u.TxHash
		w.TxHash = &hash
	}
	if u.ProcessedAt != nil {
		at := *u.ProcessedAt
		w.ProcessedAt = &at
	}
}

type WithdrawalRepository interface {
	Create(ctx context.Context, req *model.WithdrawalRequest) error
	GetByID(ctx context.Context, id int64) (*model.WithdrawalRequest, error)
	GetByQueueIndex(ctx context.Context, vaultID int64, queueIndex uint64) (*model.WithdrawalRequest, error)
	UpdateStatus(ctx context.Context, id int64, from, to model.WithdrawalStatus, upd WithdrawalUpdate) error
	ListByStatus(ctx context.Context, status model.WithdrawalStatus, limit int) ([]*model.WithdrawalRequest, error)
	// ListByVault userID 为 0 时返回金库下全部请求
	ListByVault(ctx context.Context, vaultID, userID int64) ([]*model.WithdrawalRequest, error)
}

type OutboxRepository interface {
	Create(ctx context.Context, msg *model.OutboxMessage) error
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	IncrementRetryCount(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64) error
}

type SnapshotRepository interface {
	Create(ctx context.Context, snapshot *model.ProtocolSnapshot) error
	ListByProtocol(ctx context.Context, protocolID int64, limit int) ([]*model.ProtocolSnapshot, error)
}
