package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// GormStore 基于 gorm 的 MySQL 实现，db 可以是根连接也可以是事务
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Vaults() VaultRepository             { return &vaultRepo{db: s.db} }
func (s *GormStore) Protocols() ProtocolRepository       { return &protocolRepo{db: s.db} }
func (s *GormStore) Users() UserRepository               { return &userRepo{db: s.db} }
func (s *GormStore) Balances() BalanceRepository         { return &balanceRepo{db: s.db} }
func (s *GormStore) Transactions() TransactionRepository { return &transactionRepo{db: s.db} }
func (s *GormStore) Withdrawals() WithdrawalRepository   { return &withdrawalRepo{db: s.db} }
func (s *GormStore) Outbox() OutboxRepository            { return &outboxRepo{db: s.db} }
func (s *GormStore) Snapshots() SnapshotRepository       { return &snapshotRepo{db: s.db} }

// Atomic 在数据库事务中执行 fn，嵌套调用时 gorm 使用 SAVEPOINT
func (s *GormStore) Atomic(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// translate 把 gorm 错误映射为仓储层错误，需要开启 gorm.Config.TranslateError
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}
