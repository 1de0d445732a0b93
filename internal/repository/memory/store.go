package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"vaultledger/internal/model"
	"vaultledger/internal/repository"
)

type tables struct {
	seq          int64
	vaults       map[int64]model.Vault
	protocols    map[int64]model.Protocol
	users        map[int64]model.User
	balances     map[int64]model.VaultUserBalance
	transactions map[int64]model.Transaction
	withdrawals  map[int64]model.WithdrawalRequest
	outbox       map[int64]model.OutboxMessage
	snapshots    map[int64]model.ProtocolSnapshot
}

func newTables() *tables {
	return &tables{
		vaults:       make(map[int64]model.Vault),
		protocols:    make(map[int64]model.Protocol),
		users:        make(map[int64]model.User),
		balances:     make(map[int64]model.VaultUserBalance),
		transactions: make(map[int64]model.Transaction),
		withdrawals:  make(map[int64]model.WithdrawalRequest),
		outbox:       make(map[int64]model.OutboxMessage),
		snapshots:    make(map[int64]model.ProtocolSnapshot),
	}
}

// 实体按值保存，指针字段只会被整体替换，浅拷贝即可隔离快照
func (t *tables) clone() *tables {
	return &tables{
		seq:          t.seq,
		vaults:       maps.Clone(t.vaults),
		protocols:    maps.Clone(t.protocols),
		users:        maps.Clone(t.users),
		balances:     maps.Clone(t.balances),
		transactions: maps.Clone(t.transactions),
		withdrawals:  maps.Clone(t.withdrawals),
		outbox:       maps.Clone(t.outbox),
		snapshots:    maps.Clone(t.snapshots),
	}
}

func (t *tables) nextID() int64 {
	t.seq++
	return t.seq
}

// Store 进程内实现，用于测试和单机运行
//
// 写操作串行执行；Atomic 在数据副本上运行，成功后整体替换，
// 并发读者看不到中间状态。
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	data    *tables
	inTx    bool
	clock   func() time.Time
}

func NewStore() *Store {
	return &Store{data: newTables(), clock: time.Now}
}

// SetClock 替换时间来源
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *Store) now() time.Time {
	return s.clock()
}

func (s *Store) view(fn func(t *tables) error) error {
	if s.inTx {
		return fn(s.data)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

func (s *Store) update(fn func(t *tables) error) error {
	if s.inTx {
		return fn(s.data)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

func (s *Store) Atomic(ctx context.Context, fn func(tx repository.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.inTx {
		return fn(s)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	working := s.data.clone()
	clock := s.clock
	s.mu.RUnlock()

	if err := fn(&Store{data: working, inTx: true, clock: clock}); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = working
	s.mu.Unlock()
	return nil
}

func (s *Store) Vaults() repository.VaultRepository             { return &vaultRepo{s: s} }
func (s *Store) Protocols() repository.ProtocolRepository       { return &protocolRepo{s: s} }
func (s *Store) Users() repository.UserRepository               { return &userRepo{s: s} }
func (s *Store) Balances() repository.BalanceRepository         { return &balanceRepo{s: s} }
func (s *Store) Transactions() repository.TransactionRepository { return &transactionRepo{s: s} }
func (s *Store) Withdrawals() repository.WithdrawalRepository   { return &withdrawalRepo{s: s} }
func (s *Store) Outbox() repository.OutboxRepository            { return &outboxRepo{s: s} }
func (s *Store) Snapshots() repository.SnapshotRepository       { return &snapshotRepo{s: s} }

func sortedIDs[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

var _ repository.Store = (*Store)(nil)
