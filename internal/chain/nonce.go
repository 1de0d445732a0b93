package chain

import (
	"context"
	"sync"
	"time"

	"vaultledger/internal/infrastructure/lock"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// NonceSource 节点侧 pending nonce
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager 按签名地址串行分配 nonce
//
// 同一地址的 nonce 租约持有期间不会发出第二个租约，因此同一进程（使用 Redis 锁时为同一集群）
// 内并发提交得到的 nonce 连续且不重复。本地缓存弥补节点 pending 计数的滞后；
// 节点 pending 持续低于缓存超过 gapTimeout 时视为交易已被丢弃，回退到节点值。
type NonceManager struct {
	source     NonceSource
	locker     lock.Locker
	logger     *zap.Logger
	gapTimeout time.Duration
	now        func() time.Time

	mu       sync.Mutex
	next     map[common.Address]uint64
	gapSince map[common.Address]time.Time
}

func NewNonceManager(source NonceSource, locker lock.Locker, logger *zap.Logger) *NonceManager {
	return &NonceManager{
		source:   source,
		locker:   locker,
		logger:   logger,
		now:      time.Now,
		next:     make(map[common.Address]uint64),
		gapSince: make(map[common.Address]time.Time),
	}
}

// SetGapTimeout 为 0 时不自动回退
func (m *NonceManager) SetGapTimeout(d time.Duration) {
	m.gapTimeout = d
}

func (m *NonceManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Reset 丢弃该地址的本地缓存，下次分配以节点 pending nonce 为准
func (m *NonceManager) Reset(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.next, addr)
	delete(m.gapSince, addr)
}

// NonceLease 持有期间独占该地址的 nonce 分配
type NonceLease struct {
	Nonce uint64

	owner *NonceManager
	addr  common.Address
	lock  lock.Lock
	once  sync.Once
}

func (m *NonceManager) Acquire(ctx context.Context, addr common.Address) (*NonceLease, error) {
	l, err := m.locker.Obtain(ctx, lock.NonceKey(addr.Hex()))
	if err != nil {
		return nil, classify("nonce lock", err)
	}
	pending, err := m.source.PendingNonceAt(ctx, addr)
	if err != nil {
		_ = l.Unlock(context.Background())
		return nil, classify("eth_getTransactionCount", err)
	}

	nonce := pending
	m.mu.Lock()
	if cached, ok := m.next[addr]; ok && cached > pending {
		since, seen := m.gapSince[addr]
		switch {
		case !seen:
			m.gapSince[addr] = m.now()
			nonce = cached
		case m.gapTimeout > 0 && m.now().Sub(since) >= m.gapTimeout:
			m.logger.Warn("节点 pending nonce 长时间低于本地缓存，回退到节点值",
				zap.String("address", addr.Hex()),
				zap.Uint64("pending", pending),
				zap.Uint64("cached", cached),
			)
			delete(m.next, addr)
			delete(m.gapSince, addr)
		default:
			nonce = cached
		}
	} else {
		delete(m.gapSince, addr)
	}
	m.mu.Unlock()

	return &NonceLease{Nonce: nonce, owner: m, addr: addr, lock: l}, nil
}

// Commit 交易已被节点接受，下一个 nonce 顺延
func (l *NonceLease) Commit() {
	l.finish(func(m *NonceManager) {
		m.next[l.addr] = l.Nonce + 1
	})
}

// Invalidate 广播结果未知，丢弃本地缓存，下次以节点为准
func (l *NonceLease) Invalidate() {
	l.finish(func(m *NonceManager) {
		delete(m.next, l.addr)
		delete(m.gapSince, l.addr)
	})
}

// Release nonce 未被使用
func (l *NonceLease) Release() {
	l.finish(nil)
}

func (l *NonceLease) finish(update func(m *NonceManager)) {
	l.once.Do(func() {
		if update != nil {
			l.owner.mu.Lock()
			update(l.owner)
			l.owner.mu.Unlock()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.lock.Unlock(ctx); err != nil {
			l.owner.logger.Warn("释放 nonce 锁失败",
				zap.String("address", l.addr.Hex()),
				zap.Error(err),
			)
		}
	})
}
