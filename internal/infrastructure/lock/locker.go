package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Lock 已持有的锁
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker 按 key 互斥，Obtain 阻塞直到获得锁或 ctx 结束
type Locker interface {
	Obtain(ctx context.Context, key string) (Lock, error)
}

// 锁的 key 约定
func NonceKey(address string) string {
	return fmt.Sprintf("nonce:lock:%s", address)
}

func VaultLedgerKey(vaultID int64) string {
	return fmt.Sprintf("vault:ledger:%d", vaultID)
}

func UserOperationKey(vaultID, userID int64) string {
	return fmt.Sprintf("vault:op:%d:user:%d", vaultID, userID)
}

func ManagerOperationKey(vaultID int64) string {
	return fmt.Sprintf("vault:op:%d:manager", vaultID)
}

func WithdrawalOperationKey(withdrawalID int64) string {
	return fmt.Sprintf("withdrawal:op:%d", withdrawalID)
}

// ============================================================================
// RedisLocker 多进程部署使用
// ============================================================================

type RedisLocker struct {
	client        redis.UniversalClient
	ttl           time.Duration
	retryInterval time.Duration
}

// NewRedisLocker ttl 需要覆盖最长的持锁时间（含链上确认等待）
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: 50 * time.Millisecond,
	}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string) (Lock, error) {
	dl := NewDistributedLock(l.client, key, uuid.NewString(), l.ttl)
	for {
		ok, err := dl.TryLock(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLockFailed, key, err)
		}
		if ok {
			return dl, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockFailed, key, ctx.Err())
		case <-time.After(l.retryInterval):
		}
	}
}

// ============================================================================
// LocalLocker 单进程部署与测试使用
// ============================================================================

type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string) (Lock, error) {
	s := l.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
		return &localLock{owner: l, key: key, slot: s}, nil
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockFailed, key, ctx.Err())
	}
}

type localLock struct {
	once  sync.Once
	owner *LocalLocker
	key   string
	slot  *slot
}

func (l *localLock) Unlock(ctx context.Context) error {
	l.once.Do(func() {
		<-l.slot.ch
		l.owner.releaseSlot(l.key, l.slot)
	})
	return nil
}
