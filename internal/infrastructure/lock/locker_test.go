package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func exerciseMutualExclusion(t *testing.T, locker Locker) {
	t.Helper()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := locker.Obtain(ctx, "vault:ledger:1")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			if err := l.Unlock(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	exerciseMutualExclusion(t, NewLocalLocker())
}

func TestLocalLocker_HonorsContext(t *testing.T) {
	locker := NewLocalLocker()
	held, err := locker.Obtain(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Obtain(ctx, "k")
	require.ErrorIs(t, err, ErrLockFailed)

	// 其他 key 不受影响
	other, err := locker.Obtain(context.Background(), "other")
	require.NoError(t, err)
	require.NoError(t, other.Unlock(context.Background()))

	require.NoError(t, held.Unlock(context.Background()))
	require.NoError(t, held.Unlock(context.Background()))
	again, err := locker.Obtain(context.Background(), "k")
	require.NoError(t, err)
	require.NoError(t, again.Unlock(context.Background()))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	_, client := newRedis(t)
	exerciseMutualExclusion(t, NewRedisLocker(client, 5*time.Second))
}

func TestDistributedLock_UnlockOnlyOwn(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)

	a := NewDistributedLock(client, "nonce:lock:0xabc", "owner-a", time.Second)
	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// a 的锁过期后被 b 获取
	mr.FastForward(2 * time.Second)
	b := NewDistributedLock(client, "nonce:lock:0xabc", "owner-b", time.Second)
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Unlock(ctx))
	got, err := mr.Get("nonce:lock:0xabc")
	require.NoError(t, err)
	require.Equal(t, "owner-b", got)

	require.NoError(t, b.Unlock(ctx))
	require.False(t, mr.Exists("nonce:lock:0xabc"))
}

func TestRedisLocker_ContextCancel(t *testing.T) {
	_, client := newRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)

	held, err := locker.Obtain(context.Background(), "withdrawal:op:1")
	require.NoError(t, err)
	defer held.Unlock(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = locker.Obtain(ctx, "withdrawal:op:1")
	require.ErrorIs(t, err, ErrLockFailed)
}

func TestKeys(t *testing.T) {
	require.Equal(t, "vault:op:3:user:9", UserOperationKey(3, 9))
	require.Equal(t, "vault:op:3:manager", ManagerOperationKey(3))
	require.Equal(t, "vault:ledger:3", VaultLedgerKey(3))
	require.Equal(t, "withdrawal:op:4", WithdrawalOperationKey(4))
	require.Equal(t, "nonce:lock:0xabc", NonceKey("0xabc"))
}
