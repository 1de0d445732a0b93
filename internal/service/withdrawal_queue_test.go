package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"vaultledger/internal/infrastructure/lock"
	"vaultledger/internal/model"
	"vaultledger/internal/repository"
	"vaultledger/internal/service"
	"vaultledger/pkg/apperr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubReadiness struct {
	ready map[uint64]bool
	err   error
}

func (s *stubReadiness) IsWithdrawalReady(ctx context.Context, vault common.Address, index uint64) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.ready[index], nil
}

func newQueueFixture(t *testing.T) (*ledgerFixture, *stubReadiness, *service.WithdrawalQueue) {
	return newQueueFixtureWithLocker(t, lock.NewLocalLocker())
}

func newQueueFixtureWithLocker(t *testing.T, locker lock.Locker) (*ledgerFixture, *stubReadiness, *service.WithdrawalQueue) {
	f := newLedgerFixture(t)
	reader := &stubReadiness{ready: map[uint64]bool{}}
	return f, reader, service.NewWithdrawalQueue(f.store, reader, locker, 24*time.Hour, zaptest.NewLogger(t))
}

func enqueue(t *testing.T, f *ledgerFixture, q *service.WithdrawalQueue, index uint64) *model.WithdrawalRequest {
	t.Helper()
	var req *model.WithdrawalRequest
	require.NoError(t, f.apply(func(tx repository.Store) error {
		var err error
		req, err = q.Enqueue(f.ctx, tx, f.vault.ID, f.alice, index, dec("10"), time.Now())
		return err
	}))
	return req
}

func TestWithdrawalQueue_Readiness(t *testing.T) {
	f, reader, q := newQueueFixture(t)
	req := enqueue(t, f, q, 3)
	require.Equal(t, model.WithdrawalStatusQueued, req.Status)
	require.ErrorIs(t, q.EnsureProcessable(req), apperr.ErrInvalidStateTransition)
	require.NoError(t, q.EnsureCancellable(req))

	got, err := q.RefreshReadiness(f.ctx, req)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalStatusQueued, got.Status)

	reader.ready[3] = true
	got, err = q.RefreshReadiness(f.ctx, req)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalStatusReady, got.Status)
	require.NoError(t, q.EnsureProcessable(got))
	require.ErrorIs(t, q.EnsureCancellable(got), apperr.ErrInvalidStateTransition)

	// 对已就绪请求重复刷新不报错
	again, err := q.RefreshReadiness(f.ctx, req)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalStatusReady, again.Status)
}

func TestWithdrawalQueue_ReadFailureKeepsState(t *testing.T) {
	f, reader, q := newQueueFixture(t)
	req := enqueue(t, f, q, 0)
	reader.err = fmt.Errorf("%w: 连接被拒绝", apperr.ErrRPCUnavailable)

	_, err := q.RefreshReadiness(f.ctx, req)
	require.ErrorIs(t, err, apperr.ErrRPCUnavailable)

	stored, err := f.store.Withdrawals().GetByID(f.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalStatusQueued, stored.Status)

	promoted, err := q.PollReadiness(f.ctx, 10)
	require.NoError(t, err)
	require.Zero(t, promoted)
}

func TestWithdrawalQueue_PollReadiness(t *testing.T) {
	f, reader, q := newQueueFixture(t)
	for i := uint64(0); i < 3; i++ {
		enqueue(t, f, q, i)
	}
	reader.ready[0] = true
	reader.ready[2] = true

	promoted, err := q.PollReadiness(f.ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, promoted)

	queued, err := f.store.Withdrawals().ListByStatus(f.ctx, model.WithdrawalStatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, uint64(1), queued[0].QueueIndex)
}

func TestWithdrawalQueue_Transitions(t *testing.T) {
	f, reader, q := newQueueFixture(t)
	req := enqueue(t, f, q, 0)

	// queued 不能直接处理
	err := f.apply(func(tx repository.Store) error {
		return q.MarkProcessed(f.ctx, tx, req, "0xabc")
	})
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	reader.ready[0] = true
	ready, err := q.RefreshReadiness(f.ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.apply(func(tx repository.Store) error {
		return q.MarkProcessed(f.ctx, tx, ready, "0xabc")
	}))
	require.Equal(t, model.WithdrawalStatusProcessed, ready.Status)
	require.NotNil(t, ready.ProcessedAt)

	err = f.apply(func(tx repository.Store) error {
		return q.MarkCancelled(f.ctx, tx, ready, "0xdef")
	})
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	other := enqueue(t, f, q, 1)
	require.NoError(t, f.apply(func(tx repository.Store) error {
		return q.MarkCancelled(f.ctx, tx, other, "0xdef")
	}))
	stored, err := f.store.Withdrawals().GetByID(f.ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalStatusCancelled, stored.Status)
	require.Equal(t, "0xdef", *stored.TxHash)
}

func TestWithdrawalQueue_CancelConfirmedAfterReady(t *testing.T) {
	f, reader, q := newQueueFixture(t)
	req := enqueue(t, f, q, 4)
	reader.ready[4] = true
	ready, err := q.RefreshReadiness(f.ctx, req)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalStatusReady, ready.Status)

	require.NoError(t, f.apply(func(tx repository.Store) error {
		return q.MarkCancelled(f.ctx, tx, ready, "0xfeed")
	}))
	stored, err := f.store.Withdrawals().GetByID(f.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalStatusCancelled, stored.Status)
}

func TestWithdrawalQueue_PollSkipsBusyRequest(t *testing.T) {
	locker := lock.NewLocalLocker()
	f, reader, q := newQueueFixtureWithLocker(t, locker)
	busy := enqueue(t, f, q, 0)
	idle := enqueue(t, f, q, 1)
	reader.ready[0] = true
	reader.ready[1] = true

	held, err := locker.Obtain(f.ctx, lock.WithdrawalOperationKey(busy.ID))
	require.NoError(t, err)

	promoted, err := q.PollReadiness(f.ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	stored, err := f.store.Withdrawals().GetByID(f.ctx, busy.ID)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalStatusQueued, stored.Status)
	stored, err = f.store.Withdrawals().GetByID(f.ctx, idle.ID)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalStatusReady, stored.Status)

	require.NoError(t, held.Unlock(f.ctx))
	promoted, err = q.PollReadiness(f.ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)
}

func TestWithdrawalQueue_DuplicateIndex(t *testing.T) {
	f, _, q := newQueueFixture(t)
	enqueue(t, f, q, 7)
	err := f.apply(func(tx repository.Store) error {
		_, err := q.Enqueue(f.ctx, tx, f.vault.ID, f.bob, 7, dec("1"), time.Now())
		return err
	})
	require.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestWithdrawalQueue_EstimatedReadyAt(t *testing.T) {
	_, _, q := newQueueFixture(t)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, at.Add(24*time.Hour), q.EstimatedReadyAt(&model.WithdrawalRequest{RequestedAt: at}))
}
