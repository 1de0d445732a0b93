package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vaultledger/internal/infrastructure/lock"
	"vaultledger/internal/model"
	"vaultledger/internal/repository"
	"vaultledger/pkg/apperr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReadinessReader 查询链上队列项是否可处理
type ReadinessReader interface {
	IsWithdrawalReady(ctx context.Context, vault common.Address, index uint64) (bool, error)
}

// WithdrawalQueue WithdrawalRequest 状态机
//
//	queued → ready → processed
//	queued → cancelled
//	ready → cancelled（仅入账链上已确认的取消）
//
// queued → ready 只由链上 isWithdrawalReady 驱动，delay 仅用于给调用方估算时间。
type WithdrawalQueue struct {
	store    repository.Store
	reader   ReadinessReader
	locker   lock.Locker
	lockWait time.Duration
	delay    time.Duration
	logger   *zap.Logger
}

func NewWithdrawalQueue(store repository.Store, reader ReadinessReader, locker lock.Locker, delay time.Duration, logger *zap.Logger) *WithdrawalQueue {
	return &WithdrawalQueue{
		store:    store,
		reader:   reader,
		locker:   locker,
		lockWait: 200 * time.Millisecond,
		delay:    delay,
		logger:   logger,
	}
}

// Enqueue queueIndex 必须来自链上
func (q *WithdrawalQueue) Enqueue(ctx context.Context, tx repository.Store, vaultID, userID int64, queueIndex uint64, amount decimal.Decimal, requestedAt time.Time) (*model.WithdrawalRequest, error) {
	req := &model.WithdrawalRequest{
		VaultID:     vaultID,
		UserID:      userID,
		QueueIndex:  queueIndex,
		Amount:      amount,
		Status:      model.WithdrawalStatusQueued,
		RequestedAt: requestedAt,
	}
	if err := tx.Withdrawals().Create(ctx, req); err != nil {
		return nil, fmt.Errorf("创建提现请求失败: %w", err)
	}
	return req, nil
}

func (q *WithdrawalQueue) EnsureProcessable(req *model.WithdrawalRequest) error {
	if req.Status != model.WithdrawalStatusReady {
		return fmt.Errorf("%w: 提现请求 %d 当前状态为 %s，只有 ready 状态可以处理",
			apperr.ErrInvalidStateTransition, req.ID, req.Status)
	}
	return nil
}

func (q *WithdrawalQueue) EnsureCancellable(req *model.WithdrawalRequest) error {
	if req.Status != model.WithdrawalStatusQueued {
		return fmt.Errorf("%w: 提现请求 %d 当前状态为 %s，只有 queued 状态可以取消",
			apperr.ErrInvalidStateTransition, req.ID, req.Status)
	}
	return nil
}

func (q *WithdrawalQueue) MarkProcessed(ctx context.Context, tx repository.Store, req *model.WithdrawalRequest, txHash string) error {
	now := time.Now()
	return q.transition(ctx, tx, req, model.WithdrawalStatusReady, model.WithdrawalStatusProcessed,
		repository.WithdrawalUpdate{TxHash: &txHash, ProcessedAt: &now})
}

// MarkCancelled 入账链上已确认的取消
//
// 广播后轮询任务可能已把请求推进为 ready，链上结果为准，ready 同样接受。
func (q *WithdrawalQueue) MarkCancelled(ctx context.Context, tx repository.Store, req *model.WithdrawalRequest, txHash string) error {
	from := model.WithdrawalStatusQueued
	if req.Status == model.WithdrawalStatusReady {
		from = model.WithdrawalStatusReady
	}
	return q.transition(ctx, tx, req, from, model.WithdrawalStatusCancelled,
		repository.WithdrawalUpdate{TxHash: &txHash})
}

func (q *WithdrawalQueue) transition(ctx context.Context, tx repository.Store, req *model.WithdrawalRequest, from, to model.WithdrawalStatus, upd repository.WithdrawalUpdate) error {
	if req.Status != from {
		return fmt.Errorf("%w: 提现请求 %d 状态 %s 不能变为 %s", apperr.ErrInvalidStateTransition, req.ID, req.Status, to)
	}
	if err := tx.Withdrawals().UpdateStatus(ctx, req.ID, from, to, upd); err != nil {
		return err
	}
	req.Status = to
	upd.Apply(req)
	return nil
}

// RefreshReadiness 链上报告可处理时把 queued 推进为 ready
//
// 调用方需持有该请求的提现操作锁。链上读取失败时返回错误且不修改状态。
func (q *WithdrawalQueue) RefreshReadiness(ctx context.Context, req *model.WithdrawalRequest) (*model.WithdrawalRequest, error) {
	if req.Status != model.WithdrawalStatusQueued {
		return req, nil
	}
	vault, err := q.store.Vaults().GetByID(ctx, req.VaultID)
	if err != nil {
		return nil, err
	}
	ready, err := q.reader.IsWithdrawalReady(ctx, common.HexToAddress(vault.Address), req.QueueIndex)
	if err != nil {
		return nil, err
	}
	if !ready {
		return req, nil
	}

	err = q.store.Withdrawals().UpdateStatus(ctx, req.ID,
		model.WithdrawalStatusQueued, model.WithdrawalStatusReady, repository.WithdrawalUpdate{})
	if err != nil && !errors.Is(err, repository.ErrStatusConflict) {
		return nil, err
	}
	// 并发刷新或取消时以数据库为准
	fresh, err := q.store.Withdrawals().GetByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if fresh.Status == model.WithdrawalStatusReady {
		q.logger.Info("提现请求已就绪",
			zap.Int64("withdrawal_id", fresh.ID),
			zap.Int64("vault_id", fresh.VaultID),
			zap.Uint64("queue_index", fresh.QueueIndex),
		)
	}
	return fresh, nil
}

// PollReadiness 轮询所有 queued 请求，返回本轮变为 ready 的数量
func (q *WithdrawalQueue) PollReadiness(ctx context.Context, limit int) (int, error) {
	queued, err := q.store.Withdrawals().ListByStatus(ctx, model.WithdrawalStatusQueued, limit)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, req := range queued {
		if ctx.Err() != nil {
			return promoted, ctx.Err()
		}
		fresh, err := q.refreshLocked(ctx, req)
		if err != nil {
			q.logger.Warn("查询提现就绪状态失败",
				zap.Int64("withdrawal_id", req.ID),
				zap.Uint64("queue_index", req.QueueIndex),
				zap.Error(err),
			)
			continue
		}
		if fresh.Status == model.WithdrawalStatusReady {
			promoted++
		}
	}
	return promoted, nil
}

// refreshLocked 取消或处理正在进行时跳过，留给下一轮
func (q *WithdrawalQueue) refreshLocked(ctx context.Context, req *model.WithdrawalRequest) (*model.WithdrawalRequest, error) {
	key := lock.WithdrawalOperationKey(req.ID)
	waitCtx, cancel := context.WithTimeout(ctx, q.lockWait)
	l, err := q.locker.Obtain(waitCtx, key)
	cancel()
	if err != nil {
		q.logger.Debug("提现请求操作进行中，跳过本轮", zap.Int64("withdrawal_id", req.ID))
		return req, nil
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			q.logger.Warn("释放锁失败", zap.String("key", key), zap.Error(err))
		}
	}()

	// 持锁后重新读取，期间可能已被取消
	fresh, err := q.store.Withdrawals().GetByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return q.RefreshReadiness(ctx, fresh)
}

// EstimatedReadyAt 按常规延迟估算，仅供展示
func (q *WithdrawalQueue) EstimatedReadyAt(req *model.WithdrawalRequest) time.Time {
	return req.RequestedAt.Add(q.delay)
}
