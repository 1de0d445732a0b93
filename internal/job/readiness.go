package job

import (
	"context"

	"vaultledger/internal/config"

	"go.uber.org/zap"
)

// ReadinessPoller 由 service.WithdrawalQueue 实现
type ReadinessPoller interface {
	PollReadiness(ctx context.Context, limit int) (int, error)
}

// WithdrawalReadinessJob 轮询链上提现队列，把到期的请求标记为 ready
type WithdrawalReadinessJob struct {
	ticker
	poller    ReadinessPoller
	batchSize int
}

func NewWithdrawalReadinessJob(poller ReadinessPoller, cfg *config.Config, logger *zap.Logger) *WithdrawalReadinessJob {
	return &WithdrawalReadinessJob{
		ticker:    newTicker("withdrawal_readiness", cfg.Business.ReadinessPoll(), logger),
		poller:    poller,
		batchSize: 200,
	}
}

func (j *WithdrawalReadinessJob) Start(ctx context.Context) {
	j.run(ctx, func(ctx context.Context) { j.RunOnce(ctx) })
}

func (j *WithdrawalReadinessJob) RunOnce(ctx context.Context) int {
	promoted, err := j.poller.PollReadiness(ctx, j.batchSize)
	if err != nil {
		j.logger.Error("轮询提现队列失败", zap.Error(err))
	}
	if promoted > 0 {
		j.logger.Info("提现请求已就绪", zap.Int("count", promoted))
	}
	return promoted
}
