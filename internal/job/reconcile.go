package job

import (
	"context"
	"time"

	"vaultledger/internal/config"
	"vaultledger/internal/service"

	"go.uber.org/zap"
)

// Reconciler 由 service.Coordinator 实现
type Reconciler interface {
	ReconcileStale(ctx context.Context, minAge time.Duration, limit int) (service.ReconcileSummary, error)
}

// ReconcileJob 定期扫描长时间停留在 pending/processing 的交易，
// 按链上回执补记账或标记失败
type ReconcileJob struct {
	ticker
	reconciler Reconciler
	minAge     time.Duration
	batchSize  int
}

func NewReconcileJob(reconciler Reconciler, cfg *config.Config, logger *zap.Logger) *ReconcileJob {
	return &ReconcileJob{
		ticker:     newTicker("reconcile", cfg.Business.ReconcileInterval(), logger),
		reconciler: reconciler,
		minAge:     cfg.Business.ReconcileMinAge(),
		batchSize:  100,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	j.run(ctx, func(ctx context.Context) { j.RunOnce(ctx) })
}

// RunOnce 执行一轮对账
func (j *ReconcileJob) RunOnce(ctx context.Context) service.ReconcileSummary {
	summary, err := j.reconciler.ReconcileStale(ctx, j.minAge, j.batchSize)
	if err != nil {
		j.logger.Error("扫描待对账交易失败", zap.Error(err))
	}

	total := 0
	for _, n := range summary {
		total += n
	}
	if total == 0 {
		return summary
	}

	j.logger.Info("本轮对账完成",
		zap.Int("settled", summary[service.ReconcileSettled]),
		zap.Int("failed", summary[service.ReconcileFailed]),
		zap.Int("pending", summary[service.ReconcilePending]),
		zap.Int("noop", summary[service.ReconcileNoop]),
	)
	return summary
}
