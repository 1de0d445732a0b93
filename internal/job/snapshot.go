package job

import (
	"context"

	"vaultledger/internal/config"

	"go.uber.org/zap"
)

// Snapshotter 由 service.VaultService 实现
type Snapshotter interface {
	TakeProtocolSnapshots(ctx context.Context) (int, error)
}

// ProtocolSnapshotJob 定期记录各协议的链上余额，用于收益分析
type ProtocolSnapshotJob struct {
	ticker
	snapshotter Snapshotter
}

func NewProtocolSnapshotJob(snapshotter Snapshotter, cfg *config.Config, logger *zap.Logger) *ProtocolSnapshotJob {
	return &ProtocolSnapshotJob{
		ticker:      newTicker("protocol_snapshot", cfg.Business.SnapshotInterval(), logger),
		snapshotter: snapshotter,
	}
}

func (j *ProtocolSnapshotJob) Start(ctx context.Context) {
	j.run(ctx, func(ctx context.Context) { j.RunOnce(ctx) })
}

func (j *ProtocolSnapshotJob) RunOnce(ctx context.Context) int {
	n, err := j.snapshotter.TakeProtocolSnapshots(ctx)
	if err != nil {
		j.logger.Error("记录协议快照失败", zap.Int("written", n), zap.Error(err))
		return n
	}
	j.logger.Debug("协议快照已记录", zap.Int("count", n))
	return n
}
