package job

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ticker 定时任务的公共循环，Stop 可重复调用
type ticker struct {
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

func newTicker(name string, interval time.Duration, logger *zap.Logger) ticker {
	if interval <= 0 {
		interval = time.Minute
	}
	return ticker{
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger.Named(name),
	}
}

func (t *ticker) run(ctx context.Context, tick func(ctx context.Context)) {
	t.logger.Info("定时任务启动", zap.Duration("interval", t.interval))

	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("收到停止信号，任务退出")
			return
		case <-t.stopCh:
			t.logger.Info("任务停止")
			return
		case <-tk.C:
			tick(ctx)
		}
	}
}

func (t *ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
