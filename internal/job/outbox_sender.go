package job

import (
	"context"
	"time"

	"vaultledger/internal/config"
	"vaultledger/internal/infrastructure/mq"
	"vaultledger/internal/model"
	"vaultledger/internal/repository"
	"vaultledger/pkg/metrics"

	"go.uber.org/zap"
)

// OutboxSender 把 outbox 表中 PENDING 的事件投递到消息队列
// 投递至少一次，消费方按 MessageKey 去重
type OutboxSender struct {
	ticker
	outbox     repository.OutboxRepository
	publisher  mq.Publisher
	maxRetries int
	batchSize  int
	metrics    *metrics.Collector
}

func NewOutboxSender(store repository.Store, publisher mq.Publisher, cfg *config.Config, m *metrics.Collector, logger *zap.Logger) *OutboxSender {
	return &OutboxSender{
		ticker:     newTicker("outbox_sender", 100*time.Millisecond, logger),
		outbox:     store.Outbox(),
		publisher:  publisher,
		maxRetries: cfg.Business.MaxRetryCount,
		batchSize:  100,
		metrics:    m,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.run(ctx, func(ctx context.Context) { s.RunOnce(ctx) })
}

// RunOnce 处理一批待发送消息，返回发送成功的条数
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	messages, err := s.outbox.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		s.metrics.OutboxDelivery("sent")
		if updateErr := s.outbox.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			s.logger.Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
		} else {
			s.logger.Debug("消息发送成功",
				zap.Int64("id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.String("key", msg.MessageKey),
				zap.String("event", msg.Event),
			)
		}
		return true
	}

	s.metrics.OutboxDelivery("retry")
	s.logger.Warn("消息发送失败", zap.Int64("id", msg.ID), zap.Int("retry_count", msg.RetryCount), zap.Error(err))

	if err := s.outbox.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.logger.Error("增加重试次数失败", zap.Int64("id", msg.ID), zap.Error(err))
	}

	if msg.RetryCount+1 >= s.maxRetries {
		s.metrics.OutboxDelivery("failed")
		if err := s.outbox.MarkAsFailed(ctx, msg.ID); err != nil {
			s.logger.Error("标记消息失败状态失败", zap.Int64("id", msg.ID), zap.Error(err))
		} else {
			s.logger.Error("消息超过最大重试次数，标记为失败", zap.Int64("id", msg.ID), zap.String("event", msg.Event))
		}
	}
	return false
}
