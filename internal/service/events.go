package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vaultledger/internal/model"
	"vaultledger/internal/repository"
	"vaultledger/pkg/idgen"
)

// eventWriter 在账本事务内写入 outbox 消息
type eventWriter struct {
	ids   *idgen.Snowflake
	topic string
}

func newEventWriter(ids *idgen.Snowflake, topic string) *eventWriter {
	return &eventWriter{ids: ids, topic: topic}
}

// write key 为空时生成新的事件 key
func (w *eventWriter) write(ctx context.Context, tx repository.Store, event, key string, payload map[string]interface{}) error {
	if key == "" {
		key = w.ids.EventKey()
	}
	payload["event"] = event
	payload["occurred_at"] = time.Now().Format(time.RFC3339)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      w.topic,
		Event:      event,
		Payload:    string(body),
		Status:     model.OutboxStatusPending,
	}
	if err := tx.Outbox().Create(ctx, msg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}
