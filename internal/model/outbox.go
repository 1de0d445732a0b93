package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 账本事件类型，作为消息体中的 event 字段
const (
	EventDepositCompleted    = "deposit.completed"
	EventWithdrawCompleted   = "withdraw.completed"
	EventWithdrawalQueued    = "withdrawal.queued"
	EventWithdrawalProcessed = "withdrawal.processed"
	EventWithdrawalCancelled = "withdrawal.cancelled"
	EventAllocationChanged   = "allocation.changed"
	EventYieldRecorded       = "yield.recorded"
	EventTransactionFailed   = "transaction.failed"
)

// OutboxMessage 与账本变更同一事务写入，由 OutboxSender 异步投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Event      string    `gorm:"type:varchar(40);not null" json:"event"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
