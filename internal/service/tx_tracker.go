package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"vaultledger/internal/chain"
	"vaultledger/internal/model"
	"vaultledger/internal/repository"
	"vaultledger/pkg/apperr"
	"vaultledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TxIntent 创建交易记录所需的业务字段
type TxIntent struct {
	VaultID             int64
	UserID              *int64
	ProtocolID          *int64
	WithdrawalRequestID *int64
	Type                model.TransactionType
	Method              string
	Amount              decimal.Decimal
	From                string
	To                  string
}

// TxTracker 维护 Transaction 记录的生命周期
//
// pending 创建 → 广播前写入哈希 → processing → completed / failed。
// completed 只能在账本事务内通过 Complete 写入。
type TxTracker struct {
	store  repository.Store
	ids    *idgen.Snowflake
	events *eventWriter
	logger *zap.Logger
}

func NewTxTracker(store repository.Store, ids *idgen.Snowflake, topic string, logger *zap.Logger) *TxTracker {
	return &TxTracker{store: store, ids: ids, events: newEventWriter(ids, topic), logger: logger}
}

func (t *TxTracker) newRecord(intent TxIntent, status model.TransactionStatus) *model.Transaction {
	return &model.Transaction{
		TransactionNo:       t.ids.TransactionNo(),
		VaultID:             intent.VaultID,
		UserID:              intent.UserID,
		ProtocolID:          intent.ProtocolID,
		WithdrawalRequestID: intent.WithdrawalRequestID,
		Type:                intent.Type,
		Method:              intent.Method,
		Status:              status,
		Amount:              intent.Amount,
		FromAddress:         intent.From,
		ToAddress:           intent.To,
		GasPrice:            decimal.Zero,
	}
}

// Begin 提交前创建 pending 记录
func (t *TxTracker) Begin(ctx context.Context, intent TxIntent) (*model.Transaction, error) {
	rec := t.newRecord(intent, model.TransactionStatusPending)
	if err := t.store.Transactions().Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("创建交易记录失败: %w", err)
	}
	return rec, nil
}

// RecordCompleted 无需链上交易的账本变更（收益同步），在调用方事务内直接写入终态
func (t *TxTracker) RecordCompleted(ctx context.Context, tx repository.Store, intent TxIntent, blockNumber uint64) (*model.Transaction, error) {
	rec := t.newRecord(intent, model.TransactionStatusCompleted)
	now := time.Now()
	rec.BlockNumber = &blockNumber
	rec.ConfirmedAt = &now
	if err := tx.Transactions().Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("创建交易记录失败: %w", err)
	}
	return rec, nil
}

// BroadcastHook 广播前持久化哈希和 nonce，写入失败则放弃广播
func (t *TxTracker) BroadcastHook(rec *model.Transaction) chain.BroadcastHook {
	return func(ctx context.Context, signed *chain.Signed) error {
		hash := signed.Hash.Hex()
		nonce := signed.Nonce
		upd := repository.TransactionUpdate{TxHash: &hash, Nonce: &nonce}
		if signed.GasPrice != nil {
			price := decimal.NewFromBigInt(signed.GasPrice, 0)
			upd.GasPrice = &price
		}
		if err := t.store.Transactions().RecordBroadcast(ctx, rec.ID, upd); err != nil {
			return fmt.Errorf("记录交易哈希失败: %w", err)
		}
		upd.Apply(rec)
		return nil
	}
}

func (t *TxTracker) MarkProcessing(ctx context.Context, rec *model.Transaction) error {
	err := t.store.Transactions().UpdateStatus(ctx, rec.ID,
		model.TransactionStatusPending, model.TransactionStatusProcessing, repository.TransactionUpdate{})
	if err != nil {
		t.logger.Error("交易状态更新为 processing 失败",
			zap.Int64("tx_id", rec.ID),
			zap.String("tx_hash", rec.Hash()),
			zap.Error(err),
		)
		return err
	}
	rec.Status = model.TransactionStatusProcessing
	return nil
}

// Fail 标记失败并发出 transaction.failed 事件
func (t *TxTracker) Fail(ctx context.Context, rec *model.Transaction, cause error) error {
	upd := repository.TransactionUpdate{
		ErrorCode:    string(apperr.KindOf(cause)),
		ErrorMessage: truncate(cause.Error(), 1024),
	}
	from := rec.Status
	err := t.store.Atomic(ctx, func(tx repository.Store) error {
		if err := tx.Transactions().UpdateStatus(ctx, rec.ID, from, model.TransactionStatusFailed, upd); err != nil {
			return err
		}
		return t.events.write(ctx, tx, model.EventTransactionFailed, rec.TransactionNo, map[string]interface{}{
			"transaction_no": rec.TransactionNo,
			"vault_id":       rec.VaultID,
			"method":         rec.Method,
			"tx_hash":        rec.Hash(),
			"error_code":     upd.ErrorCode,
			"error_message":  upd.ErrorMessage,
		})
	})
	if err != nil {
		if !errors.Is(err, repository.ErrStatusConflict) {
			t.logger.Error("标记交易失败时出错",
				zap.Int64("tx_id", rec.ID),
				zap.NamedError("cause", cause),
				zap.Error(err),
			)
		}
		return err
	}

	rec.Status = model.TransactionStatusFailed
	upd.Apply(rec)
	t.logger.Warn("交易失败",
		zap.Int64("tx_id", rec.ID),
		zap.String("method", rec.Method),
		zap.String("tx_hash", rec.Hash()),
		zap.String("error_code", upd.ErrorCode),
		zap.Error(cause),
	)
	return nil
}

// Complete 在账本事务内把 processing 记录置为 completed
func (t *TxTracker) Complete(ctx context.Context, tx repository.Store, rec *model.Transaction, receipt *chain.Receipt, upd repository.TransactionUpdate) error {
	block := receipt.BlockNumber
	gasUsed := receipt.GasUsed
	now := time.Now()
	upd.BlockNumber = &block
	upd.GasUsed = &gasUsed
	upd.ConfirmedAt = &now
	if receipt.EffectiveGasPrice != nil {
		price := decimal.NewFromBigInt(receipt.EffectiveGasPrice, 0)
		upd.GasPrice = &price
	}
	if rec.TxHash == nil {
		hash := receipt.TxHash.Hex()
		upd.TxHash = &hash
	}
	return tx.Transactions().UpdateStatus(ctx, rec.ID,
		model.TransactionStatusProcessing, model.TransactionStatusCompleted, upd)
}

// truncate 按字节截断，不拆开多字节字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
