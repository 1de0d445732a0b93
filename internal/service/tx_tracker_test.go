package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"unicode/utf8"

	"vaultledger/internal/chain"
	"vaultledger/internal/model"
	"vaultledger/internal/repository"
	"vaultledger/internal/service"
	"vaultledger/pkg/apperr"
	"vaultledger/pkg/idgen"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTracker(t *testing.T) (*ledgerFixture, *service.TxTracker) {
	f := newLedgerFixture(t)
	ids, err := idgen.NewSnowflake(2)
	require.NoError(t, err)
	return f, service.NewTxTracker(f.store, ids, "vault_ledger_events", zaptest.NewLogger(t))
}

func depositIntent(f *ledgerFixture) service.TxIntent {
	return service.TxIntent{
		VaultID: f.vault.ID,
		UserID:  &f.alice,
		Type:    model.TransactionTypeDeposit,
		Method:  model.MethodDeposit,
		Amount:  dec("10"),
		From:    "0x00000000000000000000000000000000000000a1",
		To:      f.vault.Address,
	}
}

func TestTxTracker_Lifecycle(t *testing.T) {
	f, tracker := newTracker(t)
	rec, err := tracker.Begin(f.ctx, depositIntent(f))
	require.NoError(t, err)
	require.Equal(t, model.TransactionStatusPending, rec.Status)
	require.True(t, strings.HasPrefix(rec.TransactionNo, "VTX"))

	hash := common.HexToHash("0x01")
	hook := tracker.BroadcastHook(rec)
	require.NoError(t, hook(f.ctx, &chain.Signed{Hash: hash, Nonce: 7, GasPrice: big.NewInt(3_000_000_000)}))
	require.Equal(t, hash.Hex(), rec.Hash())
	require.Equal(t, uint64(7), *rec.Nonce)

	stored, err := f.store.Transactions().GetByID(f.ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, hash.Hex(), stored.Hash())
	require.Equal(t, model.TransactionStatusPending, stored.Status)

	require.NoError(t, tracker.MarkProcessing(f.ctx, rec))
	require.Equal(t, model.TransactionStatusProcessing, rec.Status)

	receipt := &chain.Receipt{TxHash: hash, Success: true, BlockNumber: 120, GasUsed: 52000, EffectiveGasPrice: big.NewInt(2_000_000_000)}
	require.NoError(t, f.apply(func(tx repository.Store) error {
		return tracker.Complete(f.ctx, tx, rec, receipt, repository.TransactionUpdate{})
	}))

	stored, err = f.store.Transactions().GetByID(f.ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.TransactionStatusCompleted, stored.Status)
	require.Equal(t, uint64(120), *stored.BlockNumber)
	require.Equal(t, uint64(52000), *stored.GasUsed)
	require.Equal(t, "2000000000", stored.GasPrice.String())
	require.NotNil(t, stored.ConfirmedAt)

	// 只能完成一次
	err = f.apply(func(tx repository.Store) error {
		return tracker.Complete(f.ctx, tx, rec, receipt, repository.TransactionUpdate{})
	})
	require.ErrorIs(t, err, repository.ErrStatusConflict)
}

func TestTxTracker_BroadcastHookAfterFailure(t *testing.T) {
	f, tracker := newTracker(t)
	rec, err := tracker.Begin(f.ctx, depositIntent(f))
	require.NoError(t, err)
	require.NoError(t, tracker.Fail(f.ctx, rec, fmt.Errorf("%w: 超时", apperr.ErrTransactionFailed)))

	// 记录已终结时拒绝广播
	err = tracker.BroadcastHook(rec)(f.ctx, &chain.Signed{Hash: common.HexToHash("0x02")})
	require.Error(t, err)
}

func TestTxTracker_Fail(t *testing.T) {
	f, tracker := newTracker(t)
	rec, err := tracker.Begin(f.ctx, depositIntent(f))
	require.NoError(t, err)

	cause := fmt.Errorf("%w: 回滚", apperr.ErrContractCall)
	require.NoError(t, tracker.Fail(f.ctx, rec, cause))
	require.Equal(t, model.TransactionStatusFailed, rec.Status)

	stored, err := f.store.Transactions().GetByID(f.ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.TransactionStatusFailed, stored.Status)
	require.Equal(t, string(apperr.KindContractCall), stored.ErrorCode)
	require.Contains(t, stored.ErrorMessage, "回滚")

	msgs, err := f.store.Outbox().GetPendingMessages(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, model.EventTransactionFailed, msgs[0].Event)
	require.Equal(t, rec.TransactionNo, msgs[0].MessageKey)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Payload), &payload))
	require.Equal(t, string(apperr.KindContractCall), payload["error_code"])
	require.Equal(t, model.EventTransactionFailed, payload["event"])

	// 终态不能再次失败
	rec.Status = model.TransactionStatusProcessing
	require.ErrorIs(t, tracker.Fail(f.ctx, rec, cause), repository.ErrStatusConflict)
}

func TestTxTracker_FailTruncatesMessage(t *testing.T) {
	f, tracker := newTracker(t)
	rec, err := tracker.Begin(f.ctx, depositIntent(f))
	require.NoError(t, err)

	long := strings.Repeat("交易失败", 200)
	require.NoError(t, tracker.Fail(f.ctx, rec, fmt.Errorf("%w: %s", apperr.ErrContractCall, long)))

	stored, err := f.store.Transactions().GetByID(f.ctx, rec.ID)
	require.NoError(t, err)
	require.LessOrEqual(t, len(stored.ErrorMessage), 1024)
	require.True(t, strings.HasPrefix(stored.ErrorMessage, "合约调用失败"))
	require.True(t, utf8.ValidString(stored.ErrorMessage))
}

func TestTxTracker_RecordCompleted(t *testing.T) {
	f, tracker := newTracker(t)
	var rec *model.Transaction
	require.NoError(t, f.apply(func(tx repository.Store) error {
		var err error
		rec, err = tracker.RecordCompleted(context.Background(), tx, service.TxIntent{
			VaultID: f.vault.ID,
			Type:    model.TransactionTypeYield,
			Method:  model.MethodSyncYield,
			Amount:  dec("1.5"),
		}, 99)
		return err
	}))
	stored, err := f.store.Transactions().GetByID(f.ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.TransactionStatusCompleted, stored.Status)
	require.Equal(t, uint64(99), *stored.BlockNumber)
}
