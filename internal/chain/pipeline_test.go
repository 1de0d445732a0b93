package chain_test

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"

	"vaultledger/internal/chain"
	"vaultledger/internal/chain/chaintest"
	"vaultledger/pkg/apperr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestPipeline_SubmitDeposit(t *testing.T) {
	f := newFixture(t, 300_000)
	f.fund(1000)
	ctx := context.Background()

	var hooked *chain.Signed
	signed, receipt, err := f.pipeline.Submit(ctx, chain.DepositOp(chaintest.VaultAddress, f.user, units(1000)),
		func(ctx context.Context, tx *chain.Signed) error {
			hooked = tx
			return nil
		})
	require.NoError(t, err)
	require.True(t, receipt.Success)
	require.Equal(t, signed.Hash, receipt.TxHash)
	require.NotNil(t, hooked)
	require.Equal(t, signed.Hash, hooked.Hash)
	require.Equal(t, uint64(0), signed.Nonce)
	require.NotZero(t, receipt.BlockNumber)
	require.Equal(t, chaintest.VaultAddress, receipt.ContractAddress)

	ev, err := receipt.Deposited(chaintest.VaultAddress)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, f.user, ev.Owner)
	require.Equal(t, f.user, ev.Caller)
	require.Equal(t, 0, ev.Assets.Cmp(units(1000)))
	require.Equal(t, 0, f.backend.VaultBalance(f.user).Cmp(units(1000)))

	// 其他合约地址上的同名事件不被识别
	other, err := receipt.Deposited(common.HexToAddress("0xdead"))
	require.NoError(t, err)
	require.Nil(t, other)
}

func TestPipeline_ReceiptContractAddress(t *testing.T) {
	f := newFixture(t, 300_000)
	f.fund(10)
	ctx := context.Background()

	signed, _, err := f.pipeline.Submit(ctx, chain.DepositOp(chaintest.VaultAddress, f.user, units(10)), nil)
	require.NoError(t, err)

	looked, err := f.pipeline.LookupReceipt(ctx, signed.Hash)
	require.NoError(t, err)
	require.NotNil(t, looked)
	require.Equal(t, chaintest.VaultAddress, looked.ContractAddress)

	// 部署交易的回执自带新合约地址
	deployed := common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	r := chain.NewReceipt(&types.Receipt{
		Status:          types.ReceiptStatusSuccessful,
		TxHash:          common.HexToHash("0x01"),
		ContractAddress: deployed,
		BlockNumber:     big.NewInt(9),
	})
	require.Equal(t, deployed, r.ContractAddress)
	require.Equal(t, uint64(9), r.BlockNumber)
}

func TestPipeline_MissingKeyIsConfigurationError(t *testing.T) {
	f := newFixture(t, 300_000)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000beef0")

	signed, err := f.pipeline.Send(context.Background(), chain.InstantWithdrawOp(chaintest.VaultAddress, stranger, units(1)), nil)
	require.ErrorIs(t, err, apperr.ErrBlockchain)
	require.Nil(t, signed)
	require.False(t, apperr.IsRetryable(err))
	require.Equal(t, 0, f.backend.Sent())
}

func TestPipeline_GasEstimateFallback(t *testing.T) {
	f := newFixture(t, 300_000)
	f.fund(10)
	f.backend.FailEstimate(errors.New("estimate unavailable"))

	op := chain.DepositOp(chaintest.VaultAddress, f.user, units(10))
	signed, err := f.pipeline.Send(context.Background(), op, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(300_000), signed.GasLimit)

	op = chain.DepositOp(chaintest.VaultAddress, f.user, big.NewInt(0))
	op.GasLimit = 120_000
	signed, err = f.pipeline.Send(context.Background(), op, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(120_000), signed.GasLimit)
}

func TestPipeline_GasEstimateWithoutFallback(t *testing.T) {
	f := newFixture(t, 0)
	f.backend.FailEstimate(errors.New("estimate unavailable"))

	_, err := f.pipeline.Send(context.Background(), chain.InstantWithdrawOp(chaintest.VaultAddress, f.user, units(1)), nil)
	require.ErrorIs(t, err, apperr.ErrRPCUnavailable)
	require.Equal(t, 0, f.backend.Sent())

	// 估算失败没有消耗 nonce
	f.backend.FailEstimate(nil)
	signed, err := f.pipeline.Send(context.Background(), chain.InstantWithdrawOp(chaintest.VaultAddress, f.user, units(1)), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), signed.Nonce)
}

func TestPipeline_ConfirmTimeoutIsIndeterminate(t *testing.T) {
	f := newFixture(t, 300_000)
	f.fund(5)
	f.backend.HoldReceipts(true)
	ctx := context.Background()

	signed, receipt, err := f.pipeline.Submit(ctx, chain.DepositOp(chaintest.VaultAddress, f.user, units(5)), nil)
	require.ErrorIs(t, err, apperr.ErrTransactionFailed)
	require.True(t, apperr.IsIndeterminate(err))
	require.Nil(t, receipt)
	require.NotNil(t, signed)

	known, err := f.pipeline.IsKnown(ctx, signed.Hash)
	require.NoError(t, err)
	require.True(t, known)
	found, err := f.pipeline.LookupReceipt(ctx, signed.Hash)
	require.NoError(t, err)
	require.Nil(t, found)

	f.backend.ReleaseReceipts()
	found, err = f.pipeline.LookupReceipt(ctx, signed.Hash)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.True(t, found.Success)
}

func TestPipeline_CallerCancellationIsIndeterminate(t *testing.T) {
	f := newFixture(t, 300_000)
	f.fund(5)
	f.backend.HoldReceipts(true)

	ctx, cancel := context.WithCancel(context.Background())
	signed, err := f.pipeline.Send(ctx, chain.DepositOp(chaintest.VaultAddress, f.user, units(5)), nil)
	require.NoError(t, err)
	cancel()

	_, err = f.pipeline.WaitReceipt(ctx, signed.Hash)
	require.ErrorIs(t, err, apperr.ErrTransactionFailed)
}

func TestPipeline_ReceiptPollingSurvivesTransportErrors(t *testing.T) {
	f := newFixture(t, 300_000)
	f.fund(5)
	f.backend.FailReceipts(3)

	_, receipt, err := f.pipeline.Submit(context.Background(), chain.DepositOp(chaintest.VaultAddress, f.user, units(5)), nil)
	require.NoError(t, err)
	require.True(t, receipt.Success)
}

func TestPipeline_ConcurrentSendersGetGapFreeNonces(t *testing.T) {
	f := newFixture(t, 300_000)
	const n = 12

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces []uint64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := chain.ApproveOp(chaintest.TokenAddress, f.user, chaintest.VaultAddress, big.NewInt(int64(i+1)))
			signed, err := f.pipeline.Send(context.Background(), op, nil)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			nonces = append(nonces, signed.Nonce)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, nonces, n)
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for i, nonce := range nonces {
		require.Equal(t, uint64(i), nonce)
	}
	require.Equal(t, n, f.backend.Sent())
}

func TestPipeline_FeeModes(t *testing.T) {
	f := newFixture(t, 300_000)
	ctx := context.Background()

	signed, err := f.pipeline.Send(ctx, chain.ApproveOp(chaintest.TokenAddress, f.user, chaintest.VaultAddress, big.NewInt(1)), nil)
	require.NoError(t, err)
	// 2 * baseFee(1 gwei) + tip(1 gwei)
	require.Equal(t, 0, signed.GasPrice.Cmp(big.NewInt(3_000_000_000)))

	f.backend.SetBaseFee(nil)
	signed, err = f.pipeline.Send(ctx, chain.ApproveOp(chaintest.TokenAddress, f.user, chaintest.VaultAddress, big.NewInt(2)), nil)
	require.NoError(t, err)
	require.Equal(t, 0, signed.GasPrice.Cmp(big.NewInt(2_000_000_000)))

	byType := map[uint8]int{}
	for _, tx := range f.backend.Transactions() {
		byType[tx.Type()]++
	}
	require.Equal(t, 1, byType[types.DynamicFeeTxType])
	require.Equal(t, 1, byType[types.LegacyTxType])
}

func TestPipeline_BroadcastRejected(t *testing.T) {
	f := newFixture(t, 300_000)
	ctx := context.Background()
	f.backend.FailNextSend(&chaintest.RPCError{Code: -32000, Message: "insufficient funds for gas * price + value"}, false)

	signed, err := f.pipeline.Send(ctx, chain.ApproveOp(chaintest.TokenAddress, f.user, chaintest.VaultAddress, big.NewInt(1)), nil)
	require.ErrorIs(t, err, apperr.ErrContractCall)
	require.NotNil(t, signed)

	signed, err = f.pipeline.Send(ctx, chain.ApproveOp(chaintest.TokenAddress, f.user, chaintest.VaultAddress, big.NewInt(1)), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), signed.Nonce)
}

func TestPipeline_BroadcastTransportErrorAfterLanding(t *testing.T) {
	f := newFixture(t, 300_000)
	ctx := context.Background()
	f.backend.FailNextSend(chaintest.ErrTransport, true)

	first, err := f.pipeline.Send(ctx, chain.ApproveOp(chaintest.TokenAddress, f.user, chaintest.VaultAddress, big.NewInt(1)), nil)
	require.ErrorIs(t, err, apperr.ErrTransactionFailed)
	require.NotNil(t, first)

	receipt, err := f.pipeline.LookupReceipt(ctx, first.Hash)
	require.NoError(t, err)
	require.NotNil(t, receipt)

	second, err := f.pipeline.Send(ctx, chain.ApproveOp(chaintest.TokenAddress, f.user, chaintest.VaultAddress, big.NewInt(2)), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), second.Nonce)
}

func TestPipeline_HookErrorPreventsBroadcast(t *testing.T) {
	f := newFixture(t, 300_000)
	ctx := context.Background()
	hookErr := errors.New("db down")

	_, err := f.pipeline.Send(ctx, chain.ApproveOp(chaintest.TokenAddress, f.user, chaintest.VaultAddress, big.NewInt(1)),
		func(ctx context.Context, tx *chain.Signed) error { return hookErr })
	require.ErrorIs(t, err, hookErr)
	require.Equal(t, 0, f.backend.Sent())

	signed, err := f.pipeline.Send(ctx, chain.ApproveOp(chaintest.TokenAddress, f.user, chaintest.VaultAddress, big.NewInt(1)), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), signed.Nonce)
}

func TestPipeline_RevertedReceipt(t *testing.T) {
	f := newFixture(t, 300_000)

	_, receipt, err := f.pipeline.Submit(context.Background(), chain.InstantWithdrawOp(chaintest.VaultAddress, f.user, units(1)), nil)
	require.NoError(t, err)
	require.False(t, receipt.Success)
	require.Empty(t, receipt.Logs)
}

func TestPipeline_QueuedWithdrawalEvent(t *testing.T) {
	f := newFixture(t, 300_000)
	f.fund(100)
	ctx := context.Background()

	_, _, err := f.pipeline.Submit(ctx, chain.DepositOp(chaintest.VaultAddress, f.user, units(100)), nil)
	require.NoError(t, err)
	_, receipt, err := f.pipeline.Submit(ctx, chain.RequestWithdrawalOp(chaintest.VaultAddress, f.user, units(30)), nil)
	require.NoError(t, err)

	ev, err := receipt.WithdrawalQueued(chaintest.VaultAddress)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, f.user, ev.Owner)
	require.Equal(t, int64(0), ev.Index.Int64())
	require.Equal(t, 0, ev.Amount.Cmp(units(30)))

	f.backend.SetReady(0, true)
	_, receipt, err = f.pipeline.Submit(ctx, chain.ProcessWithdrawalOp(chaintest.VaultAddress, f.manager, 0), nil)
	require.NoError(t, err)
	require.True(t, receipt.Success)
	processed, err := receipt.WithdrawalProcessed(chaintest.VaultAddress)
	require.NoError(t, err)
	require.NotNil(t, processed)
	require.Equal(t, f.user, processed.Owner)
}
