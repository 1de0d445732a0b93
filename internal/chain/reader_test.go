package chain_test

import (
	"context"
	"testing"

	"vaultledger/internal/chain"
	"vaultledger/internal/chain/chaintest"
	"vaultledger/pkg/apperr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestReader_VaultState(t *testing.T) {
	f := newFixture(t, 300_000)
	f.fund(1000)
	ctx := context.Background()

	_, _, err := f.pipeline.Submit(ctx, chain.DepositOp(chaintest.VaultAddress, f.user, units(1000)), nil)
	require.NoError(t, err)
	protocol := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	_, _, err = f.pipeline.Submit(ctx, chain.AllocateOp(chaintest.VaultAddress, f.manager, protocol, units(400)), nil)
	require.NoError(t, err)

	asset, err := f.reader.Asset(ctx, chaintest.VaultAddress)
	require.NoError(t, err)
	require.Equal(t, chaintest.TokenAddress, asset)

	manager, err := f.reader.Manager(ctx, chaintest.VaultAddress)
	require.NoError(t, err)
	require.Equal(t, f.manager, manager)

	balance, err := f.reader.Balance(ctx, chaintest.VaultAddress, f.user)
	require.NoError(t, err)
	require.Equal(t, "1000", chain.ToMajor(balance, testDecimals).String())

	deposits, err := f.reader.TotalDeposits(ctx, chaintest.VaultAddress)
	require.NoError(t, err)
	require.Equal(t, 0, deposits.Cmp(units(1000)))

	allocated, err := f.reader.TotalAllocated(ctx, chaintest.VaultAddress)
	require.NoError(t, err)
	require.Equal(t, 0, allocated.Cmp(units(400)))

	assets, err := f.reader.TotalAssets(ctx, chaintest.VaultAddress)
	require.NoError(t, err)
	require.Equal(t, 0, assets.Cmp(units(1000)))

	yield, err := f.reader.TotalYield(ctx, chaintest.VaultAddress)
	require.NoError(t, err)
	require.Zero(t, yield.Sign())

	protocols, err := f.reader.Protocols(ctx, chaintest.VaultAddress)
	require.NoError(t, err)
	require.Equal(t, []common.Address{protocol}, protocols)

	pb, err := f.reader.ProtocolBalance(ctx, chaintest.VaultAddress, protocol)
	require.NoError(t, err)
	require.Equal(t, 0, pb.Cmp(units(400)))

	idle, err := f.reader.AssetBalance(ctx, chaintest.TokenAddress, chaintest.VaultAddress)
	require.NoError(t, err)
	require.Equal(t, 0, idle.Cmp(units(600)))

	allowance, err := f.reader.Allowance(ctx, chaintest.TokenAddress, f.user, chaintest.VaultAddress)
	require.NoError(t, err)
	require.Zero(t, allowance.Sign())

	decimals, err := f.reader.Decimals(ctx, chaintest.TokenAddress)
	require.NoError(t, err)
	require.Equal(t, uint8(testDecimals), decimals)

	block, err := f.reader.BlockNumber(ctx)
	require.NoError(t, err)
	require.NotZero(t, block)

	native, err := f.reader.NativeBalance(ctx, f.manager)
	require.NoError(t, err)
	require.NotNil(t, native)
}

func TestReader_WithdrawalQueue(t *testing.T) {
	f := newFixture(t, 300_000)
	f.fund(100)
	ctx := context.Background()

	_, _, err := f.pipeline.Submit(ctx, chain.DepositOp(chaintest.VaultAddress, f.user, units(100)), nil)
	require.NoError(t, err)
	for _, amount := range []int64{10, 20} {
		_, _, err = f.pipeline.Submit(ctx, chain.RequestWithdrawalOp(chaintest.VaultAddress, f.user, units(amount)), nil)
		require.NoError(t, err)
	}

	size, err := f.reader.QueueSize(ctx, chaintest.VaultAddress)
	require.NoError(t, err)
	require.Equal(t, uint64(2), size)

	indices, err := f.reader.UserWithdrawals(ctx, chaintest.VaultAddress, f.user)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, indices)

	entry, err := f.reader.WithdrawalRequest(ctx, chaintest.VaultAddress, 1)
	require.NoError(t, err)
	require.Equal(t, f.user, entry.Owner)
	require.Equal(t, 0, entry.Amount.Cmp(units(20)))
	require.False(t, entry.Processed)

	ready, err := f.reader.IsWithdrawalReady(ctx, chaintest.VaultAddress, 1)
	require.NoError(t, err)
	require.False(t, ready)
	f.backend.SetReady(1, true)
	ready, err = f.reader.IsWithdrawalReady(ctx, chaintest.VaultAddress, 1)
	require.NoError(t, err)
	require.True(t, ready)

	_, err = f.reader.WithdrawalRequest(ctx, chaintest.VaultAddress, 9)
	require.ErrorIs(t, err, apperr.ErrContractCall)
}

func TestReader_RetriesTransportErrors(t *testing.T) {
	f := newFixture(t, 300_000)
	f.backend.Mint(chaintest.VaultAddress, units(5))
	f.backend.FailCalls(2, chaintest.ErrTransport)

	balance, err := f.reader.AssetBalance(context.Background(), chaintest.TokenAddress, chaintest.VaultAddress)
	require.NoError(t, err)
	require.Equal(t, 0, balance.Cmp(units(5)))
}

func TestReader_FailureIsNeverZero(t *testing.T) {
	f := newFixture(t, 300_000)
	f.backend.FailCalls(10, chaintest.ErrTransport)

	balance, err := f.reader.AssetBalance(context.Background(), chaintest.TokenAddress, chaintest.VaultAddress)
	require.ErrorIs(t, err, apperr.ErrRPCUnavailable)
	require.Nil(t, balance)
}

func TestReader_ContractErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t, 300_000)
	f.backend.FailCalls(2, &chaintest.RPCError{Code: 3, Message: "execution reverted"})
	ctx := context.Background()

	_, err := f.reader.TotalDeposits(ctx, chaintest.VaultAddress)
	require.ErrorIs(t, err, apperr.ErrContractCall)

	// 第二个故障仍在，说明上一次没有重试
	_, err = f.reader.TotalDeposits(ctx, chaintest.VaultAddress)
	require.ErrorIs(t, err, apperr.ErrContractCall)

	_, err = f.reader.TotalDeposits(ctx, chaintest.VaultAddress)
	require.NoError(t, err)
}

func TestReader_MalformedResponse(t *testing.T) {
	f := newFixture(t, 300_000)
	notAContract := common.HexToAddress("0x00000000000000000000000000000000000000c3")

	_, err := f.reader.TotalDeposits(context.Background(), notAContract)
	require.ErrorIs(t, err, apperr.ErrContractCall)
}
