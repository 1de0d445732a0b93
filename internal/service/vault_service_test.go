package service_test

import (
	"strings"
	"testing"

	"vaultledger/internal/chain/chaintest"
	"vaultledger/internal/model"
	"vaultledger/internal/repository"
	"vaultledger/internal/service"
	"vaultledger/pkg/apperr"

	"github.com/stretchr/testify/require"
)

func TestVaultService_CreateVaultReadsChain(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, chaintest.VaultAddress.Hex(), h.vault.Address)
	require.Equal(t, chaintest.TokenAddress.Hex(), h.vault.AssetAddress)
	require.Equal(t, h.manager.Hex(), h.vault.ManagerAddress)
	require.Equal(t, int32(6), h.vault.AssetDecimals)
	require.True(t, h.vault.IsActive)

	_, err := h.vaults.CreateVault(h.ctx, &service.CreateVaultRequest{Address: chaintest.VaultAddress.Hex(), Name: "dup"})
	require.ErrorIs(t, err, repository.ErrDuplicate)

	_, err = h.vaults.CreateVault(h.ctx, &service.CreateVaultRequest{Address: "vault", Name: "bad"})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestVaultService_CreateVaultChainDown(t *testing.T) {
	h := newHarness(t)
	h.backend.FailCalls(10, chaintest.ErrTransport)
	_, err := h.vaults.CreateVault(h.ctx, &service.CreateVaultRequest{
		Address: "0x000000000000000000000000000000000000c001",
		Name:    "Other",
	})
	require.ErrorIs(t, err, apperr.ErrRPCUnavailable)

	vaults, err := h.vaults.ListVaults(h.ctx, false)
	require.NoError(t, err)
	require.Len(t, vaults, 1)
}

func TestVaultService_UpdateAndDeactivate(t *testing.T) {
	h := newHarness(t)
	name, desc := "USDC Prime", "stable yield"
	v, err := h.vaults.UpdateVault(h.ctx, h.vault.ID, &service.UpdateVaultRequest{Name: &name, Description: &desc})
	require.NoError(t, err)
	require.Equal(t, name, v.Name)

	blank := " "
	_, err = h.vaults.UpdateVault(h.ctx, h.vault.ID, &service.UpdateVaultRequest{Name: &blank})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	require.NoError(t, h.vaults.DeactivateVault(h.ctx, h.vault.ID))
	require.NoError(t, h.vaults.DeactivateVault(h.ctx, h.vault.ID))
	active, err := h.vaults.ListVaults(h.ctx, true)
	require.NoError(t, err)
	require.Empty(t, active)

	stored, err := h.vaults.GetVault(h.ctx, h.vault.ID)
	require.NoError(t, err)
	require.Equal(t, name, stored.Name)
	require.False(t, stored.IsActive)
}

func TestVaultService_Protocols(t *testing.T) {
	h := newHarness(t)
	_, err := h.vaults.AddProtocol(h.ctx, &service.AddProtocolRequest{
		VaultID: h.vault.ID, Address: protocolAddress.Hex(), Name: "risky", RiskLevel: 6,
	})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = h.vaults.AddProtocol(h.ctx, &service.AddProtocolRequest{
		VaultID: h.vault.ID, Address: protocolAddress.Hex(), Name: "negative", RiskLevel: 1, APY: dec("-1"),
	})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	apy, risk := dec("7.1"), 4
	p, err := h.vaults.UpdateProtocol(h.ctx, h.protocol.ID, &service.UpdateProtocolRequest{APY: &apy, RiskLevel: &risk})
	require.NoError(t, err)
	requireAmount(t, "7.1", p.APY)
	require.Equal(t, 4, p.RiskLevel)

	h.fund(h.user, 1000)
	h.deposit(t, h.user, "1000")
	_, err = h.coord.Allocate(h.ctx, &service.AllocationRequest{ProtocolID: h.protocol.ID, Amount: dec("300")})
	require.NoError(t, err)

	// 有分配资金时不能停用
	require.ErrorIs(t, h.vaults.DeactivateProtocol(h.ctx, h.protocol.ID), apperr.ErrInvalidStateTransition)

	written, err := h.vaults.TakeProtocolSnapshots(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, written)
	snapshots, err := h.vaults.ListSnapshots(h.ctx, h.protocol.ID, 10)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	requireAmount(t, "300", snapshots[0].Balance)
	requireAmount(t, "300", snapshots[0].Allocated)

	_, err = h.coord.Deallocate(h.ctx, &service.AllocationRequest{ProtocolID: h.protocol.ID, Amount: dec("300")})
	require.NoError(t, err)
	require.NoError(t, h.vaults.DeactivateProtocol(h.ctx, h.protocol.ID))

	active, err := h.vaults.ListProtocols(h.ctx, h.vault.ID, true)
	require.NoError(t, err)
	require.Empty(t, active)

	_, err = h.coord.Allocate(h.ctx, &service.AllocationRequest{ProtocolID: h.protocol.ID, Amount: dec("1")})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestVaultService_Stats(t *testing.T) {
	h := newHarness(t)
	_, err := h.vaults.AddProtocol(h.ctx, &service.AddProtocolRequest{
		VaultID: h.vault.ID, Address: "0x000000000000000000000000000000000000b002", Name: "Morpho", APY: dec("4.75"), RiskLevel: 3,
	})
	require.NoError(t, err)

	h.fund(h.user, 100)
	h.fund(h.other, 100)
	h.deposit(t, h.user, "100")
	h.deposit(t, h.other, "100")
	_, err = h.withdraw(h.user, "40", true)
	require.NoError(t, err)
	_, err = h.withdraw(h.other, "10", false)
	require.NoError(t, err)

	stats, err := h.vaults.Stats(h.ctx, h.vault.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.UserCount)
	require.Equal(t, 2, stats.ProtocolCount)
	requireAmount(t, "5", stats.AverageAPY)
	// 即时提现与排队申请都算作已完成的提现交易
	require.Equal(t, int64(2), stats.CompletedWithdrawals)
	require.Equal(t, 1, stats.PendingWithdrawals)
}

func TestVaultService_UserBalance(t *testing.T) {
	h := newHarness(t)
	h.fund(h.user, 100)
	h.deposit(t, h.user, "100")
	_, err := h.withdraw(h.user, "25", false)
	require.NoError(t, err)

	view, err := h.vaults.UserBalance(h.ctx, h.vault.ID, h.user.Hex())
	require.NoError(t, err)
	requireAmount(t, "75", view.Ledger)
	requireAmount(t, "25", view.Earmarked)
	require.NotNil(t, view.OnChain)
	requireAmount(t, "75", *view.OnChain)

	// 链不可达时链上余额未知，不是 0
	h.backend.FailCalls(10, chaintest.ErrTransport)
	view, err = h.vaults.UserBalance(h.ctx, h.vault.ID, h.user.Hex())
	require.NoError(t, err)
	require.Nil(t, view.OnChain)
	require.Equal(t, string(apperr.KindRPCUnavailable), view.OnChainError)
	requireAmount(t, "75", view.Ledger)

	h.backend.FailCalls(0, nil)
	view, err = h.vaults.UserBalance(h.ctx, h.vault.ID, h.other.Hex())
	require.NoError(t, err)
	requireAmount(t, "0", view.Ledger)
	requireAmount(t, "0", *view.OnChain)
}

func TestVaultService_DepositStep(t *testing.T) {
	h := newHarness(t)
	step, err := h.vaults.DepositStep(h.ctx, h.vault.ID, "", dec("1"))
	require.NoError(t, err)
	require.Equal(t, service.StepConnect, step.Step)

	h.backend.SetAllowance(h.user, chaintest.VaultAddress, units(50))
	step, err = h.vaults.DepositStep(h.ctx, h.vault.ID, h.user.Hex(), dec("80"))
	require.NoError(t, err)
	require.Equal(t, service.StepApprove, step.Step)
	require.Equal(t, "50", step.Allowance)
	require.False(t, step.Unlimited)

	step, err = h.vaults.DepositStep(h.ctx, h.vault.ID, h.user.Hex(), dec("50"))
	require.NoError(t, err)
	require.Equal(t, service.StepDeposit, step.Step)
}

func TestVaultService_Estimates(t *testing.T) {
	h := newHarness(t)
	h.fund(h.user, 1000)
	h.deposit(t, h.user, "1000")

	dep, err := h.vaults.EstimateDeposit(h.ctx, h.vault.ID, dec("12.5"))
	require.NoError(t, err)
	require.Equal(t, "12500000", dep.MinorUnits)
	requireAmount(t, "1012.5", dep.TotalDepositsAfter)

	_, err = h.vaults.EstimateDeposit(h.ctx, h.vault.ID, dec("0.0000001"))
	require.ErrorIs(t, err, apperr.ErrPrecisionLoss)

	est, err := h.vaults.EstimateWithdrawal(h.ctx, h.vault.ID, dec("500"))
	require.NoError(t, err)
	require.True(t, est.InstantAvailable)
	requireAmount(t, "1000", *est.Liquidity)
	require.False(t, est.EstimatedReadyAt.IsZero())

	h.backend.DrainLiquidity(units(600))
	est, err = h.vaults.EstimateWithdrawal(h.ctx, h.vault.ID, dec("500"))
	require.NoError(t, err)
	require.False(t, est.InstantAvailable)

	h.backend.FailCalls(10, chaintest.ErrTransport)
	est, err = h.vaults.EstimateWithdrawal(h.ctx, h.vault.ID, dec("1"))
	require.NoError(t, err)
	require.False(t, est.InstantAvailable)
	require.Nil(t, est.Liquidity)
}

func TestVaultService_Listings(t *testing.T) {
	h := newHarness(t)
	h.fund(h.user, 100)
	h.fund(h.other, 100)
	h.deposit(t, h.user, "100")
	h.deposit(t, h.other, "100")
	_, err := h.withdraw(h.user, "10", false)
	require.NoError(t, err)
	_, err = h.withdraw(h.other, "20", false)
	require.NoError(t, err)

	all, err := h.vaults.ListWithdrawals(h.ctx, h.vault.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	mine, err := h.vaults.ListWithdrawals(h.ctx, h.vault.ID, h.user.Hex())
	require.NoError(t, err)
	require.Len(t, mine, 1)
	requireAmount(t, "10", mine[0].Amount)

	stranger, err := h.vaults.ListWithdrawals(h.ctx, h.vault.ID, "0x000000000000000000000000000000000000dead")
	require.NoError(t, err)
	require.Empty(t, stranger)

	records, total, err := h.vaults.ListTransactions(h.ctx, h.vault.ID, 1, 3)
	require.NoError(t, err)
	require.Equal(t, int64(4), total)
	require.Len(t, records, 3)
	require.Equal(t, model.MethodRequestWithdrawal, records[0].Method)

	got, err := h.vaults.GetTransaction(h.ctx, records[0].ID)
	require.NoError(t, err)
	require.Equal(t, records[0].TransactionNo, got.TransactionNo)

	w, err := h.vaults.GetWithdrawal(h.ctx, mine[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.WithdrawalStatusQueued, w.Status)
}

func TestVaultService_ProtocolStatsAndCompare(t *testing.T) {
	h := newHarness(t)
	morpho, err := h.vaults.AddProtocol(h.ctx, &service.AddProtocolRequest{
		VaultID: h.vault.ID, Address: "0x000000000000000000000000000000000000b002", Name: "Morpho", APY: dec("4.75"), RiskLevel: 3,
	})
	require.NoError(t, err)

	h.fund(h.user, 1000)
	h.deposit(t, h.user, "1000")
	_, err = h.coord.Allocate(h.ctx, &service.AllocationRequest{ProtocolID: h.protocol.ID, Amount: dec("250")})
	require.NoError(t, err)

	stats, err := h.vaults.ProtocolStats(h.ctx, h.protocol.ID, 30)
	require.NoError(t, err)
	require.Equal(t, h.protocol.Address, stats.ProtocolAddress)
	requireAmount(t, "250", stats.Allocated)
	requireAmount(t, "25", stats.UtilizationRate)
	requireAmount(t, "0", stats.YieldGenerated)
	require.Nil(t, stats.LastSnapshotAt)

	require.NoError(t, h.store.Snapshots().Create(h.ctx, &model.ProtocolSnapshot{
		ProtocolID: h.protocol.ID,
		VaultID:    h.vault.ID,
		Balance:    dec("262.5"),
		Allocated:  dec("250"),
		APY:        h.protocol.APY,
	}))
	stats, err = h.vaults.ProtocolStats(h.ctx, h.protocol.ID, 0)
	require.NoError(t, err)
	requireAmount(t, "12.5", stats.YieldGenerated)
	require.NotNil(t, stats.LastSnapshotAt)

	list, err := h.vaults.CompareProtocols(h.ctx, []int64{morpho.ID, h.protocol.ID, 9999, morpho.ID})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, morpho.ID, list[0].ProtocolID)
	requireAmount(t, "0", list[0].UtilizationRate)
	require.Equal(t, h.protocol.ID, list[1].ProtocolID)

	_, err = h.vaults.CompareProtocols(h.ctx, []int64{9999})
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, err = h.vaults.CompareProtocols(h.ctx, nil)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = h.vaults.ProtocolStats(h.ctx, 9999, 30)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestVaultService_VaultByAddressAndUsers(t *testing.T) {
	h := newHarness(t)

	got, err := h.vaults.GetVaultByAddress(h.ctx, strings.ToLower(chaintest.VaultAddress.Hex()))
	require.NoError(t, err)
	require.Equal(t, h.vault.ID, got.ID)
	_, err = h.vaults.GetVaultByAddress(h.ctx, "vault")
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = h.vaults.GetVaultByAddress(h.ctx, "0x00000000000000000000000000000000000000ff")
	require.ErrorIs(t, err, repository.ErrNotFound)

	users, err := h.vaults.ListVaultUsers(h.ctx, h.vault.ID, 0, 100)
	require.NoError(t, err)
	require.Empty(t, users)

	h.fund(h.user, 100)
	h.deposit(t, h.user, "100")
	h.fund(h.other, 40)
	h.deposit(t, h.other, "40")

	users, err = h.vaults.ListVaultUsers(h.ctx, h.vault.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, h.user.Hex(), users[0].WalletAddress)
	requireAmount(t, "100", users[0].Balance)
	require.Equal(t, h.other.Hex(), users[1].WalletAddress)
	requireAmount(t, "40", users[1].Balance)

	page, err := h.vaults.ListVaultUsers(h.ctx, h.vault.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, h.other.Hex(), page[0].WalletAddress)

	page, err = h.vaults.ListVaultUsers(h.ctx, h.vault.ID, 5, 10)
	require.NoError(t, err)
	require.Empty(t, page)

	_, err = h.vaults.ListVaultUsers(h.ctx, 9999, 0, 10)
	require.ErrorIs(t, err, repository.ErrNotFound)
}
