package service_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"vaultledger/internal/chain"
	"vaultledger/internal/chain/chaintest"
	"vaultledger/internal/config"
	"vaultledger/internal/infrastructure/lock"
	"vaultledger/internal/model"
	"vaultledger/internal/repository/memory"
	"vaultledger/internal/service"
	"vaultledger/pkg/idgen"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testChainID = 1337
	maxUint256  = "115792089237316195423570985008687907853269984665640564039457584007913129639935"
)

var protocolAddress = common.HexToAddress("0x000000000000000000000000000000000000b001")

type harness struct {
	ctx      context.Context
	store    *memory.Store
	backend  *chaintest.Backend
	reader   *chain.Reader
	coord    *service.Coordinator
	vaults   *service.VaultService
	tracker  *service.TxTracker
	user     common.Address
	other    common.Address
	manager  common.Address
	vault    *model.Vault
	protocol *model.Protocol
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Chain.UnlimitedAllowance = maxUint256
	cfg.Business.WithdrawalDelayHours = 24
	cfg.Business.StaleAfterMinutes = 30
	cfg.Kafka.Topic.LedgerEvents = "vault_ledger_events"
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	keys, err := chain.NewKeystore(nil)
	require.NoError(t, err)
	h := &harness{ctx: ctx}
	for _, addr := range []*common.Address{&h.user, &h.other, &h.manager} {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		*addr = keys.Add(key)
	}

	h.backend = chaintest.New(testChainID, h.manager, 6)
	locker := lock.NewLocalLocker()
	pipeline := chain.NewPipeline(h.backend, keys, chain.NewNonceManager(h.backend, locker, logger), chain.PipelineOptions{
		ChainID:         big.NewInt(testChainID),
		ConfirmTimeout:  300 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		DefaultGasLimit: 300000,
	}, nil, logger)
	h.reader = chain.NewReader(h.backend, 2, nil, logger)
	h.store = memory.NewStore()

	ids, err := idgen.NewSnowflake(1)
	require.NoError(t, err)
	cfg := testConfig()
	h.coord, err = service.NewCoordinator(h.store, pipeline, h.reader, locker, ids, cfg, nil, logger)
	require.NoError(t, err)
	h.vaults, err = service.NewVaultService(h.store, h.reader, h.coord, cfg, logger)
	require.NoError(t, err)
	h.tracker = service.NewTxTracker(h.store, ids, cfg.Kafka.Topic.LedgerEvents, logger)

	h.vault, err = h.vaults.CreateVault(ctx, &service.CreateVaultRequest{
		Address: chaintest.VaultAddress.Hex(),
		Name:    "USDC Vault",
	})
	require.NoError(t, err)
	h.protocol, err = h.vaults.AddProtocol(ctx, &service.AddProtocolRequest{
		VaultID:   h.vault.ID,
		Address:   protocolAddress.Hex(),
		Name:      "Aave V3",
		APY:       dec("5.25"),
		RiskLevel: 2,
	})
	require.NoError(t, err)
	return h
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// units 整数金额转换为 6 位小数的最小单位
func units(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000))
}

// fund 发币并授权金库
func (h *harness) fund(owner common.Address, v int64) {
	h.backend.Mint(owner, units(v))
	h.backend.SetAllowance(owner, chaintest.VaultAddress, units(v))
}

func (h *harness) deposit(t *testing.T, owner common.Address, amount string) *service.OperationResult {
	t.Helper()
	res, err := h.coord.Deposit(h.ctx, &service.DepositRequest{
		VaultID:       h.vault.ID,
		WalletAddress: owner.Hex(),
		Amount:        dec(amount),
	})
	require.NoError(t, err)
	require.Equal(t, model.TransactionStatusCompleted, res.Status)
	return res
}

func (h *harness) withdraw(owner common.Address, amount string, instant bool) (*service.OperationResult, error) {
	return h.coord.Withdraw(h.ctx, &service.WithdrawRequest{
		VaultID:       h.vault.ID,
		WalletAddress: owner.Hex(),
		Amount:        dec(amount),
		Instant:       instant,
	})
}

func (h *harness) reloadVault(t *testing.T) *model.Vault {
	t.Helper()
	v, err := h.store.Vaults().GetByID(h.ctx, h.vault.ID)
	require.NoError(t, err)
	return v
}

func (h *harness) reloadProtocol(t *testing.T) *model.Protocol {
	t.Helper()
	p, err := h.store.Protocols().GetByID(h.ctx, h.protocol.ID)
	require.NoError(t, err)
	return p
}

// balance 账本中的用户可用余额，用户不存在时为 0
func (h *harness) balance(t *testing.T, owner common.Address) decimal.Decimal {
	t.Helper()
	view, err := h.vaults.UserBalance(h.ctx, h.vault.ID, owner.Hex())
	require.NoError(t, err)
	return view.Ledger
}

func (h *harness) transaction(t *testing.T, id int64) *model.Transaction {
	t.Helper()
	tr, err := h.store.Transactions().GetByID(h.ctx, id)
	require.NoError(t, err)
	return tr
}

func (h *harness) transactionCount(t *testing.T) int64 {
	t.Helper()
	_, total, err := h.store.Transactions().ListByVault(h.ctx, h.vault.ID, 1, 100)
	require.NoError(t, err)
	return total
}

func (h *harness) events(t *testing.T, event string) int {
	t.Helper()
	msgs, err := h.store.Outbox().GetPendingMessages(h.ctx, 1000)
	require.NoError(t, err)
	n := 0
	for _, m := range msgs {
		if m.Event == event {
			n++
		}
	}
	return n
}

func (h *harness) requireAudit(t *testing.T) {
	t.Helper()
	report, err := h.vaults.Audit(h.ctx, h.vault.ID)
	require.NoError(t, err)
	require.True(t, report.OK(), "audit: %+v", report)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}
