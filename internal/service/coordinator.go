package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"vaultledger/internal/chain"
	"vaultledger/internal/config"
	"vaultledger/internal/infrastructure/lock"
	"vaultledger/internal/model"
	"vaultledger/internal/repository"
	"vaultledger/pkg/apperr"
	"vaultledger/pkg/idgen"
	"vaultledger/pkg/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ChainWriter 交易管道
type ChainWriter interface {
	Send(ctx context.Context, op chain.Operation, hook chain.BroadcastHook) (*chain.Signed, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
	LookupReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
	ConfirmedNonce(ctx context.Context, addr common.Address) (uint64, error)
	IsKnown(ctx context.Context, hash common.Hash) (bool, error)
	ResetNonce(addr common.Address)
}

// VaultReader 链上只读查询
type VaultReader interface {
	ReadinessReader
	Asset(ctx context.Context, vault common.Address) (common.Address, error)
	Manager(ctx context.Context, vault common.Address) (common.Address, error)
	Decimals(ctx context.Context, token common.Address) (uint8, error)
	Balance(ctx context.Context, vault, user common.Address) (*big.Int, error)
	AssetBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	UserWithdrawals(ctx context.Context, vault, user common.Address) ([]uint64, error)
	TotalYield(ctx context.Context, vault common.Address) (*big.Int, error)
	ProtocolBalance(ctx context.Context, vault, protocol common.Address) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var (
	_ ChainWriter = (*chain.Pipeline)(nil)
	_ VaultReader = (*chain.Reader)(nil)
)

// Coordinator 编排一次完整的链上业务操作
//
// 顺序固定：校验本地镜像 → 创建交易记录并提交 → 回执成功后在金库账本锁内
// 一个事务完成账本变更、队列状态、交易终态与 outbox。确认超时的交易保持 processing，
// 由 Reconcile 之后按链上结果入账，入账只会发生一次。
type Coordinator struct {
	store     repository.Store
	writer    ChainWriter
	reader    VaultReader
	locker    lock.Locker
	ledger    *LedgerAccountant
	queue     *WithdrawalQueue
	tracker   *TxTracker
	events    *eventWriter
	threshold *big.Int

	staleAfter time.Duration
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time
}

func NewCoordinator(
	store repository.Store,
	writer ChainWriter,
	reader VaultReader,
	locker lock.Locker,
	ids *idgen.Snowflake,
	cfg *config.Config,
	m *metrics.Collector,
	logger *zap.Logger,
) (*Coordinator, error) {
	threshold, err := cfg.Chain.AllowanceThreshold()
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		store:      store,
		writer:     writer,
		reader:     reader,
		locker:     locker,
		ledger:     NewLedgerAccountant(m, logger.Named("ledger")),
		queue:      NewWithdrawalQueue(store, reader, locker, cfg.Business.WithdrawalDelay(), logger.Named("withdrawal_queue")),
		tracker:    NewTxTracker(store, ids, cfg.Kafka.Topic.LedgerEvents, logger.Named("tx_tracker")),
		events:     newEventWriter(ids, cfg.Kafka.Topic.LedgerEvents),
		threshold:  threshold,
		staleAfter: cfg.Business.StaleAfter(),
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (c *Coordinator) Ledger() *LedgerAccountant { return c.ledger }
func (c *Coordinator) Queue() *WithdrawalQueue   { return c.queue }

// SetClock 测试用
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// ============================================================================
// 请求与结果
// ============================================================================

type DepositRequest struct {
	VaultID       int64           `json:"vault_id" binding:"required"`
	WalletAddress string          `json:"wallet_address" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
}

type WithdrawRequest struct {
	VaultID       int64           `json:"vault_id" binding:"required"`
	WalletAddress string          `json:"wallet_address" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Instant       bool            `json:"instant"`
}

type CancelWithdrawalRequest struct {
	WithdrawalID  int64  `json:"withdrawal_id" binding:"required"`
	WalletAddress string `json:"wallet_address" binding:"required"`
}

type AllocationRequest struct {
	ProtocolID int64           `json:"protocol_id" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

// ApproveRequest Amount 为空表示按配置的无限授权额度授权
type ApproveRequest struct {
	VaultID       int64            `json:"vault_id" binding:"required"`
	WalletAddress string           `json:"wallet_address" binding:"required"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
}

type OperationResult struct {
	TransactionID int64                    `json:"transaction_id"`
	TransactionNo string                   `json:"transaction_no"`
	Method        string                   `json:"method"`
	Status        model.TransactionStatus  `json:"status"`
	Amount        decimal.Decimal          `json:"amount"`
	TxHash        string                   `json:"tx_hash,omitempty"`
	BlockNumber   uint64                   `json:"block_number,omitempty"`
	Withdrawal    *model.WithdrawalRequest `json:"withdrawal,omitempty"`
}

type ApproveResult struct {
	TxHash    string `json:"tx_hash"`
	Allowance string `json:"allowance"`
	Unlimited bool   `json:"unlimited"`
}

func resultOf(rec *model.Transaction) *OperationResult {
	res := &OperationResult{
		TransactionID: rec.ID,
		TransactionNo: rec.TransactionNo,
		Method:        rec.Method,
		Status:        rec.Status,
		Amount:        rec.Amount,
		TxHash:        rec.Hash(),
	}
	if rec.BlockNumber != nil {
		res.BlockNumber = *rec.BlockNumber
	}
	return res
}

// ============================================================================
// 用户操作
// ============================================================================

func (c *Coordinator) Deposit(ctx context.Context, req *DepositRequest) (*OperationResult, error) {
	if err := requirePositive(req.Amount); err != nil {
		return nil, err
	}
	owner, err := parseWallet(req.WalletAddress)
	if err != nil {
		return nil, err
	}
	vault, err := c.activeVault(ctx, req.VaultID)
	if err != nil {
		return nil, err
	}
	minor, err := chain.ToMinor(req.Amount, vault.AssetDecimals)
	if err != nil {
		return nil, err
	}
	user, err := c.store.Users().GetOrCreate(ctx, owner.Hex())
	if err != nil {
		return nil, fmt.Errorf("获取用户失败: %w", err)
	}

	unlock, err := c.obtain(ctx, lock.UserOperationKey(vault.ID, user.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	vaultAddr := common.HexToAddress(vault.Address)
	asset := common.HexToAddress(vault.AssetAddress)
	allowance, err := c.reader.Allowance(ctx, asset, owner, vaultAddr)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(minor) < 0 {
		return nil, fmt.Errorf("%w: 当前授权 %s，需要 %s", apperr.ErrInsufficientAllowance,
			chain.ToMajor(allowance, vault.AssetDecimals), req.Amount)
	}
	held, err := c.reader.AssetBalance(ctx, asset, owner)
	if err != nil {
		return nil, err
	}
	if held.Cmp(minor) < 0 {
		return nil, fmt.Errorf("%w: 钱包资产 %s 不足 %s", apperr.ErrInsufficientFunds,
			chain.ToMajor(held, vault.AssetDecimals), req.Amount)
	}

	userID := user.ID
	return c.execute(ctx, TxIntent{
		VaultID: vault.ID,
		UserID:  &userID,
		Type:    model.TransactionTypeDeposit,
		Method:  model.MethodDeposit,
		Amount:  req.Amount,
		From:    owner.Hex(),
		To:      vault.Address,
	}, chain.DepositOp(vaultAddr, owner, minor))
}

// Withdraw Instant 为 true 走即时提现，否则进入链上提现队列
func (c *Coordinator) Withdraw(ctx context.Context, req *WithdrawRequest) (*OperationResult, error) {
	if err := requirePositive(req.Amount); err != nil {
		return nil, err
	}
	owner, err := parseWallet(req.WalletAddress)
	if err != nil {
		return nil, err
	}
	vault, err := c.activeVault(ctx, req.VaultID)
	if err != nil {
		return nil, err
	}
	minor, err := chain.ToMinor(req.Amount, vault.AssetDecimals)
	if err != nil {
		return nil, err
	}
	user, err := c.store.Users().GetByAddress(ctx, owner.Hex())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: 用户没有存款", apperr.ErrInsufficientFunds)
	}
	if err != nil {
		return nil, err
	}

	unlock, err := c.obtain(ctx, lock.UserOperationKey(vault.ID, user.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	balance, err := c.store.Balances().Get(ctx, vault.ID, user.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if err := c.ledger.ValidateWithdraw(balance, req.Amount); err != nil {
		return nil, err
	}

	vaultAddr := common.HexToAddress(vault.Address)
	userID := user.ID
	intent := TxIntent{
		VaultID: vault.ID,
		UserID:  &userID,
		Type:    model.TransactionTypeWithdraw,
		Amount:  req.Amount,
		From:    owner.Hex(),
		To:      vault.Address,
	}

	if !req.Instant {
		intent.Method = model.MethodRequestWithdrawal
		return c.execute(ctx, intent, chain.RequestWithdrawalOp(vaultAddr, owner, minor))
	}

	if err := c.ledger.ValidateSettle(vault, req.Amount); err != nil {
		return nil, err
	}
	if err := c.checkLiquidity(ctx, vault, minor); err != nil {
		return nil, err
	}
	intent.Method = model.MethodInstantWithdraw
	return c.execute(ctx, intent, chain.InstantWithdrawOp(vaultAddr, owner, minor))
}

// ProcessWithdrawal 处理一个已就绪的排队提现，由金库管理员地址签名
func (c *Coordinator) ProcessWithdrawal(ctx context.Context, withdrawalID int64) (*OperationResult, error) {
	unlock, err := c.obtain(ctx, lock.WithdrawalOperationKey(withdrawalID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := c.store.Withdrawals().GetByID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	req, err = c.queue.RefreshReadiness(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.queue.EnsureProcessable(req); err != nil {
		return nil, err
	}
	vault, err := c.store.Vaults().GetByID(ctx, req.VaultID)
	if err != nil {
		return nil, err
	}
	if err := c.ledger.ValidateSettle(vault, req.Amount); err != nil {
		return nil, err
	}
	minor, err := chain.ToMinor(req.Amount, vault.AssetDecimals)
	if err != nil {
		return nil, err
	}
	if err := c.checkLiquidity(ctx, vault, minor); err != nil {
		return nil, err
	}

	manager := common.HexToAddress(vault.ManagerAddress)
	userID, reqID := req.UserID, req.ID
	return c.execute(ctx, TxIntent{
		VaultID:             vault.ID,
		UserID:              &userID,
		WithdrawalRequestID: &reqID,
		Type:                model.TransactionTypeWithdraw,
		Method:              model.MethodProcessWithdrawal,
		Amount:              req.Amount,
		From:                manager.Hex(),
		To:                  vault.Address,
	}, chain.ProcessWithdrawalOp(common.HexToAddress(vault.Address), manager, req.QueueIndex))
}

// CancelWithdrawal 只有请求所有者可以取消，且只能取消 queued 状态
func (c *Coordinator) CancelWithdrawal(ctx context.Context, in *CancelWithdrawalRequest) (*OperationResult, error) {
	owner, err := parseWallet(in.WalletAddress)
	if err != nil {
		return nil, err
	}
	unlock, err := c.obtain(ctx, lock.WithdrawalOperationKey(in.WithdrawalID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := c.store.Withdrawals().GetByID(ctx, in.WithdrawalID)
	if err != nil {
		return nil, err
	}
	user, err := c.store.Users().GetByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(user.WalletAddress, owner.Hex()) {
		return nil, fmt.Errorf("%w: 只有提现请求的所有者可以取消", apperr.ErrInvalidArgument)
	}
	if err := c.queue.EnsureCancellable(req); err != nil {
		return nil, err
	}
	vault, err := c.store.Vaults().GetByID(ctx, req.VaultID)
	if err != nil {
		return nil, err
	}

	userID, reqID := req.UserID, req.ID
	return c.execute(ctx, TxIntent{
		VaultID:             vault.ID,
		UserID:              &userID,
		WithdrawalRequestID: &reqID,
		Type:                model.TransactionTypeWithdraw,
		Method:              model.MethodCancelWithdrawal,
		Amount:              req.Amount,
		From:                owner.Hex(),
		To:                  vault.Address,
	}, chain.CancelWithdrawalOp(common.HexToAddress(vault.Address), owner, req.QueueIndex))
}

// ============================================================================
// 管理员操作
// ============================================================================

func (c *Coordinator) Allocate(ctx context.Context, req *AllocationRequest) (*OperationResult, error) {
	return c.allocation(ctx, req, true)
}

func (c *Coordinator) Deallocate(ctx context.Context, req *AllocationRequest) (*OperationResult, error) {
	return c.allocation(ctx, req, false)
}

func (c *Coordinator) allocation(ctx context.Context, req *AllocationRequest, allocate bool) (*OperationResult, error) {
	if err := requirePositive(req.Amount); err != nil {
		return nil, err
	}
	protocol, err := c.store.Protocols().GetByID(ctx, req.ProtocolID)
	if err != nil {
		return nil, err
	}
	vault, err := c.activeVault(ctx, protocol.VaultID)
	if err != nil {
		return nil, err
	}
	minor, err := chain.ToMinor(req.Amount, vault.AssetDecimals)
	if err != nil {
		return nil, err
	}

	unlock, err := c.obtain(ctx, lock.ManagerOperationKey(vault.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// 锁内重新读取，避免基于过期镜像校验
	if vault, err = c.store.Vaults().GetByID(ctx, vault.ID); err != nil {
		return nil, err
	}
	if protocol, err = c.store.Protocols().GetByID(ctx, protocol.ID); err != nil {
		return nil, err
	}

	vaultAddr := common.HexToAddress(vault.Address)
	manager := common.HexToAddress(vault.ManagerAddress)
	protocolAddr := common.HexToAddress(protocol.Address)
	protocolID := protocol.ID
	intent := TxIntent{
		VaultID:    vault.ID,
		ProtocolID: &protocolID,
		Amount:     req.Amount,
		From:       manager.Hex(),
		To:         vault.Address,
	}

	if allocate {
		if err := c.ledger.ValidateAllocate(vault, protocol, req.Amount); err != nil {
			return nil, err
		}
		intent.Type, intent.Method = model.TransactionTypeAllocate, model.MethodAllocate
		return c.execute(ctx, intent, chain.AllocateOp(vaultAddr, manager, protocolAddr, minor))
	}
	if err := c.ledger.ValidateDeallocate(vault, protocol, req.Amount); err != nil {
		return nil, err
	}
	intent.Type, intent.Method = model.TransactionTypeDeallocate, model.MethodDeallocate
	return c.execute(ctx, intent, chain.DeallocateOp(vaultAddr, manager, protocolAddr, minor))
}

// Approve 资产代币授权金库，不产生账本记录
func (c *Coordinator) Approve(ctx context.Context, req *ApproveRequest) (*ApproveResult, error) {
	owner, err := parseWallet(req.WalletAddress)
	if err != nil {
		return nil, err
	}
	vault, err := c.activeVault(ctx, req.VaultID)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Set(c.threshold)
	if req.Amount != nil {
		if err := requirePositive(*req.Amount); err != nil {
			return nil, err
		}
		if amount, err = chain.ToMinor(*req.Amount, vault.AssetDecimals); err != nil {
			return nil, err
		}
	}
	user, err := c.store.Users().GetOrCreate(ctx, owner.Hex())
	if err != nil {
		return nil, fmt.Errorf("获取用户失败: %w", err)
	}
	unlock, err := c.obtain(ctx, lock.UserOperationKey(vault.ID, user.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &ApproveResult{
		Allowance: chain.ToMajor(amount, vault.AssetDecimals).String(),
		Unlimited: amount.Cmp(c.threshold) >= 0,
	}
	op := chain.ApproveOp(common.HexToAddress(vault.AssetAddress), owner, common.HexToAddress(vault.Address), amount)
	signed, err := c.writer.Send(ctx, op, nil)
	if signed != nil {
		res.TxHash = signed.Hash.Hex()
	}
	if err != nil {
		return res, err
	}
	receipt, err := c.writer.WaitReceipt(ctx, signed.Hash)
	if err != nil {
		return res, err
	}
	if !receipt.Success {
		return res, fmt.Errorf("%w: 授权交易 %s 回滚", apperr.ErrContractCall, res.TxHash)
	}
	return res, nil
}

// SyncYield 把链上 totalYield 高于本地的部分记为收益
//
// 没有新增收益时返回 nil, nil。
func (c *Coordinator) SyncYield(ctx context.Context, vaultID int64) (*OperationResult, error) {
	vault, err := c.activeVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	onchain, err := c.reader.TotalYield(ctx, common.HexToAddress(vault.Address))
	if err != nil {
		return nil, err
	}
	block, err := c.reader.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	chainYield := chain.ToMajor(onchain, vault.AssetDecimals)

	unlockOp, err := c.obtain(ctx, lock.ManagerOperationKey(vault.ID))
	if err != nil {
		return nil, err
	}
	defer unlockOp()
	unlockLedger, err := c.obtain(ctx, lock.VaultLedgerKey(vault.ID))
	if err != nil {
		return nil, err
	}
	defer unlockLedger()

	var rec *model.Transaction
	err = c.store.Atomic(ctx, func(tx repository.Store) error {
		current, err := tx.Vaults().GetByIDForUpdate(ctx, vault.ID)
		if err != nil {
			return err
		}
		delta := chainYield.Sub(current.TotalYield)
		if !delta.IsPositive() {
			return nil
		}
		if err := c.ledger.RecordYield(ctx, tx, vault.ID, delta); err != nil {
			return err
		}
		rec, err = c.tracker.RecordCompleted(ctx, tx, TxIntent{
			VaultID: vault.ID,
			Type:    model.TransactionTypeYield,
			Method:  model.MethodSyncYield,
			Amount:  delta,
			From:    vault.Address,
			To:      vault.Address,
		}, block)
		if err != nil {
			return err
		}
		return c.events.write(ctx, tx, model.EventYieldRecorded, rec.TransactionNo, map[string]interface{}{
			"transaction_no": rec.TransactionNo,
			"vault_id":       vault.ID,
			"amount":         delta.String(),
			"total_yield":    chainYield.String(),
			"block_number":   block,
		})
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	c.logger.Info("收益已同步",
		zap.Int64("vault_id", vault.ID),
		zap.String("amount", rec.Amount.String()),
		zap.Uint64("block_number", block),
	)
	return resultOf(rec), nil
}

// ============================================================================
// 提交与结算
// ============================================================================

// execute 创建记录、广播、等待回执并结算
//
// 广播之后的持久化使用脱离取消的 ctx：调用方放弃等待不影响链上结果的记录。
func (c *Coordinator) execute(ctx context.Context, intent TxIntent, op chain.Operation) (*OperationResult, error) {
	rec, err := c.tracker.Begin(ctx, intent)
	if err != nil {
		return nil, err
	}
	log := c.logger.With(
		zap.Int64("tx_id", rec.ID),
		zap.Int64("vault_id", rec.VaultID),
		zap.String("method", rec.Method),
	)

	signed, err := c.writer.Send(ctx, op, c.tracker.BroadcastHook(rec))
	detached := context.WithoutCancel(ctx)
	if err != nil {
		if signed != nil && apperr.IsIndeterminate(err) {
			// 节点可能已经收到交易
			_ = c.tracker.MarkProcessing(detached, rec)
			log.Warn("广播结果未知，留待对账", zap.String("tx_hash", signed.Hash.Hex()), zap.Error(err))
			return resultOf(rec), err
		}
		_ = c.tracker.Fail(detached, rec, err)
		return nil, err
	}
	if err := c.tracker.MarkProcessing(detached, rec); err != nil {
		return resultOf(rec), fmt.Errorf("%w: 交易 %s 已广播，状态更新失败: %v", apperr.ErrTransactionFailed, signed.Hash.Hex(), err)
	}

	receipt, err := c.writer.WaitReceipt(ctx, signed.Hash)
	if err != nil {
		log.Warn("等待确认未完成，交易保持 processing",
			zap.String("tx_hash", signed.Hash.Hex()),
			zap.Uint64("nonce", signed.Nonce),
			zap.Error(err),
		)
		return resultOf(rec), err
	}
	return c.settle(detached, rec, receipt)
}

// settle 根据回执结算，rec 必须处于 processing
func (c *Coordinator) settle(ctx context.Context, rec *model.Transaction, receipt *chain.Receipt) (*OperationResult, error) {
	if !receipt.Success {
		cause := fmt.Errorf("%w: 交易 %s 在区块 %d 执行回滚", apperr.ErrContractCall, receipt.TxHash.Hex(), receipt.BlockNumber)
		if err := c.tracker.Fail(ctx, rec, cause); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				return c.alreadySettled(ctx, rec)
			}
			return resultOf(rec), err
		}
		return nil, cause
	}
	if target := receipt.ContractAddress; target != (common.Address{}) && common.IsHexAddress(rec.ToAddress) &&
		target != common.HexToAddress(rec.ToAddress) {
		c.logger.Warn("回执目标合约与交易记录不一致",
			zap.Int64("transaction_id", rec.ID),
			zap.String("expected", rec.ToAddress),
			zap.String("actual", target.Hex()),
		)
	}

	vault, err := c.store.Vaults().GetByID(ctx, rec.VaultID)
	if err != nil {
		return resultOf(rec), err
	}
	var queueIndex uint64
	if rec.Method == model.MethodRequestWithdrawal {
		if queueIndex, err = c.resolveQueueIndex(ctx, vault, rec, receipt); err != nil {
			return resultOf(rec), err
		}
	}

	unlock, err := c.obtain(ctx, lock.VaultLedgerKey(vault.ID))
	if err != nil {
		return resultOf(rec), err
	}
	defer unlock()

	var withdrawal *model.WithdrawalRequest
	err = c.store.Atomic(ctx, func(tx repository.Store) error {
		current, err := tx.Transactions().GetByID(ctx, rec.ID)
		if err != nil {
			return err
		}
		if current.Status != model.TransactionStatusProcessing {
			return repository.ErrStatusConflict
		}
		var upd repository.TransactionUpdate
		if withdrawal, err = c.applyEffect(ctx, tx, vault, rec, receipt, queueIndex, &upd); err != nil {
			return err
		}
		return c.tracker.Complete(ctx, tx, rec, receipt, upd)
	})
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return c.alreadySettled(ctx, rec)
		}
		c.logger.Error("链上已确认但账本入账失败，交易保持 processing",
			zap.Int64("tx_id", rec.ID),
			zap.String("tx_hash", receipt.TxHash.Hex()),
			zap.Error(err),
		)
		return resultOf(rec), fmt.Errorf("%w: 交易 %s 已上链，入账失败: %v", apperr.ErrInternal, receipt.TxHash.Hex(), err)
	}

	if fresh, err := c.store.Transactions().GetByID(ctx, rec.ID); err == nil {
		*rec = *fresh
	}
	c.logger.Info("交易已确认并入账",
		zap.Int64("tx_id", rec.ID),
		zap.Int64("vault_id", rec.VaultID),
		zap.String("method", rec.Method),
		zap.String("tx_hash", rec.Hash()),
		zap.Uint64("block_number", receipt.BlockNumber),
	)
	res := resultOf(rec)
	res.Withdrawal = withdrawal
	return res, nil
}

// alreadySettled 并发结算的失败方，以数据库中的结果为准
func (c *Coordinator) alreadySettled(ctx context.Context, rec *model.Transaction) (*OperationResult, error) {
	fresh, err := c.store.Transactions().GetByID(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	*rec = *fresh
	switch fresh.Status {
	case model.TransactionStatusCompleted:
		return resultOf(fresh), nil
	case model.TransactionStatusFailed:
		return nil, fmt.Errorf("%w: 交易 %s 已失败: %s", apperr.ErrContractCall, fresh.TransactionNo, fresh.ErrorMessage)
	}
	return resultOf(fresh), fmt.Errorf("%w: 交易 %s 当前状态 %s", apperr.ErrInvalidStateTransition, fresh.TransactionNo, fresh.Status)
}

func (c *Coordinator) applyEffect(ctx context.Context, tx repository.Store, vault *model.Vault, rec *model.Transaction, receipt *chain.Receipt, queueIndex uint64, upd *repository.TransactionUpdate) (*model.WithdrawalRequest, error) {
	vaultAddr := common.HexToAddress(vault.Address)
	hash := receipt.TxHash.Hex()
	amount := rec.Amount
	payload := map[string]interface{}{
		"transaction_no": rec.TransactionNo,
		"vault_id":       vault.ID,
		"tx_hash":        hash,
		"block_number":   receipt.BlockNumber,
	}

	switch rec.Method {
	case model.MethodDeposit:
		userID, err := requireUser(rec)
		if err != nil {
			return nil, err
		}
		ev, err := receipt.Deposited(vaultAddr)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			amount = chain.ToMajor(ev.Assets, vault.AssetDecimals)
		}
		if err := c.ledger.Deposit(ctx, tx, vault.ID, userID, amount); err != nil {
			return nil, err
		}
		payload["user_id"], payload["amount"] = userID, amount.String()
		return nil, c.events.write(ctx, tx, model.EventDepositCompleted, rec.TransactionNo, payload)

	case model.MethodInstantWithdraw:
		userID, err := requireUser(rec)
		if err != nil {
			return nil, err
		}
		ev, err := receipt.Withdrawn(vaultAddr)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			amount = chain.ToMajor(ev.Assets, vault.AssetDecimals)
		}
		if err := c.ledger.InstantWithdraw(ctx, tx, vault.ID, userID, amount); err != nil {
			return nil, err
		}
		payload["user_id"], payload["amount"] = userID, amount.String()
		return nil, c.events.write(ctx, tx, model.EventWithdrawCompleted, rec.TransactionNo, payload)

	case model.MethodRequestWithdrawal:
		userID, err := requireUser(rec)
		if err != nil {
			return nil, err
		}
		if err := c.ledger.EarmarkWithdrawal(ctx, tx, vault.ID, userID, amount); err != nil {
			return nil, err
		}
		req, err := c.queue.Enqueue(ctx, tx, vault.ID, userID, queueIndex, amount, c.now())
		if err != nil {
			return nil, err
		}
		upd.WithdrawalRequestID = &req.ID
		payload["user_id"], payload["amount"] = userID, amount.String()
		payload["withdrawal_id"], payload["queue_index"] = req.ID, queueIndex
		return req, c.events.write(ctx, tx, model.EventWithdrawalQueued, rec.TransactionNo, payload)

	case model.MethodProcessWithdrawal:
		req, err := c.linkedWithdrawal(ctx, tx, rec)
		if err != nil {
			return nil, err
		}
		if err := c.ledger.SettleQueuedWithdrawal(ctx, tx, vault.ID, req.Amount); err != nil {
			return nil, err
		}
		if err := c.queue.MarkProcessed(ctx, tx, req, hash); err != nil {
			return nil, err
		}
		payload["user_id"], payload["amount"] = req.UserID, req.Amount.String()
		payload["withdrawal_id"], payload["queue_index"] = req.ID, req.QueueIndex
		return req, c.events.write(ctx, tx, model.EventWithdrawalProcessed, rec.TransactionNo, payload)

	case model.MethodCancelWithdrawal:
		req, err := c.linkedWithdrawal(ctx, tx, rec)
		if err != nil {
			return nil, err
		}
		if err := c.ledger.ReleaseEarmark(ctx, tx, vault.ID, req.UserID, req.Amount); err != nil {
			return nil, err
		}
		if err := c.queue.MarkCancelled(ctx, tx, req, hash); err != nil {
			return nil, err
		}
		payload["user_id"], payload["amount"] = req.UserID, req.Amount.String()
		payload["withdrawal_id"], payload["queue_index"] = req.ID, req.QueueIndex
		return req, c.events.write(ctx, tx, model.EventWithdrawalCancelled, rec.TransactionNo, payload)

	case model.MethodAllocate, model.MethodDeallocate:
		if rec.ProtocolID == nil {
			return nil, fmt.Errorf("%w: 交易 %d 缺少协议", apperr.ErrInternal, rec.ID)
		}
		var err error
		if rec.Method == model.MethodAllocate {
			err = c.ledger.Allocate(ctx, tx, vault.ID, *rec.ProtocolID, amount)
		} else {
			err = c.ledger.Deallocate(ctx, tx, vault.ID, *rec.ProtocolID, amount)
		}
		if err != nil {
			return nil, err
		}
		payload["protocol_id"], payload["amount"], payload["direction"] = *rec.ProtocolID, amount.String(), rec.Method
		return nil, c.events.write(ctx, tx, model.EventAllocationChanged, rec.TransactionNo, payload)
	}
	return nil, fmt.Errorf("%w: 未知的交易方法 %s", apperr.ErrInternal, rec.Method)
}

// resolveQueueIndex 优先取 WithdrawalQueued 事件，缺失时取用户队列中最后一个本地未登记的下标
func (c *Coordinator) resolveQueueIndex(ctx context.Context, vault *model.Vault, rec *model.Transaction, receipt *chain.Receipt) (uint64, error) {
	vaultAddr := common.HexToAddress(vault.Address)
	ev, err := receipt.WithdrawalQueued(vaultAddr)
	if err != nil {
		return 0, err
	}
	if ev != nil {
		return ev.Index.Uint64(), nil
	}

	indices, err := c.reader.UserWithdrawals(ctx, vaultAddr, common.HexToAddress(rec.FromAddress))
	if err != nil {
		return 0, err
	}
	for i := len(indices) - 1; i >= 0; i-- {
		_, err := c.store.Withdrawals().GetByQueueIndex(ctx, vault.ID, indices[i])
		if errors.Is(err, repository.ErrNotFound) {
			c.logger.Warn("回执缺少 WithdrawalQueued 事件，使用链上用户队列下标",
				zap.Int64("tx_id", rec.ID),
				zap.Uint64("queue_index", indices[i]),
			)
			return indices[i], nil
		}
		if err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: 无法确定交易 %s 的提现队列下标", apperr.ErrContractCall, rec.Hash())
}

func (c *Coordinator) linkedWithdrawal(ctx context.Context, tx repository.Store, rec *model.Transaction) (*model.WithdrawalRequest, error) {
	if rec.WithdrawalRequestID == nil {
		return nil, fmt.Errorf("%w: 交易 %d 缺少提现请求", apperr.ErrInternal, rec.ID)
	}
	return tx.Withdrawals().GetByID(ctx, *rec.WithdrawalRequestID)
}

// ============================================================================
// 对账
// ============================================================================

type ReconcileOutcome string

const (
	ReconcileNoop    ReconcileOutcome = "noop"
	ReconcileSettled ReconcileOutcome = "settled"
	ReconcileFailed  ReconcileOutcome = "failed"
	ReconcilePending ReconcileOutcome = "pending"
)

// Reconcile 按链上结果推进一条未终结的交易记录
//
//   - 找到回执：走与正常提交相同的结算路径
//   - 没有回执且发送方 nonce 已被确认：交易被替换，标记失败
//   - 没有回执、超过 stale_after 且节点已不认识该交易：交易被丢弃，标记失败
//   - 其余情况保持原状态
func (c *Coordinator) Reconcile(ctx context.Context, txID int64) (ReconcileOutcome, error) {
	outcome, err := c.reconcile(ctx, txID)
	if err != nil {
		c.metrics.Reconciliation("error")
	} else {
		c.metrics.Reconciliation(string(outcome))
	}
	return outcome, err
}

func (c *Coordinator) reconcile(ctx context.Context, txID int64) (ReconcileOutcome, error) {
	rec, err := c.store.Transactions().GetByID(ctx, txID)
	if err != nil {
		return ReconcilePending, err
	}
	if rec.Status.Terminal() {
		return ReconcileNoop, nil
	}

	if rec.TxHash == nil {
		if rec.Status == model.TransactionStatusPending && c.stale(rec) {
			return c.failLost(ctx, rec, "交易未广播且已超时")
		}
		return ReconcilePending, nil
	}

	hash := common.HexToHash(*rec.TxHash)
	receipt, err := c.writer.LookupReceipt(ctx, hash)
	if err != nil {
		return ReconcilePending, err
	}
	if receipt == nil {
		reason, err := c.lostReason(ctx, rec, hash)
		if err != nil || reason == "" {
			return ReconcilePending, err
		}
		// nonce 推进与回执可见之间存在窗口，再确认一次
		if receipt, err = c.writer.LookupReceipt(ctx, hash); err != nil {
			return ReconcilePending, err
		}
		if receipt == nil {
			return c.failLost(ctx, rec, reason)
		}
	}

	if rec.Status == model.TransactionStatusPending {
		if err := c.tracker.MarkProcessing(ctx, rec); err != nil {
			if !errors.Is(err, repository.ErrStatusConflict) {
				return ReconcilePending, err
			}
			if rec, err = c.store.Transactions().GetByID(ctx, txID); err != nil {
				return ReconcilePending, err
			}
			if rec.Status.Terminal() {
				return ReconcileNoop, nil
			}
		}
	}

	_, err = c.settle(ctx, rec, receipt)
	switch rec.Status {
	case model.TransactionStatusCompleted:
		return ReconcileSettled, nil
	case model.TransactionStatusFailed:
		return ReconcileFailed, nil
	}
	return ReconcilePending, err
}

func (c *Coordinator) lostReason(ctx context.Context, rec *model.Transaction, hash common.Hash) (string, error) {
	if rec.Nonce != nil && common.IsHexAddress(rec.FromAddress) {
		confirmed, err := c.writer.ConfirmedNonce(ctx, common.HexToAddress(rec.FromAddress))
		if err != nil {
			return "", err
		}
		if confirmed > *rec.Nonce {
			return fmt.Sprintf("nonce %d 已被其他交易使用，交易被替换", *rec.Nonce), nil
		}
	}
	if !c.stale(rec) {
		return "", nil
	}
	known, err := c.writer.IsKnown(ctx, hash)
	if err != nil || known {
		return "", err
	}
	return "交易超时且节点中已不存在", nil
}

func (c *Coordinator) failLost(ctx context.Context, rec *model.Transaction, reason string) (ReconcileOutcome, error) {
	cause := fmt.Errorf("%w: %s", apperr.ErrTransactionFailed, reason)
	if err := c.tracker.Fail(ctx, rec, cause); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return ReconcileNoop, nil
		}
		return ReconcilePending, err
	}
	if rec.Nonce != nil && common.IsHexAddress(rec.FromAddress) {
		c.writer.ResetNonce(common.HexToAddress(rec.FromAddress))
	}
	return ReconcileFailed, nil
}

func (c *Coordinator) stale(rec *model.Transaction) bool {
	return c.now().Sub(rec.UpdatedAt) >= c.staleAfter
}

// ReconcileSummary 一轮对账的结果统计
type ReconcileSummary map[ReconcileOutcome]int

// ReconcileStale 处理更新时间早于 minAge 的 pending 与 processing 记录
func (c *Coordinator) ReconcileStale(ctx context.Context, minAge time.Duration, limit int) (ReconcileSummary, error) {
	before := c.now().Add(-minAge)
	summary := ReconcileSummary{}
	for _, status := range []model.TransactionStatus{model.TransactionStatusProcessing, model.TransactionStatusPending} {
		records, err := c.store.Transactions().ListByStatus(ctx, status, before, limit)
		if err != nil {
			return summary, err
		}
		for _, rec := range records {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			outcome, err := c.Reconcile(ctx, rec.ID)
			if err != nil {
				c.logger.Warn("对账失败，下一轮重试",
					zap.Int64("tx_id", rec.ID),
					zap.String("tx_hash", rec.Hash()),
					zap.Error(err),
				)
			}
			summary[outcome]++
		}
	}
	return summary, nil
}

// ============================================================================
// 辅助
// ============================================================================

func parseWallet(addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("%w: 钱包地址格式错误: %q", apperr.ErrInvalidArgument, addr)
	}
	return common.HexToAddress(addr), nil
}

func requireUser(rec *model.Transaction) (int64, error) {
	if rec.UserID == nil {
		return 0, fmt.Errorf("%w: 交易 %d 缺少用户", apperr.ErrInternal, rec.ID)
	}
	return *rec.UserID, nil
}

func (c *Coordinator) activeVault(ctx context.Context, id int64) (*model.Vault, error) {
	vault, err := c.store.Vaults().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !vault.IsActive {
		return nil, fmt.Errorf("%w: 金库 %d 已停用", apperr.ErrInvalidArgument, id)
	}
	return vault, nil
}

// checkLiquidity 金库持有的资产代币必须覆盖本次支付，读取失败按未知处理
func (c *Coordinator) checkLiquidity(ctx context.Context, vault *model.Vault, minor *big.Int) error {
	idle, err := c.reader.AssetBalance(ctx, common.HexToAddress(vault.AssetAddress), common.HexToAddress(vault.Address))
	if err != nil {
		return err
	}
	if idle.Cmp(minor) < 0 {
		return fmt.Errorf("%w: 金库可用流动性 %s，请改用排队提现", apperr.ErrInsufficientLiquidity,
			chain.ToMajor(idle, vault.AssetDecimals))
	}
	return nil
}

func (c *Coordinator) obtain(ctx context.Context, key string) (func(), error) {
	l, err := c.locker.Obtain(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: 操作进行中，请稍后重试: %v", apperr.ErrConflict, err)
	}
	return func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("释放锁失败", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
