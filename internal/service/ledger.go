package service

import (
	"context"
	"fmt"

	"vaultledger/internal/model"
	"vaultledger/internal/repository"
	"vaultledger/pkg/apperr"
	"vaultledger/pkg/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LedgerAccountant 唯一可以修改 Vault / Protocol / VaultUserBalance 金额字段的组件
//
// Validate* 在加锁前基于当前镜像做快速校验；Apply 类方法必须在 Store.Atomic 内调用，
// 并在持有金库账本锁的情况下重新校验，任何一条规则不满足都整体回滚。
type LedgerAccountant struct {
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewLedgerAccountant(m *metrics.Collector, logger *zap.Logger) *LedgerAccountant {
	return &LedgerAccountant{metrics: m, logger: logger}
}

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: 金额必须大于 0", apperr.ErrInvalidArgument)
	}
	return nil
}

// ============================================================================
// 前置校验
// ============================================================================

func (l *LedgerAccountant) ValidateWithdraw(balance *model.VaultUserBalance, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if balance == nil || balance.Balance.LessThan(amount) {
		return fmt.Errorf("%w: 可用余额不足", apperr.ErrInsufficientFunds)
	}
	return nil
}

// ValidateSettle 提走 amount 后已分配金额仍不能超过存款
func (l *LedgerAccountant) ValidateSettle(vault *model.Vault, amount decimal.Decimal) error {
	if vault.TotalDeposits.Sub(amount).LessThan(vault.TotalAllocated) {
		return fmt.Errorf("%w: 未分配资金 %s 不足以支付 %s", apperr.ErrInsufficientLiquidity, vault.Available(), amount)
	}
	return nil
}

func (l *LedgerAccountant) ValidateAllocate(vault *model.Vault, protocol *model.Protocol, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if protocol.VaultID != vault.ID {
		return fmt.Errorf("%w: 协议 %d 不属于金库 %d", apperr.ErrInvalidArgument, protocol.ID, vault.ID)
	}
	if !protocol.IsActive {
		return fmt.Errorf("%w: 协议 %d 已停用", apperr.ErrInvalidArgument, protocol.ID)
	}
	if vault.Available().LessThan(amount) {
		return fmt.Errorf("%w: 可分配资金 %s 小于 %s", apperr.ErrInsufficientLiquidity, vault.Available(), amount)
	}
	return nil
}

func (l *LedgerAccountant) ValidateDeallocate(vault *model.Vault, protocol *model.Protocol, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if protocol.VaultID != vault.ID {
		return fmt.Errorf("%w: 协议 %d 不属于金库 %d", apperr.ErrInvalidArgument, protocol.ID, vault.ID)
	}
	if protocol.AllocatedAmount.LessThan(amount) {
		return fmt.Errorf("%w: 协议已分配 %s，不足以撤回 %s", apperr.ErrInsufficientLiquidity, protocol.AllocatedAmount, amount)
	}
	return nil
}

// ============================================================================
// 事务内变更
// ============================================================================

func (l *LedgerAccountant) loadPair(ctx context.Context, tx repository.Store, vaultID, userID int64) (*model.Vault, *model.VaultUserBalance, error) {
	vault, err := tx.Vaults().GetByIDForUpdate(ctx, vaultID)
	if err != nil {
		return nil, nil, err
	}
	balance, err := tx.Balances().GetOrCreate(ctx, vaultID, userID)
	if err != nil {
		return nil, nil, err
	}
	return vault, balance, nil
}

func (l *LedgerAccountant) save(ctx context.Context, tx repository.Store, vault *model.Vault, balance *model.VaultUserBalance) error {
	if err := tx.Vaults().Update(ctx, vault); err != nil {
		return fmt.Errorf("更新金库失败: %w", err)
	}
	if balance != nil {
		if err := tx.Balances().Update(ctx, balance); err != nil {
			return fmt.Errorf("更新用户余额失败: %w", err)
		}
	}
	return nil
}

func (l *LedgerAccountant) record(op string, vaultID int64, amount decimal.Decimal, err error) error {
	l.metrics.LedgerOperation(op, err)
	if err != nil {
		l.logger.Warn("账本变更被拒绝",
			zap.String("operation", op),
			zap.Int64("vault_id", vaultID),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
	}
	return err
}

// Deposit 存款：total_deposits、tvl、用户余额同时增加
func (l *LedgerAccountant) Deposit(ctx context.Context, tx repository.Store, vaultID, userID int64, amount decimal.Decimal) error {
	err := func() error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		vault, balance, err := l.loadPair(ctx, tx, vaultID, userID)
		if err != nil {
			return err
		}
		vault.TotalDeposits = vault.TotalDeposits.Add(amount)
		vault.TVL = vault.TVL.Add(amount)
		balance.Balance = balance.Balance.Add(amount)
		return l.save(ctx, tx, vault, balance)
	}()
	return l.record("deposit", vaultID, amount, err)
}

// InstantWithdraw 即时提现：total_deposits、tvl、用户余额同时减少
func (l *LedgerAccountant) InstantWithdraw(ctx context.Context, tx repository.Store, vaultID, userID int64, amount decimal.Decimal) error {
	err := func() error {
		vault, balance, err := l.loadPair(ctx, tx, vaultID, userID)
		if err != nil {
			return err
		}
		if err := l.ValidateWithdraw(balance, amount); err != nil {
			return err
		}
		if err := l.ValidateSettle(vault, amount); err != nil {
			return err
		}
		vault.TotalDeposits = vault.TotalDeposits.Sub(amount)
		vault.TVL = vault.TVL.Sub(amount)
		balance.Balance = balance.Balance.Sub(amount)
		return l.save(ctx, tx, vault, balance)
	}()
	return l.record("instant_withdraw", vaultID, amount, err)
}

// EarmarkWithdrawal 排队提现：只扣用户可用余额，total_deposits 等到处理时再扣
func (l *LedgerAccountant) EarmarkWithdrawal(ctx context.Context, tx repository.Store, vaultID, userID int64, amount decimal.Decimal) error {
	err := func() error {
		vault, balance, err := l.loadPair(ctx, tx, vaultID, userID)
		if err != nil {
			return err
		}
		if err := l.ValidateWithdraw(balance, amount); err != nil {
			return err
		}
		balance.Balance = balance.Balance.Sub(amount)
		// 金库版本号随之递增
		return l.save(ctx, tx, vault, balance)
	}()
	return l.record("earmark_withdrawal", vaultID, amount, err)
}

// ReleaseEarmark 取消排队提现，金额退回可用余额
func (l *LedgerAccountant) ReleaseEarmark(ctx context.Context, tx repository.Store, vaultID, userID int64, amount decimal.Decimal) error {
	err := func() error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		vault, balance, err := l.loadPair(ctx, tx, vaultID, userID)
		if err != nil {
			return err
		}
		sum, err := l.sumAfter(ctx, tx, vaultID, amount)
		if err != nil {
			return err
		}
		if sum.GreaterThan(vault.TotalDeposits) {
			return fmt.Errorf("%w: 退回后用户余额合计 %s 超过存款总额 %s", apperr.ErrInternal, sum, vault.TotalDeposits)
		}
		balance.Balance = balance.Balance.Add(amount)
		return l.save(ctx, tx, vault, balance)
	}()
	return l.record("release_earmark", vaultID, amount, err)
}

// SettleQueuedWithdrawal 排队提现处理完成，扣减 total_deposits 与 tvl
func (l *LedgerAccountant) SettleQueuedWithdrawal(ctx context.Context, tx repository.Store, vaultID int64, amount decimal.Decimal) error {
	err := func() error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		vault, err := tx.Vaults().GetByIDForUpdate(ctx, vaultID)
		if err != nil {
			return err
		}
		if err := l.ValidateSettle(vault, amount); err != nil {
			return err
		}
		// 用户余额在排队时已扣减，这里只能减少存款总额且不能低于用户余额合计
		sum, err := tx.Balances().SumByVault(ctx, vaultID)
		if err != nil {
			return err
		}
		if vault.TotalDeposits.Sub(amount).LessThan(sum) {
			return fmt.Errorf("%w: 扣减后存款总额低于用户余额合计 %s", apperr.ErrInternal, sum)
		}
		vault.TotalDeposits = vault.TotalDeposits.Sub(amount)
		vault.TVL = vault.TVL.Sub(amount)
		return l.save(ctx, tx, vault, nil)
	}()
	return l.record("settle_queued_withdrawal", vaultID, amount, err)
}

// Allocate 资金从金库划入协议，两个字段同时变化
func (l *LedgerAccountant) Allocate(ctx context.Context, tx repository.Store, vaultID, protocolID int64, amount decimal.Decimal) error {
	err := func() error {
		vault, protocol, err := l.loadProtocol(ctx, tx, vaultID, protocolID)
		if err != nil {
			return err
		}
		if err := l.ValidateAllocate(vault, protocol, amount); err != nil {
			return err
		}
		vault.TotalAllocated = vault.TotalAllocated.Add(amount)
		protocol.AllocatedAmount = protocol.AllocatedAmount.Add(amount)
		return l.saveProtocol(ctx, tx, vault, protocol)
	}()
	return l.record("allocate", vaultID, amount, err)
}

func (l *LedgerAccountant) Deallocate(ctx context.Context, tx repository.Store, vaultID, protocolID int64, amount decimal.Decimal) error {
	err := func() error {
		vault, protocol, err := l.loadProtocol(ctx, tx, vaultID, protocolID)
		if err != nil {
			return err
		}
		if err := l.ValidateDeallocate(vault, protocol, amount); err != nil {
			return err
		}
		if vault.TotalAllocated.LessThan(amount) {
			return fmt.Errorf("%w: 金库已分配 %s 小于 %s", apperr.ErrInternal, vault.TotalAllocated, amount)
		}
		vault.TotalAllocated = vault.TotalAllocated.Sub(amount)
		protocol.AllocatedAmount = protocol.AllocatedAmount.Sub(amount)
		return l.saveProtocol(ctx, tx, vault, protocol)
	}()
	return l.record("deallocate", vaultID, amount, err)
}

// RecordYield 收益只增加 total_yield 与 tvl
func (l *LedgerAccountant) RecordYield(ctx context.Context, tx repository.Store, vaultID int64, amount decimal.Decimal) error {
	err := func() error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		vault, err := tx.Vaults().GetByIDForUpdate(ctx, vaultID)
		if err != nil {
			return err
		}
		vault.TotalYield = vault.TotalYield.Add(amount)
		vault.TVL = vault.TVL.Add(amount)
		return l.save(ctx, tx, vault, nil)
	}()
	return l.record("record_yield", vaultID, amount, err)
}

func (l *LedgerAccountant) loadProtocol(ctx context.Context, tx repository.Store, vaultID, protocolID int64) (*model.Vault, *model.Protocol, error) {
	vault, err := tx.Vaults().GetByIDForUpdate(ctx, vaultID)
	if err != nil {
		return nil, nil, err
	}
	protocol, err := tx.Protocols().GetByIDForUpdate(ctx, protocolID)
	if err != nil {
		return nil, nil, err
	}
	return vault, protocol, nil
}

func (l *LedgerAccountant) saveProtocol(ctx context.Context, tx repository.Store, vault *model.Vault, protocol *model.Protocol) error {
	if err := tx.Vaults().Update(ctx, vault); err != nil {
		return fmt.Errorf("更新金库失败: %w", err)
	}
	if err := tx.Protocols().Update(ctx, protocol); err != nil {
		return fmt.Errorf("更新协议失败: %w", err)
	}
	return nil
}

func (l *LedgerAccountant) sumAfter(ctx context.Context, tx repository.Store, vaultID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	sum, err := tx.Balances().SumByVault(ctx, vaultID)
	if err != nil {
		return decimal.Zero, err
	}
	return sum.Add(delta), nil
}

// ============================================================================
// 审计
// ============================================================================

// AuditReport 账本不变量检查结果
type AuditReport struct {
	VaultID         int64           `json:"vault_id"`
	TotalDeposits   decimal.Decimal `json:"total_deposits"`
	TotalAllocated  decimal.Decimal `json:"total_allocated"`
	UserBalanceSum  decimal.Decimal `json:"user_balance_sum"`
	ProtocolSum     decimal.Decimal `json:"protocol_sum"`
	Conservation    bool            `json:"conservation"`
	AllocationBound bool            `json:"allocation_bound"`
}

func (r *AuditReport) OK() bool {
	return r.Conservation && r.AllocationBound
}

// Audit 在一个事务快照内检查守恒与分配上限
func (l *LedgerAccountant) Audit(ctx context.Context, store repository.Store, vaultID int64) (*AuditReport, error) {
	report := &AuditReport{VaultID: vaultID}
	err := store.Atomic(ctx, func(tx repository.Store) error {
		vault, err := tx.Vaults().GetByIDForUpdate(ctx, vaultID)
		if err != nil {
			return err
		}
		sum, err := tx.Balances().SumByVault(ctx, vaultID)
		if err != nil {
			return err
		}
		protocols, err := tx.Protocols().ListByVault(ctx, vaultID, true)
		if err != nil {
			return err
		}
		protocolSum := decimal.Zero
		for _, p := range protocols {
			protocolSum = protocolSum.Add(p.AllocatedAmount)
		}

		report.TotalDeposits = vault.TotalDeposits
		report.TotalAllocated = vault.TotalAllocated
		report.UserBalanceSum = sum
		report.ProtocolSum = protocolSum
		report.Conservation = sum.LessThanOrEqual(vault.TotalDeposits)
		report.AllocationBound = vault.TotalAllocated.Equal(protocolSum) &&
			vault.TotalAllocated.LessThanOrEqual(vault.TotalDeposits)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !report.OK() {
		l.logger.Error("账本不变量被破坏",
			zap.Int64("vault_id", vaultID),
			zap.Bool("conservation", report.Conservation),
			zap.Bool("allocation_bound", report.AllocationBound),
		)
	}
	return report, nil
}
