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
	"vaultledger/internal/model"
	"vaultledger/internal/repository"
	"vaultledger/pkg/apperr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// VaultService 金库、协议的维护与查询
type VaultService struct {
	store     repository.Store
	reader    VaultReader
	queue     *WithdrawalQueue
	ledger    *LedgerAccountant
	threshold *big.Int
	logger    *zap.Logger
}

func NewVaultService(store repository.Store, reader VaultReader, coordinator *Coordinator, cfg *config.Config, logger *zap.Logger) (*VaultService, error) {
	threshold, err := cfg.Chain.AllowanceThreshold()
	if err != nil {
		return nil, err
	}
	return &VaultService{
		store:     store,
		reader:    reader,
		queue:     coordinator.Queue(),
		ledger:    coordinator.Ledger(),
		threshold: threshold,
		logger:    logger,
	}, nil
}

// ============================================================================
// 金库
// ============================================================================

type CreateVaultRequest struct {
	Address     string `json:"address" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// CreateVault 资产地址、管理员与精度从链上读取
func (s *VaultService) CreateVault(ctx context.Context, req *CreateVaultRequest) (*model.Vault, error) {
	if !common.IsHexAddress(req.Address) {
		return nil, fmt.Errorf("%w: 金库地址格式错误: %q", apperr.ErrInvalidArgument, req.Address)
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: 金库名称不能为空", apperr.ErrInvalidArgument)
	}
	addr := common.HexToAddress(req.Address)

	asset, err := s.reader.Asset(ctx, addr)
	if err != nil {
		return nil, err
	}
	manager, err := s.reader.Manager(ctx, addr)
	if err != nil {
		return nil, err
	}
	decimals, err := s.reader.Decimals(ctx, asset)
	if err != nil {
		return nil, err
	}

	vault := &model.Vault{
		Address:        addr.Hex(),
		AssetAddress:   asset.Hex(),
		ManagerAddress: manager.Hex(),
		Name:           strings.TrimSpace(req.Name),
		Description:    req.Description,
		AssetDecimals:  int32(decimals),
		TotalDeposits:  decimal.Zero,
		TotalAllocated: decimal.Zero,
		TotalYield:     decimal.Zero,
		TVL:            decimal.Zero,
		IsActive:       true,
	}
	if err := s.store.Vaults().Create(ctx, vault); err != nil {
		return nil, fmt.Errorf("创建金库失败: %w", err)
	}
	s.logger.Info("金库已创建",
		zap.Int64("vault_id", vault.ID),
		zap.String("address", vault.Address),
		zap.String("asset", vault.AssetAddress),
		zap.Int32("decimals", vault.AssetDecimals),
	)
	return vault, nil
}

func (s *VaultService) GetVault(ctx context.Context, id int64) (*model.Vault, error) {
	return s.store.Vaults().GetByID(ctx, id)
}

// GetVaultByAddress 地址按校验和格式匹配
func (s *VaultService) GetVaultByAddress(ctx context.Context, address string) (*model.Vault, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: 金库地址格式错误: %q", apperr.ErrInvalidArgument, address)
	}
	return s.store.Vaults().GetByAddress(ctx, common.HexToAddress(address).Hex())
}

func (s *VaultService) ListVaults(ctx context.Context, activeOnly bool) ([]*model.Vault, error) {
	return s.store.Vaults().List(ctx, activeOnly)
}

type UpdateVaultRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (s *VaultService) UpdateVault(ctx context.Context, id int64, req *UpdateVaultRequest) (*model.Vault, error) {
	var out *model.Vault
	err := s.store.Atomic(ctx, func(tx repository.Store) error {
		vault, err := tx.Vaults().GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if req.Name != nil {
			if strings.TrimSpace(*req.Name) == "" {
				return fmt.Errorf("%w: 金库名称不能为空", apperr.ErrInvalidArgument)
			}
			vault.Name = strings.TrimSpace(*req.Name)
		}
		if req.Description != nil {
			vault.Description = *req.Description
		}
		out = vault
		return tx.Vaults().Update(ctx, vault)
	})
	return out, err
}

// DeactivateVault 停用后不再接受新的存款与分配，已有排队提现仍可处理
func (s *VaultService) DeactivateVault(ctx context.Context, id int64) error {
	return s.store.Atomic(ctx, func(tx repository.Store) error {
		vault, err := tx.Vaults().GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !vault.IsActive {
			return nil
		}
		vault.IsActive = false
		return tx.Vaults().Update(ctx, vault)
	})
}

// VaultStats 金库统计
type VaultStats struct {
	Vault                *model.Vault    `json:"vault"`
	UserCount            int64           `json:"user_count"`
	ProtocolCount        int             `json:"protocol_count"`
	AverageAPY           decimal.Decimal `json:"average_apy"`
	CompletedWithdrawals int64           `json:"completed_withdrawals"`
	PendingWithdrawals   int             `json:"pending_withdrawals"`
}

func (s *VaultService) Stats(ctx context.Context, vaultID int64) (*VaultStats, error) {
	vault, err := s.store.Vaults().GetByID(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	users, err := s.store.Balances().CountByVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	protocols, err := s.store.Protocols().ListByVault(ctx, vaultID, true)
	if err != nil {
		return nil, err
	}
	completed, err := s.store.Transactions().CountByVault(ctx, vaultID,
		model.TransactionTypeWithdraw, model.TransactionStatusCompleted)
	if err != nil {
		return nil, err
	}
	withdrawals, err := s.store.Withdrawals().ListByVault(ctx, vaultID, 0)
	if err != nil {
		return nil, err
	}

	stats := &VaultStats{
		Vault:                vault,
		UserCount:            users,
		ProtocolCount:        len(protocols),
		AverageAPY:           decimal.Zero,
		CompletedWithdrawals: completed,
	}
	if len(protocols) > 0 {
		sum := decimal.Zero
		for _, p := range protocols {
			sum = sum.Add(p.APY)
		}
		stats.AverageAPY = sum.Div(decimal.NewFromInt(int64(len(protocols)))).Round(2)
	}
	for _, w := range withdrawals {
		if w.Status == model.WithdrawalStatusQueued || w.Status == model.WithdrawalStatusReady {
			stats.PendingWithdrawals++
		}
	}
	return stats, nil
}

// VaultUserView 金库内单个用户的账本余额
type VaultUserView struct {
	UserID        int64           `json:"user_id"`
	WalletAddress string          `json:"wallet_address"`
	Balance       decimal.Decimal `json:"balance"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ListVaultUsers 按余额记录创建顺序分页
func (s *VaultService) ListVaultUsers(ctx context.Context, vaultID int64, offset, limit int) ([]*VaultUserView, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	if _, err := s.store.Vaults().GetByID(ctx, vaultID); err != nil {
		return nil, err
	}
	balances, err := s.store.Balances().ListByVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if offset >= len(balances) {
		return []*VaultUserView{}, nil
	}
	balances = balances[offset:]
	if len(balances) > limit {
		balances = balances[:limit]
	}

	views := make([]*VaultUserView, 0, len(balances))
	for _, b := range balances {
		user, err := s.store.Users().GetByID(ctx, b.UserID)
		if err != nil {
			return nil, fmt.Errorf("查询用户 %d: %w", b.UserID, err)
		}
		views = append(views, &VaultUserView{
			UserID:        b.UserID,
			WalletAddress: user.WalletAddress,
			Balance:       b.Balance,
			UpdatedAt:     b.UpdatedAt,
		})
	}
	return views, nil
}

// Audit 检查账本守恒与分配上限
func (s *VaultService) Audit(ctx context.Context, vaultID int64) (*AuditReport, error) {
	return s.ledger.Audit(ctx, s.store, vaultID)
}

// ============================================================================
// 协议
// ============================================================================

type AddProtocolRequest struct {
	VaultID     int64           `json:"vault_id" binding:"required"`
	Address     string          `json:"address" binding:"required"`
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	APY         decimal.Decimal `json:"apy"`
	RiskLevel   int             `json:"risk_level"`
}

func validateRisk(level int) error {
	if level < model.MinRiskLevel || level > model.MaxRiskLevel {
		return fmt.Errorf("%w: 风险等级必须在 %d-%d 之间", apperr.ErrInvalidArgument, model.MinRiskLevel, model.MaxRiskLevel)
	}
	return nil
}

func validateAPY(apy decimal.Decimal) error {
	if apy.IsNegative() {
		return fmt.Errorf("%w: APY 不能为负", apperr.ErrInvalidArgument)
	}
	return nil
}

func (s *VaultService) AddProtocol(ctx context.Context, req *AddProtocolRequest) (*model.Protocol, error) {
	if !common.IsHexAddress(req.Address) {
		return nil, fmt.Errorf("%w: 协议地址格式错误: %q", apperr.ErrInvalidArgument, req.Address)
	}
	if err := validateRisk(req.RiskLevel); err != nil {
		return nil, err
	}
	if err := validateAPY(req.APY); err != nil {
		return nil, err
	}
	if _, err := s.store.Vaults().GetByID(ctx, req.VaultID); err != nil {
		return nil, err
	}

	protocol := &model.Protocol{
		VaultID:         req.VaultID,
		Address:         common.HexToAddress(req.Address).Hex(),
		Name:            req.Name,
		Description:     req.Description,
		AllocatedAmount: decimal.Zero,
		APY:             req.APY,
		RiskLevel:       req.RiskLevel,
		IsActive:        true,
	}
	if err := s.store.Protocols().Create(ctx, protocol); err != nil {
		return nil, fmt.Errorf("创建协议失败: %w", err)
	}
	return protocol, nil
}

type UpdateProtocolRequest struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	APY         *decimal.Decimal `json:"apy"`
	RiskLevel   *int             `json:"risk_level"`
}

func (s *VaultService) UpdateProtocol(ctx context.Context, id int64, req *UpdateProtocolRequest) (*model.Protocol, error) {
	if req.RiskLevel != nil {
		if err := validateRisk(*req.RiskLevel); err != nil {
			return nil, err
		}
	}
	if req.APY != nil {
		if err := validateAPY(*req.APY); err != nil {
			return nil, err
		}
	}
	var out *model.Protocol
	err := s.store.Atomic(ctx, func(tx repository.Store) error {
		protocol, err := tx.Protocols().GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if req.Name != nil {
			protocol.Name = *req.Name
		}
		if req.Description != nil {
			protocol.Description = *req.Description
		}
		if req.APY != nil {
			protocol.APY = *req.APY
		}
		if req.RiskLevel != nil {
			protocol.RiskLevel = *req.RiskLevel
		}
		out = protocol
		return tx.Protocols().Update(ctx, protocol)
	})
	return out, err
}

// DeactivateProtocol 仍有分配资金的协议不能停用
func (s *VaultService) DeactivateProtocol(ctx context.Context, id int64) error {
	return s.store.Atomic(ctx, func(tx repository.Store) error {
		protocol, err := tx.Protocols().GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !protocol.IsActive {
			return nil
		}
		if !protocol.AllocatedAmount.IsZero() {
			return fmt.Errorf("%w: 协议仍有 %s 已分配资金，需先撤回", apperr.ErrInvalidStateTransition, protocol.AllocatedAmount)
		}
		protocol.IsActive = false
		return tx.Protocols().Update(ctx, protocol)
	})
}

func (s *VaultService) ListProtocols(ctx context.Context, vaultID int64, activeOnly bool) ([]*model.Protocol, error) {
	return s.store.Protocols().ListByVault(ctx, vaultID, activeOnly)
}

// TakeProtocolSnapshots 记录所有活跃协议的链上余额，返回写入条数
func (s *VaultService) TakeProtocolSnapshots(ctx context.Context) (int, error) {
	vaults, err := s.store.Vaults().List(ctx, true)
	if err != nil {
		return 0, err
	}
	block, err := s.reader.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, vault := range vaults {
		protocols, err := s.store.Protocols().ListByVault(ctx, vault.ID, true)
		if err != nil {
			return written, err
		}
		for _, p := range protocols {
			balance, err := s.reader.ProtocolBalance(ctx, common.HexToAddress(vault.Address), common.HexToAddress(p.Address))
			if err != nil {
				s.logger.Warn("读取协议余额失败，跳过快照",
					zap.Int64("vault_id", vault.ID),
					zap.Int64("protocol_id", p.ID),
					zap.Error(err),
				)
				continue
			}
			snapshot := &model.ProtocolSnapshot{
				ProtocolID:  p.ID,
				VaultID:     vault.ID,
				Balance:     chain.ToMajor(balance, vault.AssetDecimals),
				Allocated:   p.AllocatedAmount,
				APY:         p.APY,
				BlockNumber: block,
			}
			if err := s.store.Snapshots().Create(ctx, snapshot); err != nil {
				return written, err
			}
			written++
		}
	}
	return written, nil
}

// ProtocolStats 协议统计
//
// YieldGenerated 取统计窗口内最近一次快照的链上余额减去已分配本金，窗口内没有快照时为 0。
type ProtocolStats struct {
	ProtocolID      int64           `json:"protocol_id"`
	ProtocolAddress string          `json:"protocol_address"`
	ProtocolName    string          `json:"protocol_name"`
	Allocated       decimal.Decimal `json:"allocated"`
	APY             decimal.Decimal `json:"apy"`
	RiskLevel       int             `json:"risk_level"`
	YieldGenerated  decimal.Decimal `json:"yield_generated"`
	UtilizationRate decimal.Decimal `json:"utilization_rate"` // 占金库存款的百分比
	LastSnapshotAt  *time.Time      `json:"last_snapshot_at,omitempty"`
}

const (
	defaultStatsDays = 30
	maxStatsDays     = 365
)

func (s *VaultService) ProtocolStats(ctx context.Context, protocolID int64, days int) (*ProtocolStats, error) {
	if days < 1 || days > maxStatsDays {
		days = defaultStatsDays
	}
	protocol, err := s.store.Protocols().GetByID(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	return s.protocolStats(ctx, protocol, time.Now().Add(-time.Duration(days)*24*time.Hour))
}

// CompareProtocols 不存在的 id 被跳过，全部不存在时返回 NOT_FOUND
func (s *VaultService) CompareProtocols(ctx context.Context, ids []int64) ([]*ProtocolStats, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: 至少需要一个协议", apperr.ErrInvalidArgument)
	}
	since := time.Now().Add(-defaultStatsDays * 24 * time.Hour)
	seen := make(map[int64]bool, len(ids))
	out := make([]*ProtocolStats, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		protocol, err := s.store.Protocols().GetByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stats, err := s.protocolStats(ctx, protocol, since)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: 协议不存在", repository.ErrNotFound)
	}
	return out, nil
}

func (s *VaultService) protocolStats(ctx context.Context, p *model.Protocol, since time.Time) (*ProtocolStats, error) {
	vault, err := s.store.Vaults().GetByID(ctx, p.VaultID)
	if err != nil {
		return nil, err
	}
	stats := &ProtocolStats{
		ProtocolID:      p.ID,
		ProtocolAddress: p.Address,
		ProtocolName:    p.Name,
		Allocated:       p.AllocatedAmount,
		APY:             p.APY,
		RiskLevel:       p.RiskLevel,
		YieldGenerated:  decimal.Zero,
		UtilizationRate: decimal.Zero,
	}
	if vault.TotalDeposits.IsPositive() {
		stats.UtilizationRate = p.AllocatedAmount.Div(vault.TotalDeposits).Mul(decimal.NewFromInt(100)).Round(2)
	}

	latest, err := s.store.Snapshots().ListByProtocol(ctx, p.ID, 1)
	if err != nil {
		return nil, err
	}
	if len(latest) == 1 && !latest[0].CreatedAt.Before(since) {
		at := latest[0].CreatedAt
		stats.YieldGenerated = latest[0].Balance.Sub(latest[0].Allocated)
		stats.LastSnapshotAt = &at
	}
	return stats, nil
}

func (s *VaultService) ListSnapshots(ctx context.Context, protocolID int64, limit int) ([]*model.ProtocolSnapshot, error) {
	return s.store.Snapshots().ListByProtocol(ctx, protocolID, limit)
}

// ============================================================================
// 用户视图与估算
// ============================================================================

// UserBalanceView OnChain 为 nil 表示链上余额未知
type UserBalanceView struct {
	VaultID       int64            `json:"vault_id"`
	WalletAddress string           `json:"wallet_address"`
	Ledger        decimal.Decimal  `json:"ledger"`
	Earmarked     decimal.Decimal  `json:"earmarked"`
	OnChain       *decimal.Decimal `json:"on_chain"`
	OnChainError  string           `json:"on_chain_error,omitempty"`
}

func (s *VaultService) UserBalance(ctx context.Context, vaultID int64, wallet string) (*UserBalanceView, error) {
	owner, err := parseWallet(wallet)
	if err != nil {
		return nil, err
	}
	vault, err := s.store.Vaults().GetByID(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	view := &UserBalanceView{
		VaultID:       vaultID,
		WalletAddress: owner.Hex(),
		Ledger:        decimal.Zero,
		Earmarked:     decimal.Zero,
	}

	user, err := s.store.Users().GetByAddress(ctx, owner.Hex())
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		balance, err := s.store.Balances().Get(ctx, vaultID, user.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		if balance != nil {
			view.Ledger = balance.Balance
		}
		requests, err := s.store.Withdrawals().ListByVault(ctx, vaultID, user.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range requests {
			if r.Status == model.WithdrawalStatusQueued || r.Status == model.WithdrawalStatusReady {
				view.Earmarked = view.Earmarked.Add(r.Amount)
			}
		}
	}

	onchain, err := s.reader.Balance(ctx, common.HexToAddress(vault.Address), owner)
	if err != nil {
		view.OnChainError = string(apperr.KindOf(err))
		return view, nil
	}
	amount := chain.ToMajor(onchain, vault.AssetDecimals)
	view.OnChain = &amount
	return view, nil
}

// 存款引导步骤
const (
	StepConnect = "connect"
	StepApprove = "approve"
	StepDeposit = "deposit"
)

type DepositStepView struct {
	Step      string `json:"step"`
	Allowance string `json:"allowance,omitempty"`
	Unlimited bool   `json:"unlimited"`
}

// DepositStep 钱包未连接 → connect，授权不足 → approve，否则 deposit
func (s *VaultService) DepositStep(ctx context.Context, vaultID int64, wallet string, amount decimal.Decimal) (*DepositStepView, error) {
	if strings.TrimSpace(wallet) == "" {
		return &DepositStepView{Step: StepConnect}, nil
	}
	owner, err := parseWallet(wallet)
	if err != nil {
		return nil, err
	}
	vault, err := s.store.Vaults().GetByID(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	minor, err := chain.ToMinor(amount, vault.AssetDecimals)
	if err != nil {
		return nil, err
	}
	allowance, err := s.reader.Allowance(ctx, common.HexToAddress(vault.AssetAddress), owner, common.HexToAddress(vault.Address))
	if err != nil {
		return nil, err
	}

	view := &DepositStepView{
		Step:      StepDeposit,
		Allowance: chain.ToMajor(allowance, vault.AssetDecimals).String(),
		Unlimited: allowance.Cmp(s.threshold) >= 0,
	}
	if allowance.Cmp(minor) < 0 || allowance.Sign() == 0 {
		view.Step = StepApprove
	}
	return view, nil
}

type DepositEstimate struct {
	Amount             decimal.Decimal `json:"amount"`
	MinorUnits         string          `json:"minor_units"`
	TotalDepositsAfter decimal.Decimal `json:"total_deposits_after"`
}

func (s *VaultService) EstimateDeposit(ctx context.Context, vaultID int64, amount decimal.Decimal) (*DepositEstimate, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	vault, err := s.store.Vaults().GetByID(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	minor, err := chain.ToMinor(amount, vault.AssetDecimals)
	if err != nil {
		return nil, err
	}
	return &DepositEstimate{
		Amount:             amount,
		MinorUnits:         minor.String(),
		TotalDepositsAfter: vault.TotalDeposits.Add(amount),
	}, nil
}

// WithdrawalEstimate EstimatedReadyAt 只是按常规延迟推算，是否可处理以链上为准
type WithdrawalEstimate struct {
	Amount           decimal.Decimal  `json:"amount"`
	InstantAvailable bool             `json:"instant_available"`
	Liquidity        *decimal.Decimal `json:"liquidity"`
	EstimatedReadyAt time.Time        `json:"estimated_ready_at"`
}

func (s *VaultService) EstimateWithdrawal(ctx context.Context, vaultID int64, amount decimal.Decimal) (*WithdrawalEstimate, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	vault, err := s.store.Vaults().GetByID(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	minor, err := chain.ToMinor(amount, vault.AssetDecimals)
	if err != nil {
		return nil, err
	}
	est := &WithdrawalEstimate{
		Amount:           amount,
		EstimatedReadyAt: s.queue.EstimatedReadyAt(&model.WithdrawalRequest{RequestedAt: time.Now()}),
	}
	idle, err := s.reader.AssetBalance(ctx, common.HexToAddress(vault.AssetAddress), common.HexToAddress(vault.Address))
	if err != nil {
		// 流动性未知时不承诺即时提现
		return est, nil
	}
	liquidity := chain.ToMajor(idle, vault.AssetDecimals)
	est.Liquidity = &liquidity
	est.InstantAvailable = idle.Cmp(minor) >= 0 && s.ledger.ValidateSettle(vault, amount) == nil
	return est, nil
}

// ============================================================================
// 交易与提现查询
// ============================================================================

func (s *VaultService) ListTransactions(ctx context.Context, vaultID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.store.Transactions().ListByVault(ctx, vaultID, page, pageSize)
}

func (s *VaultService) GetTransaction(ctx context.Context, id int64) (*model.Transaction, error) {
	return s.store.Transactions().GetByID(ctx, id)
}

// ListWithdrawals wallet 为空时返回金库下全部请求
func (s *VaultService) ListWithdrawals(ctx context.Context, vaultID int64, wallet string) ([]*model.WithdrawalRequest, error) {
	if strings.TrimSpace(wallet) == "" {
		return s.store.Withdrawals().ListByVault(ctx, vaultID, 0)
	}
	owner, err := parseWallet(wallet)
	if err != nil {
		return nil, err
	}
	user, err := s.store.Users().GetByAddress(ctx, owner.Hex())
	if errors.Is(err, repository.ErrNotFound) {
		return []*model.WithdrawalRequest{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.store.Withdrawals().ListByVault(ctx, vaultID, user.ID)
}

func (s *VaultService) GetWithdrawal(ctx context.Context, id int64) (*model.WithdrawalRequest, error) {
	return s.store.Withdrawals().GetByID(ctx, id)
}
