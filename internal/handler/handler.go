package handler

import (
	"context"
	"strconv"
	"strings"

	"vaultledger/internal/service"
	"vaultledger/pkg/apperr"
	"vaultledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler 统一处理器
type Handler struct {
	vaults      *service.VaultService
	coordinator *service.Coordinator
	logger      *zap.Logger
}

func NewHandler(vaults *service.VaultService, coordinator *service.Coordinator, logger *zap.Logger) *Handler {
	return &Handler{
		vaults:      vaults,
		coordinator: coordinator,
		logger:      logger.Named("handler"),
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return id, true
}

func queryAmount(c *gin.Context) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		response.ParamError(c, "amount 参数错误")
		return decimal.Zero, false
	}
	return amount, true
}

// operationResult 交易已广播但未确认时返回 202 与交易信息，客户端凭 transaction_id 轮询
func (h *Handler) operationResult(c *gin.Context, result *service.OperationResult, err error) {
	if err == nil {
		response.Success(c, result)
		return
	}
	if result != nil && apperr.IsIndeterminate(err) {
		response.Pending(c, err, result)
		return
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		h.logger.Error("请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
	}
	response.Error(c, err)
}

func (h *Handler) fail(c *gin.Context, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		h.logger.Error("请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
	}
	response.Error(c, err)
}

// ============================================================
// 金库
// ============================================================

// CreateVault 注册金库，资产信息从链上读取
// POST /api/v1/vaults
func (h *Handler) CreateVault(c *gin.Context) {
	var req service.CreateVaultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	vault, err := h.vaults.CreateVault(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, vault)
}

// ListVaults GET /api/v1/vaults?active=true
func (h *Handler) ListVaults(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	vaults, err := h.vaults.ListVaults(c.Request.Context(), activeOnly)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": vaults})
}

// GetVault GET /api/v1/vaults/:id
func (h *Handler) GetVault(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	vault, err := h.vaults.GetVault(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, vault)
}

// GetVaultByAddress GET /api/v1/vaults/address/:address
func (h *Handler) GetVaultByAddress(c *gin.Context) {
	vault, err := h.vaults.GetVaultByAddress(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, vault)
}

// ListVaultUsers GET /api/v1/vaults/:id/users?offset=0&limit=100
func (h *Handler) ListVaultUsers(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.vaults.ListVaultUsers(c.Request.Context(), id, offset, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": list})
}

// UpdateVault PUT /api/v1/vaults/:id
func (h *Handler) UpdateVault(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.UpdateVaultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	vault, err := h.vaults.UpdateVault(c.Request.Context(), id, &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, vault)
}

// DeactivateVault POST /api/v1/vaults/:id/deactivate
func (h *Handler) DeactivateVault(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.vaults.DeactivateVault(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"message": "金库已停用"})
}

// VaultStats GET /api/v1/vaults/:id/stats
func (h *Handler) VaultStats(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	stats, err := h.vaults.Stats(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, stats)
}

// AuditVault 校验账本守恒关系
// GET /api/v1/vaults/:id/audit
func (h *Handler) AuditVault(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	report, err := h.vaults.Audit(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, report)
}

// SyncYield 把链上新增收益记入账本
// POST /api/v1/vaults/:id/sync-yield
func (h *Handler) SyncYield(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	result, err := h.coordinator.SyncYield(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if result == nil {
		response.Success(c, gin.H{"message": "没有新增收益"})
		return
	}
	response.Success(c, result)
}

// ListTransactions GET /api/v1/vaults/:id/transactions?page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	list, total, err := h.vaults.ListTransactions(c.Request.Context(), id, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ListWithdrawals GET /api/v1/vaults/:id/withdrawals?wallet=0x...
func (h *Handler) ListWithdrawals(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	list, err := h.vaults.ListWithdrawals(c.Request.Context(), id, c.Query("wallet"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": list})
}

// ListProtocols GET /api/v1/vaults/:id/protocols?active=true
func (h *Handler) ListProtocols(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	list, err := h.vaults.ListProtocols(c.Request.Context(), id, c.Query("active") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": list})
}

// ============================================================
// 用户视图
// ============================================================

// UserBalance 账本余额与链上余额，链上读取失败不影响账本部分
// GET /api/v1/vaults/:id/balance?wallet=0x...
func (h *Handler) UserBalance(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	view, err := h.vaults.UserBalance(c.Request.Context(), id, c.Query("wallet"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, view)
}

// DepositStep GET /api/v1/vaults/:id/deposit-step?wallet=0x...&amount=100
func (h *Handler) DepositStep(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	amount, ok := queryAmount(c)
	if !ok {
		return
	}
	view, err := h.vaults.DepositStep(c.Request.Context(), id, c.Query("wallet"), amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, view)
}

// EstimateDeposit GET /api/v1/vaults/:id/estimate/deposit?amount=100
func (h *Handler) EstimateDeposit(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	amount, ok := queryAmount(c)
	if !ok {
		return
	}
	estimate, err := h.vaults.EstimateDeposit(c.Request.Context(), id, amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, estimate)
}

// EstimateWithdrawal GET /api/v1/vaults/:id/estimate/withdraw?amount=100
func (h *Handler) EstimateWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	amount, ok := queryAmount(c)
	if !ok {
		return
	}
	estimate, err := h.vaults.EstimateWithdrawal(c.Request.Context(), id, amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, estimate)
}

// ============================================================
// 协议
// ============================================================

// AddProtocol POST /api/v1/protocols
func (h *Handler) AddProtocol(c *gin.Context) {
	var req service.AddProtocolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	protocol, err := h.vaults.AddProtocol(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, protocol)
}

// UpdateProtocol PUT /api/v1/protocols/:id
func (h *Handler) UpdateProtocol(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.UpdateProtocolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	protocol, err := h.vaults.UpdateProtocol(c.Request.Context(), id, &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, protocol)
}

// DeactivateProtocol 仍有分配资金的协议不能停用
// POST /api/v1/protocols/:id/deactivate
func (h *Handler) DeactivateProtocol(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.vaults.DeactivateProtocol(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"message": "协议已停用"})
}

// ListSnapshots GET /api/v1/protocols/:id/snapshots?limit=50
func (h *Handler) ListSnapshots(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.vaults.ListSnapshots(c.Request.Context(), id, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": list})
}

// ProtocolStats GET /api/v1/protocols/:id/stats?days=30
func (h *Handler) ProtocolStats(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	stats, err := h.vaults.ProtocolStats(c.Request.Context(), id, days)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, stats)
}

// CompareProtocols GET /api/v1/protocols/compare?ids=1,2,3
func (h *Handler) CompareProtocols(c *gin.Context) {
	var ids []int64
	for _, raw := range strings.Split(c.Query("ids"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			response.ParamError(c, "ids 参数错误")
			return
		}
		ids = append(ids, id)
	}
	list, err := h.vaults.CompareProtocols(c.Request.Context(), ids)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": list})
}

type amountBody struct {
	Amount decimal.Decimal `json:"amount"`
}

// Allocate POST /api/v1/protocols/:id/allocate
func (h *Handler) Allocate(c *gin.Context) {
	h.allocation(c, h.coordinator.Allocate)
}

// Deallocate POST /api/v1/protocols/:id/deallocate
func (h *Handler) Deallocate(c *gin.Context) {
	h.allocation(c, h.coordinator.Deallocate)
}

func (h *Handler) allocation(c *gin.Context, op func(ctx context.Context, req *service.AllocationRequest) (*service.OperationResult, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body amountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := op(c.Request.Context(), &service.AllocationRequest{ProtocolID: id, Amount: body.Amount})
	h.operationResult(c, result, err)
}

// ============================================================
// 存取款
// ============================================================

// Approve 授权金库划转代币，amount 为空时按无限额度授权
// POST /api/v1/approve
func (h *Handler) Approve(c *gin.Context) {
	var req service.ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.coordinator.Approve(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// Deposit 存款
// POST /api/v1/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req service.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.coordinator.Deposit(c.Request.Context(), &req)
	h.operationResult(c, result, err)
}

// Withdraw instant=true 即时提现，否则进入链上提现队列
// POST /api/v1/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req service.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.coordinator.Withdraw(c.Request.Context(), &req)
	h.operationResult(c, result, err)
}

// GetWithdrawal GET /api/v1/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	req, err := h.vaults.GetWithdrawal(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, req)
}

// ProcessWithdrawal 由管理员执行已就绪的提现
// POST /api/v1/withdrawals/:id/process
func (h *Handler) ProcessWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	result, err := h.coordinator.ProcessWithdrawal(c.Request.Context(), id)
	h.operationResult(c, result, err)
}

// CancelWithdrawal POST /api/v1/withdrawals/:id/cancel
func (h *Handler) CancelWithdrawal(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body struct {
		WalletAddress string `json:"wallet_address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.coordinator.CancelWithdrawal(c.Request.Context(), &service.CancelWithdrawalRequest{
		WithdrawalID:  id,
		WalletAddress: body.WalletAddress,
	})
	h.operationResult(c, result, err)
}

// ============================================================
// 交易
// ============================================================

// GetTransaction GET /api/v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	tx, err := h.vaults.GetTransaction(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, tx)
}

// ReconcileTransaction 立即对一笔交易按链上状态对账
// POST /api/v1/transactions/:id/reconcile
func (h *Handler) ReconcileTransaction(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	outcome, err := h.coordinator.Reconcile(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	tx, err := h.vaults.GetTransaction(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"outcome":     outcome,
		"transaction": tx,
	})
}
