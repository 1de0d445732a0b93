package handler

import (
	"net/http"

	"vaultledger/pkg/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, m *metrics.Collector, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		vaults := api.Group("/vaults")
		{
			vaults.POST("", h.CreateVault)
			vaults.GET("", h.ListVaults)
			vaults.GET("/address/:address", h.GetVaultByAddress)
			vaults.GET("/:id", h.GetVault)
			vaults.PUT("/:id", h.UpdateVault)
			vaults.POST("/:id/deactivate", h.DeactivateVault)
			vaults.GET("/:id/stats", h.VaultStats)
			vaults.GET("/:id/audit", h.AuditVault)
			vaults.POST("/:id/sync-yield", h.SyncYield)
			vaults.GET("/:id/transactions", h.ListTransactions)
			vaults.GET("/:id/withdrawals", h.ListWithdrawals)
			vaults.GET("/:id/protocols", h.ListProtocols)
			vaults.GET("/:id/balance", h.UserBalance)
			vaults.GET("/:id/users", h.ListVaultUsers)
			vaults.GET("/:id/deposit-step", h.DepositStep)
			vaults.GET("/:id/estimate/deposit", h.EstimateDeposit)
			vaults.GET("/:id/estimate/withdraw", h.EstimateWithdrawal)
		}

		protocols := api.Group("/protocols")
		{
			protocols.POST("", h.AddProtocol)
			protocols.GET("/compare", h.CompareProtocols)
			protocols.GET("/:id/stats", h.ProtocolStats)
			protocols.PUT("/:id", h.UpdateProtocol)
			protocols.POST("/:id/deactivate", h.DeactivateProtocol)
			protocols.GET("/:id/snapshots", h.ListSnapshots)
			protocols.POST("/:id/allocate", h.Allocate)
			protocols.POST("/:id/deallocate", h.Deallocate)
		}

		api.POST("/approve", h.Approve)
		api.POST("/deposit", h.Deposit)
		api.POST("/withdraw", h.Withdraw)

		withdrawals := api.Group("/withdrawals")
		{
			withdrawals.GET("/:id", h.GetWithdrawal)
			withdrawals.POST("/:id/process", h.ProcessWithdrawal)
			withdrawals.POST("/:id/cancel", h.CancelWithdrawal)
		}

		transactions := api.Group("/transactions")
		{
			transactions.GET("/:id", h.GetTransaction)
			transactions.POST("/:id/reconcile", h.ReconcileTransaction)
		}
	}

	r.GET("/metrics", gin.WrapH(m.Handler()))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
