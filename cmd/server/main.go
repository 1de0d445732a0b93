package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vaultledger/internal/chain"
	"vaultledger/internal/config"
	"vaultledger/internal/handler"
	"vaultledger/internal/infrastructure/cache"
	"vaultledger/internal/infrastructure/database"
	"vaultledger/internal/infrastructure/lock"
	"vaultledger/internal/infrastructure/logging"
	"vaultledger/internal/infrastructure/mq"
	"vaultledger/internal/job"
	"vaultledger/internal/repository"
	"vaultledger/internal/service"
	"vaultledger/pkg/idgen"
	"vaultledger/pkg/metrics"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids, err := idgen.NewSnowflake(cfg.Server.WorkerID)
	if err != nil {
		return err
	}

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL, logger)
	if err != nil {
		return err
	}
	store := repository.NewGormStore(db)

	// 多实例部署时 nonce 与操作锁必须走 Redis
	var locker lock.Locker
	if cfg.Redis.Enabled {
		rdb, err := cache.InitRedis(&cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, cfg.Business.OperationLockTTL())
	} else {
		logger.Warn("未启用 Redis，使用进程内锁，只能单实例部署")
		locker = lock.NewLocalLocker()
	}

	// 初始化 Kafka
	publisher, err := mq.NewKafkaPublisher(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// 区块链
	client, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
	if err != nil {
		return fmt.Errorf("连接区块链节点失败: %w", err)
	}
	defer client.Close()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("读取链 ID 失败: %w", err)
	}
	keys, err := chain.NewKeystore(cfg.Chain.PrivateKeys)
	if err != nil {
		return err
	}

	m := metrics.New()
	nonces := chain.NewNonceManager(client, locker, logger)
	nonces.SetGapTimeout(cfg.Business.StaleAfter())
	pipeline := chain.NewPipeline(client, keys, nonces, chain.PipelineOptions{
		ChainID:         chainID,
		ConfirmTimeout:  cfg.Chain.ConfirmTimeout(),
		PollInterval:    cfg.Chain.PollInterval(),
		DefaultGasLimit: cfg.Chain.DefaultGasLimit,
	}, m, logger)
	reader := chain.NewReader(client, cfg.Chain.ReadRetries, m, logger)

	coordinator, err := service.NewCoordinator(store, pipeline, reader, locker, ids, cfg, m, logger)
	if err != nil {
		return err
	}
	vaults, err := service.NewVaultService(store, reader, coordinator, cfg, logger)
	if err != nil {
		return err
	}

	// 启动后台任务
	outboxSender := job.NewOutboxSender(store, publisher, cfg, m, logger)
	go outboxSender.Start(ctx)

	reconcileJob := job.NewReconcileJob(coordinator, cfg, logger)
	go reconcileJob.Start(ctx)

	readinessJob := job.NewWithdrawalReadinessJob(coordinator.Queue(), cfg, logger)
	go readinessJob.Start(ctx)

	snapshotJob := job.NewProtocolSnapshotJob(vaults, cfg, logger)
	go snapshotJob.Start(ctx)

	router := handler.SetupRouter(handler.NewHandler(vaults, coordinator, logger), m, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("服务启动", zap.Int("port", cfg.Server.Port), zap.String("chain_id", chainID.String()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	logger.Info("正在关闭服务...")
	cancel()

	// 未确认的交易留在 processing，由对账任务收尾
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("服务关闭异常", zap.Error(err))
	}

	logger.Info("服务已关闭")
	return nil
}
