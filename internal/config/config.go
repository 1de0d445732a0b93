package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Business BusinessConfig `mapstructure:"business"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port     int   `mapstructure:"port"`
	WorkerID int64 `mapstructure:"worker_id"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

// ChainConfig 区块链节点与签名配置
type ChainConfig struct {
	RPCURL                string   `mapstructure:"rpc_url"`
	ChainID               int64    `mapstructure:"chain_id"`
	PrivateKeys           []string `mapstructure:"private_keys"`
	ConfirmTimeoutSeconds int      `mapstructure:"confirm_timeout_seconds"`
	PollIntervalMillis    int      `mapstructure:"poll_interval_ms"`
	DefaultGasLimit       uint64   `mapstructure:"default_gas_limit"`
	ReadRetries           int      `mapstructure:"read_retries"`
	// UnlimitedAllowance 授权额度达到该值即视为无限授权（十进制最小单位字符串）
	UnlimitedAllowance string `mapstructure:"unlimited_allowance"`
}

func (c ChainConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSeconds) * time.Second
}

func (c ChainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// AllowanceThreshold 解析 unlimited_allowance
func (c ChainConfig) AllowanceThreshold() (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(c.UnlimitedAllowance), 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("chain.unlimited_allowance 不是合法的正整数: %q", c.UnlimitedAllowance)
	}
	return v, nil
}

type BusinessConfig struct {
	OperationLockTTLSeconds  int `mapstructure:"operation_lock_ttl_seconds"`
	WithdrawalDelayHours     int `mapstructure:"withdrawal_delay_hours"`
	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds"`
	ReconcileMinAgeSeconds   int `mapstructure:"reconcile_min_age_seconds"`
	StaleAfterMinutes        int `mapstructure:"stale_after_minutes"`
	ReadinessPollSeconds     int `mapstructure:"readiness_poll_seconds"`
	SnapshotIntervalMinutes  int `mapstructure:"snapshot_interval_minutes"`
	MaxRetryCount            int `mapstructure:"max_retry_count"`
}

func (b BusinessConfig) OperationLockTTL() time.Duration {
	return time.Duration(b.OperationLockTTLSeconds) * time.Second
}

func (b BusinessConfig) WithdrawalDelay() time.Duration {
	return time.Duration(b.WithdrawalDelayHours) * time.Hour
}

func (b BusinessConfig) StaleAfter() time.Duration {
	return time.Duration(b.StaleAfterMinutes) * time.Minute
}

func (b BusinessConfig) ReconcileInterval() time.Duration {
	return time.Duration(b.ReconcileIntervalSeconds) * time.Second
}

func (b BusinessConfig) ReconcileMinAge() time.Duration {
	return time.Duration(b.ReconcileMinAgeSeconds) * time.Second
}

func (b BusinessConfig) ReadinessPoll() time.Duration {
	return time.Duration(b.ReadinessPollSeconds) * time.Second
}

func (b BusinessConfig) SnapshotInterval() time.Duration {
	return time.Duration(b.SnapshotIntervalMinutes) * time.Minute
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("kafka.topic.ledger_events", "vault_ledger_events")
	v.SetDefault("chain.confirm_timeout_seconds", 120)
	v.SetDefault("chain.poll_interval_ms", 1000)
	v.SetDefault("chain.default_gas_limit", 300000)
	v.SetDefault("chain.read_retries", 3)
	// 2^256-1
	v.SetDefault("chain.unlimited_allowance",
		"115792089237316195423570985008687907853269984665640564039457584007913129639935")
	v.SetDefault("business.operation_lock_ttl_seconds", 180)
	v.SetDefault("business.withdrawal_delay_hours", 24)
	v.SetDefault("business.reconcile_interval_seconds", 30)
	v.SetDefault("business.reconcile_min_age_seconds", 60)
	v.SetDefault("business.stale_after_minutes", 30)
	v.SetDefault("business.readiness_poll_seconds", 60)
	v.SetDefault("business.snapshot_interval_minutes", 60)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("log.level", "info")
}

// LoadConfig 加载配置文件，环境变量 VAULT_* 覆盖文件中的同名配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验启动前必须满足的配置
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url 不能为空")
	}
	if c.Chain.ConfirmTimeoutSeconds <= 0 {
		return fmt.Errorf("chain.confirm_timeout_seconds 必须大于 0")
	}
	if c.Chain.PollIntervalMillis <= 0 {
		return fmt.Errorf("chain.poll_interval_ms 必须大于 0")
	}
	if _, err := c.Chain.AllowanceThreshold(); err != nil {
		return err
	}
	if c.Server.WorkerID < 0 || c.Server.WorkerID > 1023 {
		return fmt.Errorf("server.worker_id 必须在 0-1023 之间")
	}
	return nil
}
