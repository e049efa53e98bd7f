package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenMCP-Settlement/pkg/logger"
)

const (
	// EnvPath 指定配置文件路径的环境变量。
	EnvPath = "SETTLEMENT_CONFIG"
	// DefaultPath 是未设置环境变量时读取的配置文件。
	DefaultPath = "configs/settlement.yaml"
)

// Config 描述结算层在启动阶段需要加载的全部配置。
type Config struct {
	Logger      logger.Config     `yaml:"logger"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Escrow      EscrowConfig      `yaml:"escrow"`
	Credit      CreditConfig      `yaml:"credit"`
	FlashLoan   FlashLoanConfig   `yaml:"flashloan"`
	Failover    FailoverConfig    `yaml:"failover"`
	Events      EventsConfig      `yaml:"events"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// EscrowConfig 控制托管账户的默认参数。
type EscrowConfig struct {
	Currency string `yaml:"currency"`
}

// CreditConfig 描述信用评分的默认额度与分档参数。
type CreditConfig struct {
	DefaultScore        int                     `yaml:"default_score"`
	DefaultTier         string                  `yaml:"default_tier"`
	DefaultLimit        float64                 `yaml:"default_limit"`
	DefaultDailyLimit   float64                 `yaml:"default_daily_limit"`
	DefaultMonthlyLimit float64                 `yaml:"default_monthly_limit"`
	CollateralFactor    float64                 `yaml:"collateral_factor"`
	TierLimits          map[string]float64      `yaml:"tier_limits"`
	TierDiscounts       map[string]float64      `yaml:"tier_discounts"`
	Persistence         CreditPersistenceConfig `yaml:"persistence"`
}

// CreditPersistenceConfig 控制信用数据的落盘策略。
type CreditPersistenceConfig struct {
	Path                    string        `yaml:"path"`
	MaxTransactionsPerAgent int           `yaml:"max_transactions_per_agent"`
	Debounce                time.Duration `yaml:"debounce"`
	AutoSaveInterval        time.Duration `yaml:"auto_save_interval"`
	StrictIntegrity         bool          `yaml:"strict_integrity"`
}

// FlashLoanConfig 描述闪电贷的费率与流动性约束。
type FlashLoanConfig struct {
	PoolID           string        `yaml:"pool_id"`
	FeeRate          float64       `yaml:"fee_rate"`
	MaxPoolRatio     float64       `yaml:"max_pool_ratio"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	HistorySize      int           `yaml:"history_size"`
	// PoolLiquidity 仅用于内置的内存流动性池。
	PoolLiquidity float64 `yaml:"pool_liquidity"`
}

// FailoverConfig 描述熔断器阈值。
type FailoverConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HistorySize      int           `yaml:"history_size"`
}

// EventsConfig 决定聚合事件流转发到哪里。
type EventsConfig struct {
	Driver         string         `yaml:"driver"`
	QueueSize      int            `yaml:"queue_size"`
	DeliverTimeout time.Duration  `yaml:"deliver_timeout"`
	Redis          RedisConfig    `yaml:"redis"`
	RabbitMQ       RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 发布通道。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// RabbitMQConfig 描述 RabbitMQ 交换机。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Durable  bool   `yaml:"durable"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// MaintenanceConfig 使用 cron 表达式描述周期任务。
type MaintenanceConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DailyResetSpec   string `yaml:"daily_reset"`
	MonthlyResetSpec string `yaml:"monthly_reset"`
	AccountAgeSpec   string `yaml:"account_age"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv 读取 SETTLEMENT_CONFIG 指向的文件。未设置且默认文件不存在时返回默认配置。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvPath))
	if path != "" {
		return Load(path)
	}
	if _, err := os.Stat(DefaultPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("检查默认配置失败: %w", err)
	}
	return Load(DefaultPath)
}

// Default 返回全部字段均为默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if len(c.Logger.OutputPaths) == 0 {
		c.Logger.OutputPaths = []string{"stdout"}
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Logger.Audit.Enabled && c.Logger.Audit.Path == "" {
		c.Logger.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.Escrow.Currency == "" {
		c.Escrow.Currency = "USDC"
	}

	c.applyCreditDefaults(baseDir)

	if c.FlashLoan.PoolID == "" {
		c.FlashLoan.PoolID = "main"
	}
	if c.FlashLoan.FeeRate == 0 {
		c.FlashLoan.FeeRate = 0.0005
	}
	if c.FlashLoan.MaxPoolRatio == 0 {
		c.FlashLoan.MaxPoolRatio = 0.5
	}
	if c.FlashLoan.MaxExecutionTime == 0 {
		c.FlashLoan.MaxExecutionTime = 30 * time.Second
	}
	if c.FlashLoan.HistorySize == 0 {
		c.FlashLoan.HistorySize = 1000
	}
	if c.FlashLoan.PoolLiquidity == 0 {
		c.FlashLoan.PoolLiquidity = 1_000_000
	}

	if c.Failover.FailureThreshold == 0 {
		c.Failover.FailureThreshold = 3
	}
	if c.Failover.SuccessThreshold == 0 {
		c.Failover.SuccessThreshold = 2
	}
	if c.Failover.ResetTimeout == 0 {
		c.Failover.ResetTimeout = 30 * time.Second
	}
	if c.Failover.HistorySize == 0 {
		c.Failover.HistorySize = 1000
	}

	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.QueueSize <= 0 {
		c.Events.QueueSize = 1024
	}
	if c.Events.DeliverTimeout <= 0 {
		c.Events.DeliverTimeout = 5 * time.Second
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9464"
	}

	if c.Maintenance.DailyResetSpec == "" {
		c.Maintenance.DailyResetSpec = "0 0 * * *"
	}
	if c.Maintenance.MonthlyResetSpec == "" {
		c.Maintenance.MonthlyResetSpec = "0 0 1 * *"
	}
	if c.Maintenance.AccountAgeSpec == "" {
		c.Maintenance.AccountAgeSpec = "@hourly"
	}
}

func (c *Config) applyCreditDefaults(baseDir string) {
	cc := &c.Credit
	if cc.DefaultScore == 0 {
		cc.DefaultScore = 650
	}
	if cc.DefaultTier == "" {
		cc.DefaultTier = "good"
	}
	if cc.DefaultLimit == 0 {
		cc.DefaultLimit = 1000
	}
	if cc.DefaultDailyLimit == 0 {
		cc.DefaultDailyLimit = 500
	}
	if cc.DefaultMonthlyLimit == 0 {
		cc.DefaultMonthlyLimit = cc.DefaultLimit
	}
	if cc.CollateralFactor == 0 {
		cc.CollateralFactor = 0.5
	}

	limits := map[string]float64{
		"exceptional": 10000,
		"excellent":   5000,
		"good":        1000,
		"fair":        500,
		"subprime":    100,
	}
	discounts := map[string]float64{
		"exceptional": 0.2,
		"excellent":   0.15,
		"good":        0.1,
		"fair":        0.05,
		"subprime":    0,
	}
	if cc.TierLimits == nil {
		cc.TierLimits = map[string]float64{}
	}
	if cc.TierDiscounts == nil {
		cc.TierDiscounts = map[string]float64{}
	}
	for tier, limit := range limits {
		if _, ok := cc.TierLimits[tier]; !ok {
			cc.TierLimits[tier] = limit
		}
	}
	for tier, discount := range discounts {
		if _, ok := cc.TierDiscounts[tier]; !ok {
			cc.TierDiscounts[tier] = discount
		}
	}

	p := &cc.Persistence
	if p.Path == "" {
		p.Path = filepath.Join(c.Runtime.DataDir, "credit-data.json")
	} else if !filepath.IsAbs(p.Path) {
		p.Path = filepath.Join(baseDir, p.Path)
	}
	if p.MaxTransactionsPerAgent == 0 {
		p.MaxTransactionsPerAgent = 100
	}
	if p.Debounce == 0 {
		p.Debounce = time.Second
	}
	if p.AutoSaveInterval == 0 {
		p.AutoSaveInterval = 30 * time.Second
	}
}

// Validate 检查无法通过默认值修正的配置错误。
func (c *Config) Validate() error {
	if c.Credit.DefaultScore < 300 || c.Credit.DefaultScore > 850 {
		return fmt.Errorf("credit.default_score 必须位于 [300,850]，当前为 %d", c.Credit.DefaultScore)
	}
	switch c.Credit.DefaultTier {
	case "exceptional", "excellent", "good", "fair", "subprime":
	default:
		return fmt.Errorf("credit.default_tier 未知分档 %q", c.Credit.DefaultTier)
	}
	if c.Credit.DefaultLimit < 0 || c.Credit.DefaultDailyLimit < 0 || c.Credit.DefaultMonthlyLimit < 0 {
		return errors.New("credit 默认额度不能为负数")
	}
	if c.FlashLoan.FeeRate < 0 || c.FlashLoan.FeeRate >= 1 {
		return fmt.Errorf("flashloan.fee_rate 必须位于 [0,1)，当前为 %v", c.FlashLoan.FeeRate)
	}
	if c.FlashLoan.MaxPoolRatio <= 0 || c.FlashLoan.MaxPoolRatio > 1 {
		return fmt.Errorf("flashloan.max_pool_ratio 必须位于 (0,1]，当前为 %v", c.FlashLoan.MaxPoolRatio)
	}
	if c.Failover.FailureThreshold < 1 {
		return errors.New("failover.failure_threshold 至少为 1")
	}
	switch c.Events.Driver {
	case "memory", "log":
	case "redis":
		if c.Events.Redis.Address == "" {
			return errors.New("events.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			return errors.New("events.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的事件驱动: %s", c.Events.Driver)
	}
	return nil
}
