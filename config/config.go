package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyConfig 策略仓位规则（原始值，数字或数字字符串均可，由 sizing 包统一转换）
type PolicyConfig struct {
	MaxPositionSize     string `yaml:"max_position_size" json:"max_position_size"`       // 单笔最大金额（美元）
	RiskPerTrade        string `yaml:"risk_per_trade" json:"risk_per_trade"`             // 单笔风险占现金百分比
	StopLossPercent     string `yaml:"stop_loss_percent" json:"stop_loss_percent"`       // 止损百分比（用于风险仓位计算）
	PortfolioPercentage string `yaml:"portfolio_percentage" json:"portfolio_percentage"` // 占组合价值百分比
}

// StrategyRiskConfig 策略级风控覆盖
type StrategyRiskConfig struct {
	StopLossPercent   float64 `yaml:"stop_loss_percent" json:"stop_loss_percent"`
	TakeProfitPercent float64 `yaml:"take_profit_percent" json:"take_profit_percent"`
}

// Config 系统配置
type Config struct {
	App struct {
		Name string `yaml:"name"`
		Mode string `yaml:"mode"` // paper（默认）
	} `yaml:"app"`

	System struct {
		LogLevel        string `yaml:"log_level"`
		LogDir          string `yaml:"log_dir"`
		Timezone        string `yaml:"timezone"`         // 时区，如 "America/New_York"
		ShutdownTimeout int    `yaml:"shutdown_timeout"` // 优雅退出等待时间（秒，默认30）
	} `yaml:"system"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type"`              // sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 默认 ./data/smartalpaca.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 最大打开连接数
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 最大空闲连接数
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 连接最大生命周期（秒）
		LogLevel        string `yaml:"log_level"`         // silent, error, warn, info
	} `yaml:"database"`

	// Redis（多实例部署：分布式锁 + 机器人状态）
	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		Prefix    string `yaml:"prefix"`      // 键前缀，默认 "smartalpaca:"
		BotState  bool   `yaml:"bot_state"`   // 机器人状态存 Redis（否则存数据库）
		LockTTLMs int    `yaml:"lock_ttl_ms"` // 任务认领锁过期时间（毫秒）
	} `yaml:"redis"`

	// 阶段队列
	Queue struct {
		Workers             int `yaml:"workers"`                // 并发 worker 数，默认 4
		PollIntervalMs      int `yaml:"poll_interval_ms"`       // 轮询间隔（毫秒，默认 500）
		MaxAttempts         int `yaml:"max_attempts"`           // 最大尝试次数，默认 3
		BackoffBaseSeconds  int `yaml:"backoff_base_seconds"`   // 指数退避基数（秒，默认 2）
		RetentionHours      int `yaml:"retention_hours"`        // 终态任务保留时间（小时，默认 24）
		CleanIntervalMinute int `yaml:"clean_interval_minutes"` // 清理间隔（分钟，默认 60）
		StageTimeoutSeconds int `yaml:"stage_timeout_seconds"`  // 单阶段外部调用超时（秒，默认 60）
	} `yaml:"queue"`

	// 流水线
	Pipeline struct {
		Symbols              []string `yaml:"symbols"`
		AutoCycle            bool     `yaml:"auto_cycle"`               // 机器人运行时自动发起周期
		CycleIntervalSeconds int      `yaml:"cycle_interval_seconds"`   // 自动周期间隔（秒，默认 300）
		MaxAssets            int      `yaml:"max_assets"`               // 资产筛选数量上限（默认 3）
		MonitorIntervalSecs  int      `yaml:"monitor_interval_seconds"` // 持仓盯市间隔（秒，默认 30）
	} `yaml:"pipeline"`

	// 仓位计算
	Sizing struct {
		DefaultShares int64                   `yaml:"default_shares"` // 无可用规则时的固定股数（默认 100）
		Default       PolicyConfig            `yaml:"default"`        // 未配置策略时使用的规则
		Strategies    map[string]PolicyConfig `yaml:"strategies"`
	} `yaml:"sizing"`

	// 风控
	Risk struct {
		MaxPositionPercent       float64                       `yaml:"max_position_percent"`        // 单一持仓占组合上限（%，默认 10）
		MaxExposurePercent       float64                       `yaml:"max_exposure_percent"`        // 总敞口上限（%，默认 80）
		DefaultStopLossPercent   float64                       `yaml:"default_stop_loss_percent"`   // 默认止损（%，默认 2）
		DefaultTakeProfitPercent float64                       `yaml:"default_take_profit_percent"` // 默认止盈（%，默认 6）
		ReconcileIntervalSeconds int                           `yaml:"reconcile_interval_seconds"`  // 持仓对账间隔（秒，默认 60）
		AllowShort               bool                          `yaml:"allow_short"`                 // 允许卖出开空（默认关闭）
		Strategies               map[string]StrategyRiskConfig `yaml:"strategies"`
	} `yaml:"risk"`

	// 下单
	Order struct {
		RateLimit      float64 `yaml:"rate_limit"`       // 每秒下单数（默认 5）
		Burst          int     `yaml:"burst"`            // 突发数（默认 10）
		TimeoutSeconds int     `yaml:"timeout_seconds"`  // 单次下单超时（秒，默认 10）
		LockTTLSeconds int     `yaml:"lock_ttl_seconds"` // 品种下单锁过期时间（秒，默认 5）
	} `yaml:"order"`

	// 模拟盘
	Paper struct {
		InitialCash      float64            `yaml:"initial_cash"`       // 初始现金（默认 100000）
		Prices           map[string]float64 `yaml:"prices"`             // 初始价格
		Volatility       float64            `yaml:"volatility"`         // 随机游走波动（默认 0.01）
		Seed             int64              `yaml:"seed"`               // 随机种子
		MinBacktestScore float64            `yaml:"min_backtest_score"` // 回测通过阈值（默认 0.5）
	} `yaml:"paper"`

	Metrics struct {
		Enabled         bool `yaml:"enabled"`
		CollectInterval int  `yaml:"collect_interval"` // 收集间隔（秒，默认60）
	} `yaml:"metrics"`

	Web struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`    // 默认 0.0.0.0
		Port    int    `yaml:"port"`    // 默认 8080
		APIKey  string `yaml:"api_key"` // 可选
	} `yaml:"web"`

	Notifications struct {
		Enabled bool `yaml:"enabled"`
		Webhook struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
			Timeout int    `yaml:"timeout"` // 超时时间（秒，默认3）
		} `yaml:"webhook"`
	} `yaml:"notifications"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节解析配置，填充默认值并校验
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &cfg, nil
}

// SaveConfig 保存配置
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	return os.WriteFile(configPath, data, 0644)
}

// ApplyDefaults 填充默认值
func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "smartalpaca"
	}
	if c.App.Mode == "" {
		c.App.Mode = "paper"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.ShutdownTimeout <= 0 {
		c.System.ShutdownTimeout = 30
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Type == "sqlite" {
		c.Database.DSN = "./data/smartalpaca.db"
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "smartalpaca:"
	}
	if c.Redis.LockTTLMs <= 0 {
		c.Redis.LockTTLMs = 120000
	}

	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.PollIntervalMs <= 0 {
		c.Queue.PollIntervalMs = 500
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.BackoffBaseSeconds <= 0 {
		c.Queue.BackoffBaseSeconds = 2
	}
	if c.Queue.RetentionHours <= 0 {
		c.Queue.RetentionHours = 24
	}
	if c.Queue.CleanIntervalMinute <= 0 {
		c.Queue.CleanIntervalMinute = 60
	}
	if c.Queue.StageTimeoutSeconds <= 0 {
		c.Queue.StageTimeoutSeconds = 60
	}

	if c.Pipeline.CycleIntervalSeconds <= 0 {
		c.Pipeline.CycleIntervalSeconds = 300
	}
	if c.Pipeline.MaxAssets <= 0 {
		c.Pipeline.MaxAssets = 3
	}
	if c.Pipeline.MonitorIntervalSecs <= 0 {
		c.Pipeline.MonitorIntervalSecs = 30
	}

	if c.Sizing.DefaultShares <= 0 {
		c.Sizing.DefaultShares = 100
	}

	if c.Risk.MaxPositionPercent <= 0 {
		c.Risk.MaxPositionPercent = 10
	}
	if c.Risk.ReconcileIntervalSeconds <= 0 {
		c.Risk.ReconcileIntervalSeconds = 60
	}
	if c.Risk.MaxExposurePercent <= 0 {
		c.Risk.MaxExposurePercent = 80
	}
	if c.Risk.DefaultStopLossPercent <= 0 {
		c.Risk.DefaultStopLossPercent = 2
	}
	if c.Risk.DefaultTakeProfitPercent <= 0 {
		c.Risk.DefaultTakeProfitPercent = 6
	}

	if c.Order.RateLimit <= 0 {
		c.Order.RateLimit = 5
	}
	if c.Order.Burst <= 0 {
		c.Order.Burst = 10
	}
	if c.Order.TimeoutSeconds <= 0 {
		c.Order.TimeoutSeconds = 10
	}
	if c.Order.LockTTLSeconds <= 0 {
		c.Order.LockTTLSeconds = 5
	}

	if c.Paper.InitialCash <= 0 {
		c.Paper.InitialCash = 100000
	}
	if c.Paper.Volatility <= 0 {
		c.Paper.Volatility = 0.01
	}
	if c.Paper.MinBacktestScore <= 0 {
		c.Paper.MinBacktestScore = 0.5
	}

	if c.Metrics.CollectInterval <= 0 {
		c.Metrics.CollectInterval = 60
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port <= 0 {
		c.Web.Port = 8080
	}

	if c.Notifications.Webhook.Timeout <= 0 {
		c.Notifications.Webhook.Timeout = 3
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("数据库 DSN 不能为空")
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts 必须 >= 1")
	}

	if len(c.Pipeline.Symbols) == 0 {
		return fmt.Errorf("pipeline.symbols 不能为空")
	}
	for _, s := range c.Pipeline.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("pipeline.symbols 包含空交易标的")
		}
	}

	if c.Risk.MaxPositionPercent > 100 {
		return fmt.Errorf("risk.max_position_percent 不能超过 100")
	}
	if c.Risk.MaxExposurePercent > 1000 {
		return fmt.Errorf("risk.max_exposure_percent 不合理: %.2f", c.Risk.MaxExposurePercent)
	}
	for name, s := range c.Risk.Strategies {
		if s.StopLossPercent < 0 || s.StopLossPercent >= 100 {
			return fmt.Errorf("策略 %s 止损百分比无效: %.2f", name, s.StopLossPercent)
		}
		if s.TakeProfitPercent < 0 {
			return fmt.Errorf("策略 %s 止盈百分比无效: %.2f", name, s.TakeProfitPercent)
		}
	}

	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return fmt.Errorf("已启用 Webhook 通知但未配置 URL")
	}

	if c.System.Timezone != "" {
		if _, err := time.LoadLocation(c.System.Timezone); err != nil {
			return fmt.Errorf("无效的时区 %s: %w", c.System.Timezone, err)
		}
	}

	return nil
}

// PollInterval 轮询间隔
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMs) * time.Millisecond
}

// BackoffBase 退避基数
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Queue.BackoffBaseSeconds) * time.Second
}

// Retention 终态任务保留时间
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Queue.RetentionHours) * time.Hour
}

// StageTimeout 单阶段超时
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Queue.StageTimeoutSeconds) * time.Second
}

// PolicyFor 返回策略的仓位规则，未配置时返回默认规则
func (c *Config) PolicyFor(strategy string) PolicyConfig {
	if p, ok := c.Sizing.Strategies[strategy]; ok {
		return p
	}
	return c.Sizing.Default
}
