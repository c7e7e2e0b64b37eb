package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Candidates CandidatesConfig `mapstructure:"candidates"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
	// PriceConcurrency 限制批量拉取价格时的并发数。
	PriceConcurrency int `mapstructure:"price_concurrency"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TradingConfig 描述目标仓位的资金与槽位参数。
type TradingConfig struct {
	Leverage     int     `mapstructure:"leverage"`
	ReserveFunds float64 `mapstructure:"reserve_funds"`
	NumLongPos   int     `mapstructure:"num_long_pos"`
	NumShortPos  int     `mapstructure:"num_short_pos"`
}

// ReconcileConfig 控制调仓循环的节奏与阈值。
type ReconcileConfig struct {
	RunBudget               time.Duration `mapstructure:"run_budget"`
	FillWait                time.Duration `mapstructure:"fill_wait"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
	PostOnlyRetryWindow     time.Duration `mapstructure:"post_only_retry_window"`
	PostOnlyRetryInterval   time.Duration `mapstructure:"post_only_retry_interval"`
	NegligibleNotional      float64       `mapstructure:"negligible_notional"`
	CancelOpenOrdersOnStart bool          `mapstructure:"cancel_open_orders_on_start"`
}

// CandidatesConfig 描述每日备选文件与黑名单位置。
type CandidatesConfig struct {
	// PathTemplate 中的 {date} 会被替换为 YYYYMMDD。
	PathTemplate  string `mapstructure:"path_template"`
	BlacklistPath string `mapstructure:"blacklist_path"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string        `mapstructure:"level"`
	Encoding         string        `mapstructure:"encoding"`
	Development      bool          `mapstructure:"development"`
	OutputPaths      []string      `mapstructure:"output_paths"`
	ErrorOutputPaths []string      `mapstructure:"error_output_paths"`
	File             LogFileConfig `mapstructure:"file"`
}

// LogFileConfig 控制滚动日志文件，Path 为空时不写文件。
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MonitorConfig 控制监控 HTTP 接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval time.Duration `mapstructure:"loop_interval"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if !strings.EqualFold(c.Exchange.Name, "binanceusdm") {
		err = multierr.Append(err, fmt.Errorf("exchange.name 暂不支持 %q", c.Exchange.Name))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Exchange.PriceConcurrency <= 0 {
		err = multierr.Append(err, errors.New("exchange.price_concurrency 必须大于0"))
	}
	if c.Trading.Leverage <= 0 || c.Trading.Leverage > 125 {
		err = multierr.Append(err, errors.New("trading.leverage 必须位于[1,125]"))
	}
	if c.Trading.ReserveFunds < 0 {
		err = multierr.Append(err, errors.New("trading.reserve_funds 不能为负"))
	}
	if c.Trading.NumLongPos < 0 || c.Trading.NumShortPos < 0 {
		err = multierr.Append(err, errors.New("trading.num_long_pos/num_short_pos 不能为负"))
	}
	if c.Trading.NumLongPos+c.Trading.NumShortPos == 0 {
		err = multierr.Append(err, errors.New("trading 至少需要一个多头或空头槽位"))
	}
	if c.Reconcile.RunBudget <= 0 {
		err = multierr.Append(err, errors.New("reconcile.run_budget 必须大于0"))
	}
	if c.Reconcile.FillWait <= 0 {
		err = multierr.Append(err, errors.New("reconcile.fill_wait 必须大于0"))
	}
	if c.Reconcile.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("reconcile.poll_interval 必须大于0"))
	}
	if c.Reconcile.PollInterval > c.Reconcile.FillWait {
		err = multierr.Append(err, errors.New("reconcile.poll_interval 不应大于 fill_wait"))
	}
	if c.Reconcile.PostOnlyRetryWindow < 0 || c.Reconcile.PostOnlyRetryInterval <= 0 {
		err = multierr.Append(err, errors.New("reconcile.post_only_retry 参数无效"))
	}
	if c.Reconcile.NegligibleNotional < 0 {
		err = multierr.Append(err, errors.New("reconcile.negligible_notional 不能为负"))
	}
	if c.Candidates.PathTemplate == "" {
		err = multierr.Append(err, errors.New("candidates.path_template 不能为空"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if c.Logging.File.Path != "" && c.Logging.File.MaxSizeMB <= 0 {
		err = multierr.Append(err, errors.New("logging.file.max_size_mb 必须大于0"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 无效"))
	}
	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// CandidatePath 返回指定日期对应的备选文件路径。
func (c CandidatesConfig) CandidatePath(day time.Time) string {
	return strings.ReplaceAll(c.PathTemplate, "{date}", day.Format("20060102"))
}
