package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config 全部运行配置。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Data     DataConfig     `mapstructure:"data"`
	Source   SourceConfig   `mapstructure:"source"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	Strategy StrategyConfig `mapstructure:"strategy"`
}

// ServerConfig HTTP 服务。
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig 日志级别与输出文件（为空时只打到 stdout）。
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DataConfig 本地数据目录：K 线缓存与回测结果都放在这里。
type DataConfig struct {
	Root string `mapstructure:"root"`
}

// SourceConfig 上游 K 线数据源。
type SourceConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
	MaxBatch        int    `mapstructure:"max_batch"`
}

// BacktestConfig 回测执行参数。
type BacktestConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// StrategyConfig 策略模板与存量策略库。
type StrategyConfig struct {
	KindsFile string `mapstructure:"kinds_file"`
	StoreFile string `mapstructure:"store_file"`
}

// Load 读取 YAML 配置，环境变量以 STRATBOX_ 前缀覆盖同名键
// （如 STRATBOX_SERVER_ADDR）。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("STRATBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":9991"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Data.Root == "" {
		c.Data.Root = "data"
	}
	if c.Source.RateLimitPerMin <= 0 {
		c.Source.RateLimitPerMin = 480
	}
	if c.Source.MaxBatch <= 0 {
		c.Source.MaxBatch = 1000
	}
	if c.Backtest.MaxConcurrent <= 0 {
		c.Backtest.MaxConcurrent = 2
	}
	if c.Strategy.StoreFile == "" {
		c.Strategy.StoreFile = "data/strategies.db"
	}
}

func validate(c *Config) error {
	if c.Source.MaxBatch > 1500 {
		return fmt.Errorf("source.max_batch 超出数据源单次上限 1500")
	}
	if !strings.Contains(c.Server.Addr, ":") {
		return fmt.Errorf("server.addr 需要是 host:port 形式: %s", c.Server.Addr)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level 非法: %s", c.Log.Level)
	}
	return nil
}
