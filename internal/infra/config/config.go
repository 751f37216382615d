package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Download  DownloadConfig  `mapstructure:"download" yaml:"download"`
	Bandwidth BandwidthConfig `mapstructure:"bandwidth" yaml:"bandwidth"`
	Progress  ProgressConfig  `mapstructure:"progress" yaml:"progress"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`

	Port string `mapstructure:"port" yaml:"port"`
}

type DownloadConfig struct {
	Dir            string        `mapstructure:"dir" yaml:"dir"`
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	ChunkSize      int64         `mapstructure:"chunk_size" yaml:"chunk_size"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
}

type BandwidthConfig struct {
	// Rate is the total refill rate in bytes/sec shared by all active
	// transfers. Zero disables throttling.
	Rate  int64 `mapstructure:"rate" yaml:"rate"`
	Burst int64 `mapstructure:"burst" yaml:"burst"`

	// Weighted round-robin shares when the bucket is saturated.
	WeightHigh   int `mapstructure:"weight_high" yaml:"weight_high"`
	WeightNormal int `mapstructure:"weight_normal" yaml:"weight_normal"`
	WeightLow    int `mapstructure:"weight_low" yaml:"weight_low"`
}

type ProgressConfig struct {
	// A job's progress is republished at most once per Interval or per
	// PercentStep of completion, whichever fires first.
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	PercentStep float64       `mapstructure:"percent_step" yaml:"percent_step"`
}

type LogConfig struct {
	Level         string `mapstructure:"level" yaml:"level"`
	Path          string `mapstructure:"path" yaml:"path"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	v := viper.New()

	// Set Defaults
	v.SetDefault("port", "8080")
	v.SetDefault("download.dir", "./downloads")
	v.SetDefault("download.concurrency", 2)
	v.SetDefault("download.chunk_size", 1024*1024)
	v.SetDefault("download.max_attempts", 3)
	v.SetDefault("download.retry_base_delay", "2s")
	v.SetDefault("download.retry_max_delay", "30s")
	v.SetDefault("bandwidth.rate", 0)
	v.SetDefault("bandwidth.burst", 4*1024*1024)
	v.SetDefault("bandwidth.weight_high", 4)
	v.SetDefault("bandwidth.weight_normal", 2)
	v.SetDefault("bandwidth.weight_low", 1)
	v.SetDefault("progress.interval", "500ms")
	v.SetDefault("progress.percent_step", 1.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.sqlite_path", "fetchd.db")

	// The config file is optional: defaults plus env vars are a complete
	// configuration for the engine.
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// Support Environment Variables
	v.SetEnvPrefix("FETCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.normalize()
	return &cfg, nil
}

// normalize clamps nonsense values to sane ones rather than failing startup.
func (c *Config) normalize() {
	if c.Download.Concurrency <= 0 {
		c.Download.Concurrency = 2
	}
	if c.Download.ChunkSize <= 0 {
		c.Download.ChunkSize = 1024 * 1024
	}
	if c.Download.MaxAttempts <= 0 {
		c.Download.MaxAttempts = 3
	}
	if c.Download.RetryBaseDelay <= 0 {
		c.Download.RetryBaseDelay = 2 * time.Second
	}
	if c.Download.RetryMaxDelay < c.Download.RetryBaseDelay {
		c.Download.RetryMaxDelay = 30 * time.Second
	}
	if c.Bandwidth.Rate < 0 {
		c.Bandwidth.Rate = 0
	}
	if c.Bandwidth.Burst <= 0 {
		c.Bandwidth.Burst = 4 * 1024 * 1024
	}
	if c.Bandwidth.WeightHigh <= 0 {
		c.Bandwidth.WeightHigh = 4
	}
	if c.Bandwidth.WeightNormal <= 0 {
		c.Bandwidth.WeightNormal = 2
	}
	if c.Bandwidth.WeightLow <= 0 {
		c.Bandwidth.WeightLow = 1
	}
	if c.Progress.Interval <= 0 {
		c.Progress.Interval = 500 * time.Millisecond
	}
	if c.Progress.PercentStep <= 0 {
		c.Progress.PercentStep = 1.0
	}
	if c.Download.Dir == "" {
		c.Download.Dir = "./downloads"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "fetchd.db"
	}
}
