package sentry

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// Config Sentry 配置，DSN 为空时不上报
type Config struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"` // dev/test/prod
	Release     string `mapstructure:"release"`
	ServerName  string `mapstructure:"server_name"`

	// 错误采样率 (0.0-1.0)
	SampleRate float64 `mapstructure:"sample_rate"`

	AttachStacktrace bool `mapstructure:"attach_stacktrace"`
	MaxBreadcrumbs   int  `mapstructure:"max_breadcrumbs"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Debug bool `mapstructure:"debug"`

	// 全局标签
	Tags map[string]string `mapstructure:"tags"`
}

// Enabled DSN 为空时视为未启用
func (c *Config) Enabled() bool {
	return c != nil && c.DSN != ""
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Environment:      "production",
		SampleRate:       1.0,
		AttachStacktrace: true,
		MaxBreadcrumbs:   100,
		ShutdownTimeout:  2 * time.Second,
		Debug:            false,
		Tags:             make(map[string]string),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}

	if c.DSN == "" {
		return ErrInvalidDSN
	}

	if c.SampleRate < 0 || c.SampleRate > 1 {
		return ErrInvalidConfig
	}

	if c.MaxBreadcrumbs < 0 {
		return ErrInvalidConfig
	}

	return nil
}

// toClientOptions 转换为 Sentry SDK 的 ClientOptions
func (c *Config) toClientOptions() sentry.ClientOptions {
	opts := sentry.ClientOptions{
		Dsn:              c.DSN,
		Environment:      c.Environment,
		Release:          c.Release,
		ServerName:       c.ServerName,
		SampleRate:       c.SampleRate,
		AttachStacktrace: c.AttachStacktrace,
		MaxBreadcrumbs:   c.MaxBreadcrumbs,
		Debug:            c.Debug,
	}

	return opts
}
