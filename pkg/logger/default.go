package logger

import (
	"os"
	"sync"

	"github.com/lk2023060901/threatrelay/pkg/config"
)

var (
	defaultLogger   Logger
	defaultLoggerMu sync.RWMutex
)

// InitDefault 初始化默认 logger
func InitDefault(cfg *Config, opts ...Option) (*BaseLogger, error) {
	l, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	SetDefault(l)
	return l, nil
}

// ConfigFromEnv 在默认配置基础上叠加 THREATRELAY_LOG_* 环境变量
func ConfigFromEnv() (*Config, error) {
	envConfig := &Config{}
	if level := os.Getenv("THREATRELAY_LOG_LEVEL"); level != "" {
		envConfig.Level = Level(level)
	}
	if format := os.Getenv("THREATRELAY_LOG_FORMAT"); format != "" {
		envConfig.Format = Format(format)
	}
	if path := os.Getenv("THREATRELAY_LOG_PATH"); path != "" {
		envConfig.EnableFile = true
		envConfig.OutputPath = path
	}
	if os.Getenv("THREATRELAY_LOG_DEVELOPMENT") == "true" {
		envConfig.Development = true
	}
	return config.MergeConfig(DefaultConfig(), envConfig)
}

// SetDefault 设置默认 logger
func SetDefault(l Logger) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	defaultLogger = l
}

// Default 获取默认 logger，未初始化时懒加载控制台 logger
func Default() Logger {
	defaultLoggerMu.RLock()
	l := defaultLogger
	defaultLoggerMu.RUnlock()
	if l != nil {
		return l
	}

	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	if defaultLogger == nil {
		base, err := New(DefaultConfig())
		if err != nil {
			panic(err)
		}
		defaultLogger = base
	}
	return defaultLogger
}
