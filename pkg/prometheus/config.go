package prometheus

// Config Prometheus 配置
// 指标通过主 HTTP 服务的 /metrics 暴露，不单独监听端口
type Config struct {
	// 命名空间（应用名称）
	Namespace string `mapstructure:"namespace"`

	// 子系统（可选）
	Subsystem string `mapstructure:"subsystem"`

	// 是否注册默认 Go 采集器
	EnableGoCollector bool `mapstructure:"enable_go_collector"`

	// 是否注册默认进程采集器
	EnableProcessCollector bool `mapstructure:"enable_process_collector"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Namespace:              "threatrelay",
		EnableGoCollector:      true,
		EnableProcessCollector: true,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return ErrInvalidConfig
	}
	return nil
}
