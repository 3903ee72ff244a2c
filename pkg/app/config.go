package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lk2023060901/threatrelay/pkg/config"
	"github.com/spf13/pflag"
)

const defaultEnvPrefix = "THREATRELAY"

type loadOptions struct {
	args      []string
	envPrefix string
	defaults  map[string]any
	aliases   map[string][]string
}

// LoadOption LoadConfig 选项
type LoadOption func(*loadOptions)

// WithArgs 指定命令行参数（默认 os.Args[1:]）
func WithArgs(args []string) LoadOption {
	return func(o *loadOptions) { o.args = args }
}

// WithEnvPrefix 指定环境变量前缀（默认 THREATRELAY）
func WithEnvPrefix(prefix string) LoadOption {
	return func(o *loadOptions) { o.envPrefix = prefix }
}

// WithDefaults 设置默认值，未出现在默认值中的键不会被环境变量覆盖
func WithDefaults(defaults map[string]any) LoadOption {
	return func(o *loadOptions) { o.defaults = defaults }
}

// WithEnvAliases 为配置键绑定额外的环境变量名，例如 web.port -> PORT
func WithEnvAliases(aliases map[string][]string) LoadOption {
	return func(o *loadOptions) { o.aliases = aliases }
}

// Loaded LoadConfig 的结果
type Loaded struct {
	// ConfigPath 实际使用的配置文件，未使用文件时为空
	ConfigPath string
	Manager    config.Manager
}

// LoadConfig 加载配置到 target
// 优先级：1. 命令行显式参数 > 2. 环境变量 > 3. 配置文件 > 4. 默认值
// 配置文件可选：只用环境变量也能启动
func LoadConfig(target any, opts ...LoadOption) (*Loaded, error) {
	o := loadOptions{
		args:      os.Args[1:],
		envPrefix: defaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(&o)
	}

	fs := pflag.NewFlagSet(AppName, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to config file (yaml/json/toml)")
	logPath := fs.String("log.path", "", "output path for logs, enables file logging")
	port := fs.IntP("port", "p", 0, "http listen port")
	if err := fs.Parse(o.args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	mgr := config.NewManager(config.WithDefaults(o.defaults))
	mgr.BindEnv(o.envPrefix)
	for key, envs := range o.aliases {
		// 带前缀的变量名排在最前，优先于旧变量名
		names := append([]string{envKey(o.envPrefix, key)}, envs...)
		if err := mgr.BindEnvAlias(key, names...); err != nil {
			return nil, err
		}
	}

	// 配置文件：--config > THREATRELAY_CONFIG > 可执行文件旁的 config.yaml（存在时）
	path := *configPath
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}
	if path == "" {
		if candidate, err := defaultConfigPath(); err == nil {
			path = candidate
		}
	}
	if path != "" {
		if err := mgr.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if fs.Changed("log.path") {
		mgr.SetOverride("log.output_path", *logPath)
		mgr.SetOverride("log.enable_file", true)
	}
	if fs.Changed("port") {
		mgr.SetOverride("web.port", *port)
	}

	if err := mgr.Unmarshal(target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if out := mgr.GetString("log.output_path"); out != "" {
		_ = os.MkdirAll(filepath.Dir(out), 0o755)
	}

	return &Loaded{ConfigPath: path, Manager: mgr}, nil
}

func envKey(prefix, key string) string {
	b := []byte(key)
	for i, ch := range b {
		switch {
		case ch == '.' || ch == '-':
			b[i] = '_'
		case ch >= 'a' && ch <= 'z':
			b[i] = ch - 'a' + 'A'
		}
	}
	if prefix == "" {
		return string(b)
	}
	return prefix + "_" + string(b)
}

// defaultConfigPath 可执行文件目录下的 config.yaml，不存在时返回错误
func defaultConfigPath() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(execPath); err == nil {
		execPath = real
	}
	candidate := filepath.Join(filepath.Dir(execPath), "config.yaml")
	if _, err := os.Stat(candidate); err != nil {
		return "", err
	}
	return candidate, nil
}
