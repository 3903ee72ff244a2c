package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager 配置管理器接口
type Manager interface {
	// LoadFile 加载配置文件（YAML、JSON、TOML 由扩展名决定）
	LoadFile(path string) error
	// BindEnv 绑定环境变量，prefix 为 "THREATRELAY" 时 web.port 对应 THREATRELAY_WEB_PORT
	BindEnv(prefix string)
	// BindEnvAlias 为配置键额外绑定一组环境变量名，按顺序取第一个非空值
	BindEnvAlias(key string, envNames ...string) error
	// SetDefault 设置默认值，同时让 AutomaticEnv 能在 Unmarshal 时感知该键
	SetDefault(key string, value any)
	// SetOverride 设置最高优先级的值（命令行参数）
	SetOverride(key string, value any)
	// Unmarshal 解析整个配置到结构体
	Unmarshal(v any) error
	// UnmarshalKey 解析指定路径的配置
	UnmarshalKey(key string, v any) error
	GetString(key string) string
	IsSet(key string) bool
	// Watch 监听配置文件变化
	Watch(callback func(path string)) error
}

type manager struct {
	v         *viper.Viper
	mu        sync.RWMutex
	callbacks []func(path string)
	watching  bool
}

// NewManager 创建配置管理器
func NewManager(opts ...Option) Manager {
	m := &manager{v: viper.New()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *manager) LoadFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.v.SetConfigFile(path)
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfigFileNotFound, path, err)
	}
	return nil
}

func (m *manager) BindEnv(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prefix != "" {
		m.v.SetEnvPrefix(prefix)
	}
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()
}

func (m *manager) BindEnvAlias(key string, envNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// viper 的 BindEnv 首个参数为键名，其余为环境变量名
	args := append([]string{key}, envNames...)
	if err := m.v.BindEnv(args...); err != nil {
		return fmt.Errorf("failed to bind env for %s: %w", key, err)
	}
	return nil
}

func (m *manager) SetDefault(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v.SetDefault(key, value)
}

func (m *manager) SetOverride(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v.Set(key, value)
}

func (m *manager) Unmarshal(v any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.v.Unmarshal(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

func (m *manager) UnmarshalKey(key string, v any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.v.UnmarshalKey(key, v); err != nil {
		return fmt.Errorf("failed to unmarshal key %s: %w", key, err)
	}
	return nil
}

func (m *manager) GetString(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.GetString(key)
}

func (m *manager) IsSet(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.IsSet(key)
}

// Watch 只在已加载配置文件时生效，回调参数为变化的文件路径
func (m *manager) Watch(callback func(path string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.v.ConfigFileUsed() == "" {
		return ErrConfigFileNotFound
	}
	m.callbacks = append(m.callbacks, callback)
	if m.watching {
		return nil
	}
	m.watching = true

	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		m.mu.RLock()
		callbacks := append([]func(string){}, m.callbacks...)
		m.mu.RUnlock()

		for _, cb := range callbacks {
			cb(e.Name)
		}
	})
	m.v.WatchConfig()
	return nil
}
