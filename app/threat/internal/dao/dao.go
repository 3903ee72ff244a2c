package dao

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/threatrelay/app/threat/internal/metrics"
	"github.com/lk2023060901/threatrelay/app/threat/internal/model"
	"github.com/lk2023060901/threatrelay/pkg/config"
	"github.com/lk2023060901/threatrelay/pkg/logger"
)

// 存储驱动
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrClosed        = errors.New("state store is closed")
)

// StateDAO 单条 ServerState 记录的读写
type StateDAO interface {
	// Load 读取当前记录，首次使用时写入默认值
	Load(ctx context.Context) (*model.ServerState, error)
	// Update 在一次原子写入中应用 patch，返回写入后的记录
	Update(ctx context.Context, patch *model.StatePatch) (*model.ServerState, error)
	Close() error
}

// SQLiteConfig SQLite 配置
type SQLiteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Key        string `mapstructure:"key"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// Config 存储配置
type Config struct {
	Driver       string         `mapstructure:"driver"`
	SQLite       SQLiteConfig   `mapstructure:"sqlite"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
	Redis        RedisConfig    `mapstructure:"redis"`
	QueryTimeout time.Duration  `mapstructure:"query_timeout"`
}

// DefaultConfig 默认使用当前目录下的 SQLite 文件
func DefaultConfig() *Config {
	return &Config{
		Driver: DriverSQLite,
		SQLite: SQLiteConfig{
			Path:        "threatrelay.db",
			BusyTimeout: 5 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			Key:        "threatrelay:state",
			MaxRetries: 10,
		},
		QueryTimeout: 5 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.Driver) {
	case DriverSQLite:
		if c.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required")
		}
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required")
		}
	case DriverRedis:
		if c.Redis.Addr == "" || c.Redis.Key == "" {
			return errors.New("storage.redis.addr and storage.redis.key are required")
		}
	case DriverMemory:
	default:
		return errors.Wrapf(ErrUnknownDriver, "%q", c.Driver)
	}
	return nil
}

// Options 构造 DAO 的公共参数
type Options struct {
	// DefaultAccessCode 首次创建记录时的访问码
	DefaultAccessCode string
	Logger            logger.Logger
	Metrics           *metrics.ThreatMetrics
	// Now 时钟，测试中替换
	Now func() time.Time
}

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = logger.NewNoop()
	}
	if o.DefaultAccessCode == "" {
		o.DefaultAccessCode = model.DefaultAccessCode
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// New 根据 storage.driver 创建 StateDAO
func New(ctx context.Context, cfg *Config, opts Options) (StateDAO, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}
	opts.normalize()

	switch strings.ToLower(newCfg.Driver) {
	case DriverSQLite:
		return NewSQLite(ctx, newCfg, opts)
	case DriverPostgres:
		return NewPostgres(ctx, newCfg, opts)
	case DriverRedis:
		return NewRedis(ctx, newCfg, opts)
	default:
		return NewMemory(opts), nil
	}
}

// observe 记录耗时与结果
func observe(m *metrics.ThreatMetrics, op string, start time.Time, err error) {
	m.RecordStoreOp(op, err == nil, time.Since(start))
}
