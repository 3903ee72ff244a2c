package dao

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/threatrelay/app/threat/internal/model"
	"github.com/lk2023060901/threatrelay/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// hash 字段
const (
	fieldAccessCode  = "access_code"
	fieldCodeVersion = "code_version"
	fieldMessageID   = "active_message_id"
	fieldCodeType    = "active_code_type"
	fieldLastChanged = "last_changed"
	fieldChangedBy   = "changed_by"
)

// ErrTxConflict WATCH 事务重试次数耗尽
var ErrTxConflict = errors.New("state update conflicted too many times")

// redisDAO 整条记录保存在一个 hash 中，写入使用 WATCH/MULTI 乐观事务
type redisDAO struct {
	client     redis.UniversalClient
	key        string
	maxRetries int
	timeout    time.Duration
	opts       Options
	logger     logger.Logger
	closed     atomic.Bool
}

// NewRedis 连接 Redis
func NewRedis(ctx context.Context, cfg *Config, opts Options) (StateDAO, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	d := newRedisDAO(client, cfg, opts)

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "failed to connect redis %s", cfg.Redis.Addr)
	}

	d.logger.Info("state store opened", "driver", DriverRedis, "key", d.key)
	return d, nil
}

func newRedisDAO(client redis.UniversalClient, cfg *Config, opts Options) *redisDAO {
	opts.normalize()
	retries := cfg.Redis.MaxRetries
	if retries <= 0 {
		retries = 10
	}
	return &redisDAO{
		client:     client,
		key:        cfg.Redis.Key,
		maxRetries: retries,
		timeout:    cfg.QueryTimeout,
		opts:       opts,
		logger:     opts.Logger.Named("dao.state.redis"),
	}
}

func (d *redisDAO) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *redisDAO) Load(ctx context.Context) (st *model.ServerState, err error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	defer func() { observe(d.opts.Metrics, "load", start, err) }()

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	values, err := d.client.HGetAll(ctx, d.key).Result()
	if err != nil {
		d.logger.Error("failed to load state", "error", err)
		return nil, errors.Wrap(err, "failed to load state")
	}
	if seeded(values) {
		return decodeState(values)
	}

	// 记录不存在时才写：HSETNX 逐字段补齐，并发首次加载也只会写入一份默认值
	initial := model.NewServerState(d.opts.DefaultAccessCode, d.opts.Now())
	if _, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, value := range encodeState(initial) {
			pipe.HSetNX(ctx, d.key, field, value)
		}
		return nil
	}); err != nil {
		d.logger.Error("failed to create initial state", "error", err)
		return nil, errors.Wrap(err, "failed to create initial state")
	}

	values, err = d.client.HGetAll(ctx, d.key).Result()
	if err != nil {
		d.logger.Error("failed to load state", "error", err)
		return nil, errors.Wrap(err, "failed to load state")
	}
	return decodeState(values)
}

func (d *redisDAO) Update(ctx context.Context, patch *model.StatePatch) (st *model.ServerState, err error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	if d.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	defer func() { observe(d.opts.Metrics, "update", start, err) }()

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	txf := func(tx *redis.Tx) error {
		values, err := tx.HGetAll(ctx, d.key).Result()
		if err != nil {
			return err
		}
		current := model.NewServerState(d.opts.DefaultAccessCode, d.opts.Now())
		if len(values) > 0 {
			if current, err = decodeState(values); err != nil {
				return err
			}
		}
		current.Apply(patch, d.opts.Now())

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, d.key, encodeState(current))
			if !current.HasActiveNotice() {
				pipe.HDel(ctx, d.key, fieldMessageID, fieldCodeType)
			}
			return nil
		})
		if err == nil {
			st = current
		}
		return err
	}

	for i := 0; i < d.maxRetries; i++ {
		err = d.client.Watch(ctx, txf, d.key)
		if err == nil {
			return st, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		d.logger.Error("failed to update state", "error", err)
		return nil, errors.Wrap(err, "failed to update state")
	}
	err = ErrTxConflict
	d.logger.Error("failed to update state", "error", err, "retries", d.maxRetries)
	return nil, err
}

func (d *redisDAO) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.client.Close()
}

// seeded 基础字段齐全，活动通报字段可以缺省
func seeded(values map[string]string) bool {
	for _, field := range []string{fieldAccessCode, fieldCodeVersion, fieldLastChanged, fieldChangedBy} {
		if _, ok := values[field]; !ok {
			return false
		}
	}
	return true
}

func encodeState(s *model.ServerState) map[string]any {
	values := map[string]any{
		fieldAccessCode:  s.AccessCode,
		fieldCodeVersion: s.CodeVersion,
		fieldLastChanged: s.LastChanged.UnixMilli(),
		fieldChangedBy:   s.ChangedBy,
	}
	if s.HasActiveNotice() {
		values[fieldMessageID] = s.ActiveMessageID
		values[fieldCodeType] = string(s.ActiveCodeType)
	}
	return values
}

func decodeState(values map[string]string) (*model.ServerState, error) {
	version, err := strconv.ParseInt(values[fieldCodeVersion], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", fieldCodeVersion)
	}
	millis, err := strconv.ParseInt(values[fieldLastChanged], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", fieldLastChanged)
	}
	return &model.ServerState{
		AccessCode:      values[fieldAccessCode],
		CodeVersion:     version,
		ActiveMessageID: values[fieldMessageID],
		ActiveCodeType:  model.CodeType(values[fieldCodeType]),
		LastChanged:     time.UnixMilli(millis),
		ChangedBy:       values[fieldChangedBy],
	}, nil
}
