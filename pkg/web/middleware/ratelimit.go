package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/threatrelay/pkg/logger"
	weberrors "github.com/lk2023060901/threatrelay/pkg/web/errors"
	"golang.org/x/time/rate"
)

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	// Enabled 是否启用
	Enabled bool `mapstructure:"enabled"`
	// RequestsPerSecond 每秒请求数
	RequestsPerSecond float64 `mapstructure:"rps"`
	// Burst 突发容量
	Burst int `mapstructure:"burst"`
	// PerIP 是否按客户端 IP 限流，否则全局共享一个令牌桶
	PerIP bool `mapstructure:"per_ip"`
	// SkipPaths 跳过的路径
	SkipPaths []string `mapstructure:"skip_paths"`
	// LimiterTTL 空闲多久后回收该 IP 的限流器
	LimiterTTL time.Duration `mapstructure:"limiter_ttl"`
}

// DefaultRateLimitConfig 默认限流配置
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 10,
		Burst:             20,
		PerIP:             true,
		SkipPaths:         []string{"/health", "/metrics"},
		LimiterTTL:        10 * time.Minute,
	}
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 限流器
type RateLimiter struct {
	cfg    *RateLimitConfig
	global *rate.Limiter
	logger logger.Logger

	mu       sync.Mutex
	limiters map[string]*ipLimiter

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter 创建限流器，PerIP 模式下会启动后台回收协程
func NewRateLimiter(l logger.Logger, cfg *RateLimitConfig) *RateLimiter {
	if cfg == nil {
		cfg = DefaultRateLimitConfig()
	}
	if cfg.LimiterTTL <= 0 {
		cfg.LimiterTTL = 10 * time.Minute
	}

	rl := &RateLimiter{
		cfg:      cfg,
		global:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:   l,
		limiters: make(map[string]*ipLimiter),
		stop:     make(chan struct{}),
	}
	if cfg.PerIP {
		go rl.sweepLoop()
	}
	return rl
}

// Allow 检查是否允许请求，key 为空时使用全局令牌桶
func (rl *RateLimiter) Allow(key string) bool {
	if key == "" {
		return rl.global.Allow()
	}
	return rl.getLimiter(key).Allow()
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[key]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.cfg.LimiterTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

// sweep 回收空闲超过 TTL 的限流器
func (rl *RateLimiter) sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > rl.cfg.LimiterTTL {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Close 停止回收协程
func (rl *RateLimiter) Close() error {
	rl.stopOnce.Do(func() { close(rl.stop) })
	return nil
}

// RateLimit 限流中间件
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	skipPaths := make(map[string]struct{}, len(limiter.cfg.SkipPaths))
	for _, path := range limiter.cfg.SkipPaths {
		skipPaths[path] = struct{}{}
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if _, skip := skipPaths[path]; skip || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		var key string
		if limiter.cfg.PerIP {
			key = "ip:" + c.ClientIP()
		}

		if !limiter.Allow(key) {
			limiter.logger.WarnContext(c.Request.Context(), "rate limit exceeded",
				"key", key,
				"path", path,
			)
			c.Header("Retry-After", strconv.Itoa(1))
			weberrors.Abort(c, http.StatusTooManyRequests, "too many requests")
			return
		}

		c.Next()
	}
}
