package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/lk2023060901/threatrelay/pkg/notify"
)

// Config Discord 机器人配置
type Config struct {
	// BotToken 机器人令牌（必填，不含 "Bot " 前缀也可）
	BotToken string `mapstructure:"bot_token" json:"bot_token"`

	// ChannelID 目标频道 ID（必填）
	ChannelID string `mapstructure:"channel_id" json:"channel_id"`

	// Timeout 单次 REST 调用超时（默认 10 秒）
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`

	// MaxRetries 502 网关错误的重试次数
	MaxRetries int `mapstructure:"max_retries" json:"max_retries"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Timeout:    10 * time.Second,
		MaxRetries: 3,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	c.BotToken = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c.BotToken), "Bot "))
	if c.BotToken == "" {
		return fmt.Errorf("%w: bot_token is required", notify.ErrInvalidConfig)
	}

	c.ChannelID = strings.TrimSpace(c.ChannelID)
	if c.ChannelID == "" {
		return fmt.Errorf("%w: channel_id is required", notify.ErrInvalidConfig)
	}
	for _, r := range c.ChannelID {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: channel_id must be a numeric snowflake", notify.ErrInvalidConfig)
		}
	}

	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return nil
}
