package sentry

import (
	"fmt"
	"sync/atomic"

	"github.com/getsentry/sentry-go"
)

// Client Sentry 客户端
type Client struct {
	hub    *sentry.Hub // 独立 Hub，不污染全局
	config *Config
	closed atomic.Bool

	stats struct {
		eventsTotal    atomic.Uint64
		eventsCaptured atomic.Uint64
		eventsDropped  atomic.Uint64
	}
}

// New 创建 Sentry 客户端
func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := sentry.NewClient(cfg.toClientOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}

	hub := sentry.NewHub(client, sentry.NewScope())
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for key, value := range cfg.Tags {
			scope.SetTag(key, value)
		}
	})

	return &Client{
		hub:    hub,
		config: cfg,
	}, nil
}

// CaptureException 捕获异常，tags 仅作用于本次事件
func (c *Client) CaptureException(err error, tags map[string]string) *sentry.EventID {
	if c.closed.Load() || err == nil {
		return nil
	}

	var eventID *sentry.EventID
	c.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		eventID = c.hub.CaptureException(err)
	})
	c.record(eventID)
	return eventID
}

// CaptureMessage 捕获消息
func (c *Client) CaptureMessage(message string, level Level) *sentry.EventID {
	if c.closed.Load() {
		return nil
	}

	var eventID *sentry.EventID
	c.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level.toSentryLevel())
		eventID = c.hub.CaptureMessage(message)
	})
	c.record(eventID)
	return eventID
}

// RecoverWithContext 上报已恢复的 panic（不重新抛出）
func (c *Client) RecoverWithContext(recovered interface{}) *sentry.EventID {
	if c.closed.Load() {
		return nil
	}

	eventID := c.hub.RecoverWithContext(nil, recovered)
	c.record(eventID)
	return eventID
}

func (c *Client) record(eventID *sentry.EventID) {
	c.stats.eventsTotal.Add(1)
	if eventID != nil && *eventID != "" {
		c.stats.eventsCaptured.Add(1)
	} else {
		c.stats.eventsDropped.Add(1)
	}
}

// Close 关闭客户端
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClientClosed
	}
	c.hub.Flush(c.config.ShutdownTimeout)
	return nil
}

// Stats 获取统计信息
func (c *Client) Stats() Stats {
	return Stats{
		EventsTotal:    c.stats.eventsTotal.Load(),
		EventsCaptured: c.stats.eventsCaptured.Load(),
		EventsDropped:  c.stats.eventsDropped.Load(),
	}
}
