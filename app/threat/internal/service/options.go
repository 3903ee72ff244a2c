package service

import (
	"time"

	"github.com/lk2023060901/threatrelay/app/threat/internal/metrics"
)

// ErrorReporter 上报非预期错误，例如 Sentry
type ErrorReporter func(err error, tags map[string]string)

type options struct {
	metrics  *metrics.ThreatMetrics
	reporter ErrorReporter
	now      func() time.Time
}

// Option 服务选项
type Option func(*options)

// WithMetrics 设置指标
func WithMetrics(m *metrics.ThreatMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithErrorReporter 设置错误上报
func WithErrorReporter(r ErrorReporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) report(err error, tags map[string]string) {
	if o.reporter != nil {
		o.reporter(err, tags)
	}
}
