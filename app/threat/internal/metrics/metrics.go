package metrics

import (
	"time"

	"github.com/lk2023060901/threatrelay/pkg/prometheus"
)

const (
	resultSuccess  = "success"
	resultFailed   = "failed"
	resultNotFound = "not_found"
)

// Notice 通报处理路径
const (
	NoticeCreated   = "created"
	NoticeEdited    = "edited"
	NoticeRecreated = "recreated"
	NoticeFailed    = "failed"
	NoticeCleared   = "cleared"
)

// ThreatMetrics 威胁通报服务指标
type ThreatMetrics struct {
	// 远端调用次数，op: create/edit/delete
	RemoteCalls *prometheus.CounterVec
	// 远端调用延迟
	RemoteDuration *prometheus.HistogramVec
	// 通报处理结果
	Notices *prometheus.CounterVec
	// 访问码修改结果
	CodeChanges *prometheus.CounterVec
	// 当前等级 0-4，0 表示无通报
	ActiveSeverity *prometheus.GaugeVec
	// 存储操作
	StoreOps      *prometheus.CounterVec
	StoreDuration *prometheus.HistogramVec
}

// New 在 Prometheus 客户端上创建并注册指标
func New(c *prometheus.Client) (*ThreatMetrics, error) {
	var (
		m   ThreatMetrics
		err error
	)
	latency := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	if m.RemoteCalls, err = c.NewCounter("remote_calls_total", "Discord API 调用次数", []string{"op", "result"}); err != nil {
		return nil, err
	}
	if m.RemoteDuration, err = c.NewHistogram("remote_call_duration_seconds", "Discord API 调用延迟（秒）", []string{"op"}, latency); err != nil {
		return nil, err
	}
	if m.Notices, err = c.NewCounter("notices_total", "通报处理次数", []string{"path"}); err != nil {
		return nil, err
	}
	if m.CodeChanges, err = c.NewCounter("code_changes_total", "访问码修改次数", []string{"result"}); err != nil {
		return nil, err
	}
	if m.ActiveSeverity, err = c.NewGauge("active_severity", "当前威胁等级，0 表示无通报", nil); err != nil {
		return nil, err
	}
	if m.StoreOps, err = c.NewCounter("store_ops_total", "状态存储操作次数", []string{"op", "result"}); err != nil {
		return nil, err
	}
	if m.StoreDuration, err = c.NewHistogram("store_op_duration_seconds", "状态存储操作延迟（秒）", []string{"op"}, nil); err != nil {
		return nil, err
	}
	return &m, nil
}

// 以下方法对 nil 接收者安全，未启用指标时直接传 nil

// RecordRemoteCall 记录一次远端调用，notFound 单独计数
func (m *ThreatMetrics) RecordRemoteCall(op string, err error, notFound bool, d time.Duration) {
	if m == nil {
		return
	}
	result := resultSuccess
	switch {
	case notFound:
		result = resultNotFound
	case err != nil:
		result = resultFailed
	}
	m.RemoteCalls.WithLabelValues(op, result).Inc()
	m.RemoteDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordNotice 记录通报处理路径
func (m *ThreatMetrics) RecordNotice(path string) {
	if m == nil {
		return
	}
	m.Notices.WithLabelValues(path).Inc()
}

// RecordCodeChange 记录访问码修改结果: accepted/unauthorized/invalid/failed
func (m *ThreatMetrics) RecordCodeChange(result string) {
	if m == nil {
		return
	}
	m.CodeChanges.WithLabelValues(result).Inc()
}

// SetActiveSeverity 设置当前等级
func (m *ThreatMetrics) SetActiveSeverity(level int) {
	if m == nil {
		return
	}
	m.ActiveSeverity.WithLabelValues().Set(float64(level))
}

// RecordStoreOp 记录存储操作
func (m *ThreatMetrics) RecordStoreOp(op string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	result := resultSuccess
	if !success {
		result = resultFailed
	}
	m.StoreOps.WithLabelValues(op, result).Inc()
	m.StoreDuration.WithLabelValues(op).Observe(d.Seconds())
}
