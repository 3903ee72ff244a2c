package prometheus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(&Config{Namespace: "test"})
	require.NoError(t, err)
	return c
}

func TestNewInvalidConfig(t *testing.T) {
	_, err := New(&Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMetricsLifecycle(t *testing.T) {
	c := newTestClient(t)

	counter, err := c.NewCounter("remote_calls_total", "calls", []string{"op"})
	require.NoError(t, err)
	counter.WithLabelValues("create").Inc()

	_, err = c.NewCounter("remote_calls_total", "calls", []string{"op"})
	assert.ErrorIs(t, err, ErrMetricExists)

	gauge := c.MustNewGauge("active", "active", nil)
	gauge.WithLabelValues().Set(1)

	hist := c.MustNewHistogram("latency_seconds", "latency", []string{"op"}, nil)
	hist.WithLabelValues("edit").Observe(0.1)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrClientClosed)
	_, err = c.NewGauge("late", "late", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := newTestClient(t)
	c.MustNewCounter("code_changes_total", "changes", nil).WithLabelValues().Add(3)

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "test_code_changes_total 3")
}

func TestRegisterCollector(t *testing.T) {
	c := newTestClient(t)
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "store_open_connections",
		Help: "open connections",
	}, func() float64 { return 2 })

	require.NoError(t, c.RegisterCollector(gauge))
	assert.Error(t, c.RegisterCollector(gauge))

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "store_open_connections 2")

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.RegisterCollector(gauge), ErrClientClosed)
}
