package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_PrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TradesTotal.WithLabelValues("BTCUSDT").Inc()
	m.TradesTotal.WithLabelValues("BTCUSDT").Inc()
	m.AlertsTotal.WithLabelValues("spike", "high").Inc()
	m.ObserveSince(ComponentProfile, time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TradesTotal.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsTotal.WithLabelValues("spike", "high")))

	n, err := testutil.GatherAndCount(reg, "analytics_compute_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a second set on another registry must not collide
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}

func TestHealth_Status(t *testing.T) {
	h := NewHealthStatus()
	h.SetSymbols([]string{"BTCUSDT"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetFeedConnected(true)
	h.SetLastEventTime(time.Now())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"], "stores not checked yet")
	assert.Equal(t, []any{"BTCUSDT"}, body["symbols"])
}

func TestServer_Routes(t *testing.T) {
	h := NewHealthStatus()
	s := NewServer(":0", h)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
