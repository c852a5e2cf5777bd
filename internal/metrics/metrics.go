// Package metrics exposes Prometheus metrics and the /healthz probe of the
// analytics service.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"microstructure-v1/internal/logger"
)

// Components timed by ComputeDur.
const (
	ComponentIndicator   = "indicator"
	ComponentProfile     = "profile"
	ComponentCVD         = "cvd"
	ComponentCorrelation = "correlation"
)

// Metrics holds all Prometheus metrics of the analytics service.
type Metrics struct {
	TradesTotal     *prometheus.CounterVec // labels: symbol
	CandlesClosed   *prometheus.CounterVec // labels: tf
	MalformedEvents *prometheus.CounterVec // labels: kind
	LateTrades      prometheus.Counter
	DispatchDrops   *prometheus.CounterVec // labels: symbol
	FeedReconnects  prometheus.Counter
	SymbolResets    *prometheus.CounterVec // labels: reason

	ComputeDur      *prometheus.HistogramVec // labels: component
	AlertsTotal     *prometheus.CounterVec   // labels: kind, severity
	AlertDeliveries *prometheus.CounterVec   // labels: notifier, result
	AlertDrops      *prometheus.CounterVec   // labels: reason

	SnapshotPublishFailures prometheus.Counter
	CheckpointsTotal        *prometheus.CounterVec // labels: store, result

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// means the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_trades_total",
			Help: "Trades ingested, by symbol",
		}, []string{"symbol"}),
		CandlesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_candles_closed_total",
			Help: "Closed candles processed, by timeframe",
		}, []string{"tf"}),
		MalformedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_malformed_events_total",
			Help: "Inbound events rejected at ingestion",
		}, []string{"kind"}),
		LateTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_late_trades_total",
			Help: "Trades rejected by the candle builder for an already closed bucket",
		}),
		DispatchDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_dispatch_drops_total",
			Help: "Events dropped because a symbol worker queue was full",
		}, []string{"symbol"}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_feed_reconnects_total",
			Help: "Upstream feed re-subscriptions",
		}),
		SymbolResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_symbol_resets_total",
			Help: "Per-symbol state resets",
		}, []string{"reason"}),

		ComputeDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analytics_compute_duration_seconds",
			Help:    "Per-event compute latency by component",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}, []string{"component"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_cvd_alerts_total",
			Help: "CVD alerts raised",
		}, []string{"kind", "severity"}),
		AlertDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_alert_deliveries_total",
			Help: "Alert delivery attempts by notifier and result",
		}, []string{"notifier", "result"}),
		AlertDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_alert_drops_total",
			Help: "Alerts dropped before delivery",
		}, []string{"reason"}),

		SnapshotPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_snapshot_publish_failures_total",
			Help: "Snapshot publishes that failed",
		}),
		CheckpointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_checkpoints_total",
			Help: "Checkpoint writes by store and result",
		}, []string{"store", "result"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analytics_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_redis_buffered_writes_total",
			Help: "Publishes buffered locally while the Redis breaker was open",
		}),
	}

	reg.MustRegister(
		m.TradesTotal,
		m.CandlesClosed,
		m.MalformedEvents,
		m.LateTrades,
		m.DispatchDrops,
		m.FeedReconnects,
		m.SymbolResets,
		m.ComputeDur,
		m.AlertsTotal,
		m.AlertDeliveries,
		m.AlertDrops,
		m.SnapshotPublishFailures,
		m.CheckpointsTotal,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)
	return m
}

// ObserveSince records the time elapsed since start for component.
func (m *Metrics) ObserveSince(component string, start time.Time) {
	m.ComputeDur.WithLabelValues(component).Observe(time.Since(start).Seconds())
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool
	LastEventTime  time.Time
	RedisConnected bool
	SQLiteOK       bool
	Symbols        []string

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastEventTime(t time.Time) {
	h.mu.Lock()
	h.LastEventTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSymbols(symbols []string) {
	h.mu.Lock()
	h.Symbols = append([]string(nil), symbols...)
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency and health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil dependencies
// are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles /healthz. The analytics core keeps working without
// its stores, so a missing store only degrades the status.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.FeedConnected {
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if !h.RedisConnected || !h.SQLiteOK {
		overall = "degraded"
	}

	eventAge := ""
	if !h.LastEventTime.IsZero() {
		eventAge = time.Since(h.LastEventTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		FeedConnected   bool     `json:"feed_connected"`
		EventAge        string   `json:"event_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Symbols         []string `json:"symbols"`
	}{
		Status:          overall,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		EventAge:        eventAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Symbols:         h.Symbols,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/healthz", health).Methods(http.MethodGet)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	l := logger.Component("metrics")
	go func() {
		l.Info().Str("addr", s.addr).Msg("server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			l.Error().Err(err).Msg("server error")
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
