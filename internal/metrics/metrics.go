package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the paper-trading service.
type Metrics struct {
	// Market data
	TicksDelivered prometheus.Counter
	TicksDropped   prometheus.Counter // no interested positions
	PnLUpdates     prometheus.Counter
	FeedState      prometheus.Gauge // 0=connected, 1=reconnecting, 2=degraded
	FeedReconnects prometheus.Counter

	// Subscriptions
	UpstreamCalls       *prometheus.CounterVec // labels: action=subscribe|unsubscribe
	ActiveSubscriptions prometheus.Gauge

	// Trading
	TradesOpened  prometheus.Counter
	TradesClosed  prometheus.Counter
	TradeErrors   *prometheus.CounterVec // labels: op=submit|square_off
	OpenPositions prometheus.Gauge
	MarkErrors    prometheus.Counter

	// Notification
	NotificationDrops *prometheus.CounterVec // labels: sink
	WSClients         prometheus.Gauge
	WSSlowClientDrops prometheus.Counter

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedEvents      prometheus.Counter
}

// NewMetrics registers all metrics with reg and returns them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_ticks_delivered_total",
			Help: "Ticks delivered to interested positions",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_ticks_dropped_total",
			Help: "Ticks dropped because no position was interested",
		}),
		PnLUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_pnl_updates_total",
			Help: "Position marks applied",
		}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "papertrade_feed_state",
			Help: "Live feed state (0=connected, 1=reconnecting, 2=degraded)",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_feed_reconnects_total",
			Help: "Live feed reconnection attempts",
		}),
		UpstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrade_upstream_calls_total",
			Help: "Upstream subscribe/unsubscribe calls issued by the registry",
		}, []string{"action"}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "papertrade_active_subscriptions",
			Help: "Tokens with an upstream subscription",
		}),
		TradesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_trades_opened_total",
			Help: "Paper trades executed",
		}),
		TradesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_trades_closed_total",
			Help: "Paper trades squared off",
		}),
		TradeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrade_trade_errors_total",
			Help: "Rejected or failed trade operations",
		}, []string{"op"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "papertrade_open_positions",
			Help: "Open positions held by the ledger",
		}),
		MarkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_mark_errors_total",
			Help: "Failed mark persistence batches",
		}),
		NotificationDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrade_notification_drops_total",
			Help: "Events dropped by the notification fan-out per sink",
		}, []string{"sink"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "papertrade_ws_clients",
			Help: "Connected websocket clients",
		}),
		WSSlowClientDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_ws_slow_client_drops_total",
			Help: "Envelopes dropped for websocket clients with a full queue",
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "papertrade_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_redis_buffered_events_total",
			Help: "Trade events buffered locally while Redis was unavailable",
		}),
	}

	reg.MustRegister(
		m.TicksDelivered,
		m.TicksDropped,
		m.PnLUpdates,
		m.FeedState,
		m.FeedReconnects,
		m.UpstreamCalls,
		m.ActiveSubscriptions,
		m.TradesOpened,
		m.TradesClosed,
		m.TradeErrors,
		m.OpenPositions,
		m.MarkErrors,
		m.NotificationDrops,
		m.WSClients,
		m.WSSlowClientDrops,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedEvents,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedMode       string    `json:"feed_mode"`
	FeedState      string    `json:"feed_state"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	OpenPositions  int       `json:"open_positions"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(feedMode string) *HealthStatus {
	return &HealthStatus{
		FeedMode:  feedMode,
		FeedState: "connected",
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedState(s string) {
	h.mu.Lock()
	h.FeedState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetOpenPositions(n int) {
	h.mu.Lock()
	h.OpenPositions = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
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

// CheckSQLite pings the database and records latency + health.
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

// Check runs one round of dependency probes. Nil clients are skipped.
func (h *HealthStatus) Check(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if rdb != nil {
		h.CheckRedis(probeCtx, rdb)
	}
	if sqlDB != nil {
		h.CheckSQLite(probeCtx, sqlDB)
	}
}

// StartLivenessChecker probes once immediately, then every interval.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	h.Check(ctx, rdb, sqlDB)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Check(ctx, rdb, sqlDB)
			}
		}
	}()
}

// Report is the JSON body served by the health endpoints.
type Report struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	FeedMode        string  `json:"feed_mode"`
	FeedState       string  `json:"feed_state"`
	LastTickTime    string  `json:"last_tick_time,omitempty"`
	TickAge         string  `json:"tick_age,omitempty"`
	RedisEnabled    bool    `json:"redis_enabled"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	OpenPositions   int     `json:"open_positions"`
	LastCheckAt     string  `json:"last_check_at,omitempty"`
}

// Snapshot computes the overall status.
//
// The store is the only hard dependency: without it the service is
// unhealthy. A degraded feed or unreachable Redis makes it degraded.
func (h *HealthStatus) Snapshot() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	if h.FeedState == "degraded" || (h.RedisEnabled && !h.RedisConnected) {
		status = "degraded"
	}
	if !h.SQLiteOK {
		status = "unhealthy"
	}

	r := Report{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedMode:        h.FeedMode,
		FeedState:       h.FeedState,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		OpenPositions:   h.OpenPositions,
	}
	if !h.LastTickTime.IsZero() {
		r.LastTickTime = h.LastTickTime.Format(time.RFC3339)
		r.TickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}
	if !h.LastCheckAt.IsZero() {
		r.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}
	return r
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := h.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the server's mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
