package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcgirelay",
			Subsystem: "admin_http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"relay", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fcgirelay",
			Subsystem: "admin_http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"relay", "method", "path", "status"},
	)
	relayConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcgirelay",
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Relayed front-end connections by outcome.",
		},
		[]string{"outcome"},
	)
	relayConnectAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fcgirelay",
			Subsystem: "relay",
			Name:      "worker_connect_attempts",
			Help:      "Dial attempts needed to reach a worker socket.",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 50},
		},
	)
	relayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fcgirelay",
			Subsystem: "relay",
			Name:      "connection_duration_seconds",
			Help:      "Time from accept to close for relayed connections.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	workerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcgirelay",
			Subsystem: "supervisor",
			Name:      "spawns_total",
			Help:      "Worker processes started.",
		},
		[]string{"policy"},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcgirelay",
			Subsystem: "supervisor",
			Name:      "exits_total",
			Help:      "Worker processes reaped.",
		},
		[]string{"policy"},
	)
	liveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fcgirelay",
			Subsystem: "supervisor",
			Name:      "sessions",
			Help:      "Live dedicated sessions.",
		},
	)
	poolAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fcgirelay",
			Subsystem: "supervisor",
			Name:      "pool_alive",
			Help:      "Live shared pool members.",
		},
	)
	poolRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fcgirelay",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Pool members respawned after an exit.",
		},
	)
	autoRestart = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fcgirelay",
			Subsystem: "supervisor",
			Name:      "autorestart_enabled",
			Help:      "1 while pool auto-restart is still enabled.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			relayConnections, relayConnectAttempts, relayDuration,
			workerSpawns, workerExits, liveSessions, poolAlive, poolRestarts, autoRestart,
		)
	})
}

func RecordHTTPRequest(relayID, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(relayID, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(relayID, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordConnection(outcome string, duration time.Duration) {
	RegisterMetrics()
	relayConnections.WithLabelValues(outcome).Inc()
	relayDuration.Observe(duration.Seconds())
}

func RecordConnectAttempts(attempts int) {
	RegisterMetrics()
	relayConnectAttempts.Observe(float64(attempts))
}

func RecordSpawn(policy string) {
	RegisterMetrics()
	workerSpawns.WithLabelValues(policy).Inc()
}

func RecordExit(policy string) {
	RegisterMetrics()
	workerExits.WithLabelValues(policy).Inc()
}

func SetSessions(n int) {
	RegisterMetrics()
	liveSessions.Set(float64(n))
}

func SetPoolAlive(n int) {
	RegisterMetrics()
	poolAlive.Set(float64(n))
}

func RecordRestart() {
	RegisterMetrics()
	poolRestarts.Inc()
}

func SetAutoRestart(enabled bool) {
	RegisterMetrics()
	if enabled {
		autoRestart.Set(1)
		return
	}
	autoRestart.Set(0)
}
