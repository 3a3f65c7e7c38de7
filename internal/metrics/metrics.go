// Package metrics provides Prometheus instrumentation for the kiosk.
package metrics

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kiosk",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CoinsAcceptedTotal counts accepted coins by nominal value.
	CoinsAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "coins_accepted_total",
			Help:      "Total coins accepted by nominal value.",
		},
		[]string{"value"},
	)

	// CoinWarningsTotal counts decoder warnings by code.
	CoinWarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "coin_warnings_total",
			Help:      "Total coin decoder warnings by code.",
		},
		[]string{"code"},
	)

	// UploadsTotal counts wireless upload attempts by result.
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "uploads_total",
			Help:      "Total wireless upload attempts by result.",
		},
		[]string{"result"},
	)

	// PaymentsTotal counts payment confirmations by mode and status.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "payments_total",
			Help:      "Total payment confirmations by mode and status.",
		},
		[]string{"mode", "status"},
	)

	// ActiveSessions tracks current live upload sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kiosk",
			Name:      "active_upload_sessions",
			Help:      "Number of live upload sessions.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kiosk",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// BalanceCurrent mirrors the ledger balance for dashboards.
	BalanceCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kiosk",
			Name:      "balance_current",
			Help:      "Current unspent coin balance.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CoinsAcceptedTotal,
		CoinWarningsTotal,
		UploadsTotal,
		PaymentsTotal,
		ActiveSessions,
		ActiveWebSocketClients,
		BalanceCurrent,
	)
}

// ObserveCoin records an accepted coin.
func ObserveCoin(value int64) {
	CoinsAcceptedTotal.WithLabelValues(strconv.FormatInt(value, 10)).Inc()
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
