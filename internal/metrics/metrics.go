// Package metrics defines the Prometheus collectors for the device daemon
// and the remote server. Every collector lives on a private registry; a
// nil *Sync or *Server is a valid no-op so components can run without
// metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "possync"

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Sync holds the sync engine collectors.
type Sync struct {
	pushes          *prometheus.CounterVec
	pullDuration    prometheus.Histogram
	queuePending    prometheus.Gauge
	deadLetters     prometheus.Gauge
	echoes          prometheus.Counter
	remoteApplied   *prometheus.CounterVec
	stockRejections prometheus.Counter
	state           *prometheus.GaugeVec
}

// NewSync registers the sync collectors on reg.
func NewSync(reg prometheus.Registerer) *Sync {
	m := &Sync{
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Local mutations pushed, by collection and result.",
		}, []string{"collection", "result"}),
		pullDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pull_duration_seconds",
			Help:      "Time taken by a full pull of every synced collection.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Sync queue entries waiting to be drained.",
		}),
		deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_dead_letters",
			Help:      "Sync queue entries given up after repeated rejection.",
		}),
		echoes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echoes_suppressed_total",
			Help:      "Remote change events recognized as this device's own writes.",
		}),
		remoteApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_changes_applied_total",
			Help:      "Remote change events applied to the local store.",
		}, []string{"collection"}),
		stockRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_rejections_total",
			Help:      "Sales refused for insufficient stock.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_state",
			Help:      "1 for the engine's current connectivity state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.pushes, m.pullDuration, m.queuePending, m.deadLetters,
		m.echoes, m.remoteApplied, m.stockRejections, m.state)
	return m
}

func (m *Sync) Push(collection, result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(collection, result).Inc()
}

func (m *Sync) ObservePull(d time.Duration) {
	if m == nil {
		return
	}
	m.pullDuration.Observe(d.Seconds())
}

func (m *Sync) SetQueue(pending, dead int) {
	if m == nil {
		return
	}
	m.queuePending.Set(float64(pending))
	m.deadLetters.Set(float64(dead))
}

func (m *Sync) EchoSuppressed() {
	if m == nil {
		return
	}
	m.echoes.Inc()
}

func (m *Sync) RemoteApplied(collection string) {
	if m == nil {
		return
	}
	m.remoteApplied.WithLabelValues(collection).Inc()
}

func (m *Sync) StockRejected() {
	if m == nil {
		return
	}
	m.stockRejections.Inc()
}

// SetState marks current as the active state among all.
func (m *Sync) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// Server holds the remote server collectors.
type Server struct {
	requests    *prometheus.HistogramVec
	feedClients prometheus.Gauge
}

// NewServer registers the server collectors on reg.
func NewServer(reg prometheus.Registerer) *Server {
	m := &Server{
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		feedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "feed_clients",
			Help:      "Connected change feed websockets.",
		}),
	}
	reg.MustRegister(m.requests, m.feedClients)
	return m
}

// Middleware records request latency. Unmatched routes share one label.
func (m *Server) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

func (m *Server) FeedConnected() {
	if m == nil {
		return
	}
	m.feedClients.Inc()
}

func (m *Server) FeedDisconnected() {
	if m == nil {
		return
	}
	m.feedClients.Dec()
}
