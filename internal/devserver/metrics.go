package devserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the dev server's Prometheus collectors on a private
// registry. A nil *Metrics records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	reloads     prometheus.Counter
	loads       *prometheus.CounterVec
	loadTime    prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackkit",
			Subsystem: "dev",
			Name:      "invocations_total",
			Help:      "Handler invocations by route and response status.",
		}, []string{"route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stackkit",
			Subsystem: "dev",
			Name:      "invocation_duration_seconds",
			Help:      "Handler invocation latency including module load.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"route"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stackkit",
			Subsystem: "dev",
			Name:      "reloads_total",
			Help:      "Reload notifications received.",
		}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackkit",
			Subsystem: "dev",
			Name:      "module_loads_total",
			Help:      "Handler module loads by result.",
		}, []string{"result"}),
		loadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stackkit",
			Subsystem: "dev",
			Name:      "module_load_duration_seconds",
			Help:      "Time to load a handler module, retries included.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.invocations, m.duration, m.reloads, m.loads, m.loadTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeInvocation(route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route).Observe(took.Seconds())
}

func (m *Metrics) observeReload() {
	if m == nil {
		return
	}
	m.reloads.Inc()
}

func (m *Metrics) observeLoad(err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.loads.WithLabelValues(result).Inc()
	m.loadTime.Observe(took.Seconds())
}
