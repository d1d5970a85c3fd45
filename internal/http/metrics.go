package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ncmparse/internal/fetch"
	"ncmparse/internal/store"
	"ncmparse/pkg/ncmlink"
)

var (
	_ fetch.Recorder        = (*Metrics)(nil)
	_ ncmlink.ParseRecorder = (*Metrics)(nil)
	_ store.Recorder        = (*Metrics)(nil)
)

// Metrics owns a private registry so several servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	UpstreamRequestsTotal *prometheus.CounterVec
	UpstreamRetriesTotal  *prometheus.CounterVec
	RateLimitWait         *prometheus.HistogramVec
	ParsesTotal           *prometheus.CounterVec
	ParseDuration         *prometheus.HistogramVec
	CacheLookupsTotal     *prometheus.CounterVec
	HTTPRequestsTotal     *prometheus.CounterVec
	FloodRejectionsTotal  prometheus.Counter
}

func NewMetrics() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ncmparse_upstream_requests_total",
				Help: "Total number of logical upstream requests by outcome",
			},
			[]string{"host", "outcome"},
		),
		UpstreamRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ncmparse_upstream_retries_total",
				Help: "Total number of upstream retry attempts",
			},
			[]string{"host"},
		),
		RateLimitWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ncmparse_rate_limit_wait_seconds",
				Help:    "Time spent waiting for a per-host request slot",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		),
		ParsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ncmparse_parses_total",
				Help: "Total number of parsed links by resource kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ParseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ncmparse_parse_duration_seconds",
				Help:    "Time spent parsing a link",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ncmparse_cache_lookups_total",
				Help: "Total number of result cache lookups",
			},
			[]string{"kind", "result"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ncmparse_http_requests_total",
				Help: "Total number of HTTP requests served",
			},
			[]string{"path", "status"},
		),
		FloodRejectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ncmparse_flood_rejections_total",
				Help: "Total number of parse requests rejected by the flood gate",
			},
		),
	}

	metrics.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.UpstreamRequestsTotal,
		metrics.UpstreamRetriesTotal,
		metrics.RateLimitWait,
		metrics.ParsesTotal,
		metrics.ParseDuration,
		metrics.CacheLookupsTotal,
		metrics.HTTPRequestsTotal,
		metrics.FloodRejectionsTotal,
	)

	return metrics
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordRequest(host, outcome string) {
	m.UpstreamRequestsTotal.WithLabelValues(host, outcome).Inc()
}

func (m *Metrics) RecordRetry(host string) {
	m.UpstreamRetriesTotal.WithLabelValues(host).Inc()
}

func (m *Metrics) RecordRateLimitWait(host string, wait time.Duration) {
	m.RateLimitWait.WithLabelValues(host).Observe(wait.Seconds())
}

func (m *Metrics) RecordParse(kind, outcome string, duration time.Duration) {
	m.ParsesTotal.WithLabelValues(kind, outcome).Inc()
	m.ParseDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordHTTPRequest(path string, status int) {
	m.HTTPRequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
}

func (m *Metrics) RecordFloodRejection() {
	m.FloodRejectionsTotal.Inc()
}
