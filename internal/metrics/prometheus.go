package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CrunchNZ/lpb-sub001/internal/cache"
	"github.com/CrunchNZ/lpb-sub001/internal/circuitbreaker"
)

// Prometheus holds the collectors for the query caches and rate limiter on
// its own registry. It implements cache.Recorder.
type Prometheus struct {
	registry *prometheus.Registry

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheEntries   *prometheus.GaugeVec

	producerDuration *prometheus.HistogramVec

	rateLimitRejected *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
}

// Default histogram buckets for producer duration (in seconds)
var defaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

var _ cache.Recorder = (*Prometheus)(nil)

// NewPrometheus creates the collectors under namespace. Nil or empty buckets
// use the defaults.
func NewPrometheus(namespace string, buckets []float64) *Prometheus {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pm := &Prometheus{
		registry: registry,

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Query cache hits",
			},
			[]string{"cache", "method"},
		),

		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Query cache misses",
			},
			[]string{"cache", "method"},
		),

		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Entries removed from a query cache, by reason",
			},
			[]string{"cache", "reason"},
		),

		cacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Entries currently held by a query cache",
			},
			[]string{"cache"},
		),

		producerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "producer_duration_seconds",
				Help:      "Time spent filling cache misses",
				Buckets:   buckets,
			},
			[]string{"cache", "method", "status"},
		),

		rateLimitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_rejected_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "1 for the current state of each upstream circuit breaker",
			},
			[]string{"endpoint", "state"},
		),
	}

	registry.MustRegister(
		pm.cacheHits,
		pm.cacheMisses,
		pm.cacheEvictions,
		pm.cacheEntries,
		pm.producerDuration,
		pm.rateLimitRejected,
		pm.breakerState,
	)
	return pm
}

func (p *Prometheus) Hit(cacheName, method string) {
	p.cacheHits.WithLabelValues(cacheName, method).Inc()
}

func (p *Prometheus) Miss(cacheName, method string) {
	p.cacheMisses.WithLabelValues(cacheName, method).Inc()
}

func (p *Prometheus) Evict(cacheName string, reason cache.EvictReason) {
	p.cacheEvictions.WithLabelValues(cacheName, reason.String()).Inc()
}

func (p *Prometheus) Size(cacheName string, n int) {
	p.cacheEntries.WithLabelValues(cacheName).Set(float64(n))
}

func (p *Prometheus) ProducerDone(cacheName, method string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.producerDuration.WithLabelValues(cacheName, method, status).Observe(d.Seconds())
}

// RateLimitRejected counts a rejected request. It matches the signature of
// ratelimit.WithRejectHook.
func (p *Prometheus) RateLimitRejected(endpoint string) {
	p.rateLimitRejected.WithLabelValues(endpoint).Inc()
}

// Handler returns an HTTP handler for Prometheus metrics scraping
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry (for custom collectors)
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// BreakerStateChanged tracks breaker transitions. It matches the signature of
// circuitbreaker.WithStateHook.
func (p *Prometheus) BreakerStateChanged(endpoint string, _, to circuitbreaker.State) {
	for _, s := range circuitbreaker.States {
		v := 0.0
		if s == to {
			v = 1
		}
		p.breakerState.WithLabelValues(endpoint, s.String()).Set(v)
	}
}
