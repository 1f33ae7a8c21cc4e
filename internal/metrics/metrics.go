// Package metrics exposes Prometheus collectors for the content resolution pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesDiscoveredTotal          *prometheus.CounterVec
	cacheLookupsTotal             *prometheus.CounterVec
	classificationsTotal          *prometheus.CounterVec
	headlessFetchesTotal          *prometheus.CounterVec
	headlessInFlight              prometheus.Gauge
	artifactsTotal                *prometheus.CounterVec
	permitsInFlight               prometheus.Gauge
	stageDurationSeconds          *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesDiscoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_discovered_total",
				Help: "Pages emitted by traversal, labeled by site.",
			},
			[]string{"site"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_cache_lookups_total",
				Help: "Cache lookups labeled by result (hit, miss, error).",
			},
			[]string{"result"},
		)

		classificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_classifications_total",
				Help: "Cached bodies classified, labeled by class.",
			},
			[]string{"class"},
		)

		headlessFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_headless_fetches_total",
				Help: "Headless re-fetches labeled by status (ok, error).",
			},
			[]string{"status"},
		)

		headlessInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_headless_in_flight",
				Help: "Browser navigations currently running.",
			},
		)

		artifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_artifacts_total",
				Help: "Terminal per-URL outcomes labeled by result.",
			},
			[]string{"result"},
		)

		permitsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_permits_in_flight",
				Help: "Concurrency permits currently held by pipeline tasks.",
			},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_stage_duration_seconds",
				Help:    "Per-URL stage latency, labeled by stage.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
			},
			[]string{"stage"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePageDiscovered counts a page event emitted by traversal.
func ObservePageDiscovered(rawURL string) {
	Init()
	pagesDiscoveredTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveCacheLookup counts a cache lookup by result.
func ObserveCacheLookup(result string, duration time.Duration) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
	stageDurationSeconds.WithLabelValues("cache_lookup").Observe(duration.Seconds())
}

// ObserveClassification counts a classified cache body.
func ObserveClassification(class string) {
	Init()
	classificationsTotal.WithLabelValues(class).Inc()
}

// ObserveHeadlessFetch records a headless re-fetch.
func ObserveHeadlessFetch(status string, duration time.Duration) {
	Init()
	headlessFetchesTotal.WithLabelValues(status).Inc()
	stageDurationSeconds.WithLabelValues("headless_fetch").Observe(duration.Seconds())
}

// ObserveStage records the latency of a named pipeline stage.
func ObserveStage(stage string, duration time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveArtifact counts a terminal per-URL outcome.
func ObserveArtifact(result string) {
	Init()
	artifactsTotal.WithLabelValues(result).Inc()
}

// IncPermits increments the held-permits gauge.
func IncPermits() {
	Init()
	permitsInFlight.Inc()
}

// DecPermits decrements the held-permits gauge.
func DecPermits() {
	Init()
	permitsInFlight.Dec()
}

// IncHeadlessInFlight increments the running-navigation gauge.
func IncHeadlessInFlight() {
	Init()
	headlessInFlight.Inc()
}

// DecHeadlessInFlight decrements the running-navigation gauge.
func DecHeadlessInFlight() {
	Init()
	headlessInFlight.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
