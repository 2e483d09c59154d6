// Package metrics exposes Prometheus collectors for the crawl frontier and
// the surrounding service.
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
	frontierRequestsAddedTotal     *prometheus.CounterVec
	frontierRequestsHandledTotal   *prometheus.CounterVec
	frontierRequestsReclaimedTotal *prometheus.CounterVec
	frontierHeadSize               *prometheus.GaugeVec
	crawlerPagesTotal              *prometheus.CounterVec
	crawlerBytesTotal              *prometheus.CounterVec
	crawlerActiveWorkers           prometheus.Gauge
	crawlerRobotsFallbackTotal     prometheus.Counter
	crawlerRateLimitDelaySeconds   *prometheus.HistogramVec
	frontierStoreCallSeconds       *prometheus.HistogramVec
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		frontierRequestsAddedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_requests_added_total",
				Help: "Total requests submitted to a queue, labeled by queue and dedup outcome.",
			},
			[]string{"queue", "outcome"},
		)

		frontierRequestsHandledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_requests_handled_total",
				Help: "Total requests marked handled, labeled by queue.",
			},
			[]string{"queue"},
		)

		frontierRequestsReclaimedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_requests_reclaimed_total",
				Help: "Total requests reclaimed for retry, labeled by queue.",
			},
			[]string{"queue"},
		)

		frontierHeadSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frontier_head_size",
				Help: "Current size of the locally cached queue head, labeled by queue.",
			},
			[]string{"queue"},
		)

		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages crawled, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a request.",
			},
		)

		crawlerRobotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallback_total",
				Help: "Times a robots.txt probe fell back to allow-all after transient failures.",
			},
		)

		crawlerRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_ratelimit_delay_seconds",
				Help:    "Time spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"site"},
		)

		frontierStoreCallSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frontier_store_call_duration_seconds",
				Help:    "Latency of backing-store round-trips, labeled by operation.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"op"},
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

// RecordQueueAdd increments the add counter for a queue.
func RecordQueueAdd(queue string, wasAlreadyPresent bool) {
	Init()
	outcome := "new"
	if wasAlreadyPresent {
		outcome = "duplicate"
	}
	frontierRequestsAddedTotal.WithLabelValues(queue, outcome).Inc()
}

// RecordQueueHandled increments the handled counter for a queue.
func RecordQueueHandled(queue string) {
	Init()
	frontierRequestsHandledTotal.WithLabelValues(queue).Inc()
}

// RecordQueueReclaimed increments the reclaim counter for a queue.
func RecordQueueReclaimed(queue string) {
	Init()
	frontierRequestsReclaimedTotal.WithLabelValues(queue).Inc()
}

// SetQueueHeadSize records the current local head size of a queue.
func SetQueueHeadSize(queue string, size int) {
	Init()
	frontierHeadSize.WithLabelValues(queue).Set(float64(size))
}

// ObserveCrawl increments the crawler metrics.
func ObserveCrawl(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// RecordRobotsFallback counts a robots.txt probe that gave up on retries.
func RecordRobotsFallback() {
	Init()
	crawlerRobotsFallbackTotal.Inc()
}

// ObserveRateLimitDelay records time spent waiting for a rate limit token.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	Init()
	crawlerRateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(delay.Seconds())
}

// ObserveStoreCall records the latency of one backing-store round-trip.
func ObserveStoreCall(op string, duration time.Duration) {
	Init()
	frontierStoreCallSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
