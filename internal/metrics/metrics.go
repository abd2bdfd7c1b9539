// Package metrics exposes Prometheus collectors for the dispatch engine.
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
	leaseDispatchTotal         *prometheus.CounterVec
	leaseRacesTotal            *prometheus.CounterVec
	leasePublishFailuresTotal  prometheus.Counter
	crawlOutcomesTotal         *prometheus.CounterVec
	crawlDurationSeconds       *prometheus.HistogramVec
	entriesInsertedTotal       *prometheus.CounterVec
	entriesSkippedTotal        *prometheus.CounterVec
	pageFetchesTotal           *prometheus.CounterVec
	queueDecodeFailuresTotal   prometheus.Counter
	queueDroppedMessagesTotal  prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		leaseDispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rss_lease_dispatch_total",
				Help: "Feeds leased and published, labeled by sweep kind (idle or stale).",
			},
			[]string{"kind"},
		)

		leaseRacesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rss_lease_races_total",
				Help: "Conditional lease updates lost to a concurrent writer, labeled by sweep kind.",
			},
			[]string{"kind"},
		)

		leasePublishFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rss_lease_publish_failures_total",
				Help: "Leases recorded in the store whose dispatch message could not be published.",
			},
		)

		crawlOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rss_crawl_outcomes_total",
				Help: "Crawl cycles finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rss_crawl_duration_seconds",
				Help:    "Histogram of crawl cycle durations, labeled by outcome.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		)

		entriesInsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rss_entries_inserted_total",
				Help: "Entries written to the store, labeled by insert mode (bulk or single).",
			},
			[]string{"mode"},
		)

		entriesSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rss_entries_skipped_total",
				Help: "Parsed entries not written, labeled by reason.",
			},
			[]string{"reason"},
		)

		pageFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rss_page_fetches_total",
				Help: "Full-content page fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		queueDecodeFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rss_queue_decode_failures_total",
				Help: "Dispatch messages that could not be decoded into a feed snapshot.",
			},
		)

		queueDroppedMessagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rss_queue_dropped_messages_total",
				Help: "Undecodable dispatch messages acknowledged after repeated rejection.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rss_active_workers",
				Help: "Number of pool slots currently running a crawl.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rss_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveDispatch counts a lease that was recorded and published.
func ObserveDispatch(kind string) {
	Init()
	leaseDispatchTotal.WithLabelValues(kind).Inc()
}

// ObserveLeaseRace counts a conditional update lost to another writer.
func ObserveLeaseRace(kind string) {
	Init()
	leaseRacesTotal.WithLabelValues(kind).Inc()
}

// ObservePublishFailure counts a lease whose dispatch message was not published.
func ObservePublishFailure() {
	Init()
	leasePublishFailuresTotal.Inc()
}

// ObserveCrawl records the outcome and duration of one crawl cycle.
func ObserveCrawl(outcome string, duration time.Duration) {
	Init()
	crawlOutcomesTotal.WithLabelValues(outcome).Inc()
	crawlDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveEntriesInserted counts entries written in the given mode.
func ObserveEntriesInserted(mode string, n int) {
	if n <= 0 {
		return
	}
	Init()
	entriesInsertedTotal.WithLabelValues(mode).Add(float64(n))
}

// ObserveEntriesSkipped counts entries dropped for reason.
func ObserveEntriesSkipped(reason string, n int) {
	if n <= 0 {
		return
	}
	Init()
	entriesSkippedTotal.WithLabelValues(reason).Add(float64(n))
}

// ObservePageFetch counts a full-content page fetch.
func ObservePageFetch(pageURL string, status string) {
	Init()
	pageFetchesTotal.WithLabelValues(SanitizeSite(pageURL), status).Inc()
}

// ObserveDecodeFailure counts an undecodable dispatch message.
func ObserveDecodeFailure() {
	Init()
	queueDecodeFailuresTotal.Inc()
}

// ObserveDroppedMessage counts an undecodable message that was dropped.
func ObserveDroppedMessage() {
	Init()
	queueDroppedMessagesTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
