// Package metrics exposes Prometheus collectors for the harvester.
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
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	robotsLookupsTotal         *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	activeJobs                 prometheus.Gauge
	hostWaitSeconds            *prometheus.HistogramVec
	batchesClaimedTotal        prometheus.Counter
	reviewsTotal               *prometheus.CounterVec
	duplicateDecisionsTotal    *prometheus.CounterVec
	importedProblemsTotal      prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call repeatedly.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		robotsLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_robots_lookups_total",
				Help: "Robots policy lookups, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Total number of crawl jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_jobs",
				Help: "Number of crawl jobs currently running.",
			},
		)

		hostWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_host_wait_seconds",
				Help:    "Time spent waiting on per-host politeness before a fetch.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		batchesClaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_batches_claimed_total",
				Help: "Total number of batches claimed by the scheduler.",
			},
		)

		reviewsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_reviews_total",
				Help: "Review submissions applied, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		duplicateDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_duplicate_decisions_total",
				Help: "Duplicate gate decisions, labeled by tier.",
			},
			[]string{"decision"},
		)

		importedProblemsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_imported_problems_total",
				Help: "Total number of problems created by item imports.",
			},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL. It returns "unknown"
// if the URL is invalid.
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

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one page fetch.
func ObservePage(site string, status string, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitized, status).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsLookup counts a robots resolution by outcome.
func ObserveRobotsLookup(outcome string) {
	Init()
	robotsLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveJobs increments the running jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the running jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveHostWait records how long a fetch waited on its host.
func ObserveHostWait(host string, d time.Duration) {
	Init()
	hostWaitSeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveBatchClaim counts a claimed batch.
func ObserveBatchClaim() {
	Init()
	batchesClaimedTotal.Inc()
}

// ObserveReview counts an applied review.
func ObserveReview(stage, outcome string) {
	Init()
	reviewsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveDuplicateDecision counts a duplicate gate decision.
func ObserveDuplicateDecision(decision string) {
	Init()
	duplicateDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveImportedProblems adds to the imported problem counter.
func ObserveImportedProblems(n int) {
	Init()
	importedProblemsTotal.Add(float64(n))
}
