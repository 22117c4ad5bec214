// Package metrics exposes Prometheus collectors for the scout service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	visitsTotal          *prometheus.CounterVec
	sightingsTotal       prometheus.Counter
	visitDurationSeconds prometheus.Histogram
	workersByStatus      *prometheus.GaugeVec
	accountsByState      *prometheus.GaugeVec
	catalogPoints        *prometheus.GaugeVec
	dispatchTotal        *prometheus.CounterVec
	throttlePausesTotal  prometheus.Counter
	workerRestartsTotal  *prometheus.CounterVec
	storageDropsTotal    prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		visitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_visits_total",
				Help: "Total visits performed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		sightingsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scout_sightings_total",
				Help: "Total spawn sightings recorded across all visits.",
			},
		)

		visitDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scout_visit_duration_seconds",
				Help:    "Histogram of scan call latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		workersByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scout_workers",
				Help: "Workers in the fleet, labeled by status.",
			},
			[]string{"status"},
		)

		accountsByState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scout_accounts",
				Help: "Accounts in the roster, labeled by state.",
			},
			[]string{"state"},
		)

		catalogPoints = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scout_catalog_points",
				Help: "Spawn points in the catalog, labeled by confidence class.",
			},
			[]string{"class"},
		)

		dispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_dispatch_decisions_total",
				Help: "Cumulative dispatch decisions, labeled by kind.",
			},
			[]string{"kind"},
		)

		throttlePausesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scout_throttle_pauses_total",
				Help: "Process-wide rate limit pauses engaged.",
			},
		)

		workerRestartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_worker_restarts_total",
				Help: "Worker restarts, labeled by reason.",
			},
			[]string{"reason"},
		)

		storageDropsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scout_storage_drops_total",
				Help: "Persistence writes dropped because the queue was full.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveVisit records one completed visit.
func ObserveVisit(outcome string, sightings int, elapsed time.Duration) {
	visitsTotal.WithLabelValues(outcome).Inc()
	if sightings > 0 {
		sightingsTotal.Add(float64(sightings))
	}
	if elapsed > 0 {
		visitDurationSeconds.Observe(elapsed.Seconds())
	}
}

// SetWorkers updates the fleet status gauges.
func SetWorkers(counts map[string]int) {
	for status, n := range counts {
		workersByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetAccounts updates the account state gauges.
func SetAccounts(counts map[string]int) {
	for state, n := range counts {
		accountsByState.WithLabelValues(state).Set(float64(n))
	}
}

// SetCatalog updates the catalog confidence gauges.
func SetCatalog(counts map[string]int) {
	for class, n := range counts {
		catalogPoints.WithLabelValues(class).Set(float64(n))
	}
}

// AddDispatch bumps a dispatch decision counter by the given delta. The
// scheduler reports cumulative snapshots, so callers pass deltas.
func AddDispatch(kind string, delta uint64) {
	if delta > 0 {
		dispatchTotal.WithLabelValues(kind).Add(float64(delta))
	}
}

// ObserveThrottlePause counts one process-wide pause.
func ObserveThrottlePause() {
	throttlePausesTotal.Inc()
}

// ObserveWorkerRestart counts one worker restart.
func ObserveWorkerRestart(reason string) {
	workerRestartsTotal.WithLabelValues(reason).Inc()
}

// ObserveStorageDrop counts one dropped persistence write.
func ObserveStorageDrop() {
	storageDropsTotal.Inc()
}
