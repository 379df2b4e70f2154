package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(buildsStartedTotal, buildsFinishedTotal, buildDurationSeconds, pollerTickErrorsTotal, activePollers)
}

var (
	buildsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_builds_started_total",
			Help: "Builds accepted by the initiator, labeled by platform.",
		},
		[]string{"platform"},
	)

	buildsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_builds_finished_total",
			Help: "Builds that reached a terminal status.",
		},
		[]string{"status"}, // 'completed', 'failed'
	)

	buildDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "app_build_duration_seconds",
			Help:    "Time from creation to terminal status.",
			Buckets: []float64{30, 60, 120, 300, 600, 900, 1200, 1800, 2700},
		},
		[]string{"status"},
	)

	pollerTickErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "app_build_poller_tick_errors_total",
			Help: "Poller ticks that failed to reach the downstream service or the store.",
		},
	)

	activePollers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_build_active_pollers",
			Help: "Number of build pollers currently running.",
		},
	)
)

// norm keeps label values lowercase so "Android" and "android" share a series.
func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func IncBuildStarted(platform string) {
	buildsStartedTotal.WithLabelValues(norm(platform)).Inc()
}

func ObserveBuildFinished(status string, elapsed time.Duration) {
	buildsFinishedTotal.WithLabelValues(norm(status)).Inc()
	buildDurationSeconds.WithLabelValues(norm(status)).Observe(elapsed.Seconds())
}

func IncTickError() {
	pollerTickErrorsTotal.Inc()
}

func PollerStarted() { activePollers.Inc() }
func PollerStopped() { activePollers.Dec() }
