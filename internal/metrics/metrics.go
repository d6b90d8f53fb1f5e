// Package metrics exposes protection telemetry to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "radguard"

var (
	// votes counts voting outcomes per protected region.
	// Labels: region, outcome (corrected, uncorrectable)
	votes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tmr",
		Name:      "votes_total",
		Help:      "Non-unanimous votes by region and outcome",
	}, []string{"region", "outcome"})

	stuckBits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tmr",
		Name:      "stuck_bits",
		Help:      "Bits currently classified as stuck",
	}, []string{"region"})

	// healthScore tracks per-copy health.
	// Labels: region, copy (0, 1, 2)
	healthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tmr",
		Name:      "health_score",
		Help:      "Per-copy health score in [0.1, 1.0]",
	}, []string{"region", "copy"})

	// repairs counts repair attempts.
	// Labels: region, result (ok, failed)
	repairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scrub",
		Name:      "repairs_total",
		Help:      "Region repair attempts by result",
	}, []string{"region", "result"})

	scrubDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scrub",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one scrub pass over all regions",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
	})

	checkpoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checkpoint",
		Name:      "created_total",
		Help:      "Checkpoints accepted by region",
	}, []string{"region"})

	rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checkpoint",
		Name:      "rollbacks_total",
		Help:      "Rollbacks to a checkpoint by region",
	}, []string{"region"})

	protectionLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "protection",
		Name:      "level",
		Help:      "Current protection level (0 minimal .. 3 maximum)",
	})

	estimatedFlux = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "protection",
		Name:      "estimated_flux",
		Help:      "Smoothed error rate in errors per second",
	})

	// levelChanges counts protection level transitions.
	// Labels: from, to, reason
	levelChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protection",
		Name:      "level_changes_total",
		Help:      "Protection level transitions",
	}, []string{"from", "to", "reason"})

	// injected counts synthetic faults.
	// Labels: kind (flip, stuck)
	injected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inject",
		Name:      "faults_total",
		Help:      "Synthetic faults injected by kind",
	}, []string{"kind"})

	telemetryRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "telemetry_rejected_total",
		Help:      "Telemetry reports rejected by the rate limiter",
	})
)

// RecordVotes adds corrected and uncorrectable vote counts for region.
func RecordVotes(region string, corrected, uncorrectable uint64) {
	if corrected > 0 {
		votes.WithLabelValues(region, "corrected").Add(float64(corrected))
	}
	if uncorrectable > 0 {
		votes.WithLabelValues(region, "uncorrectable").Add(float64(uncorrectable))
	}
}

// SetRegionHealth publishes the health scores and stuck-bit count of region.
func SetRegionHealth(region string, health [3]float64, stuck int) {
	for i, h := range health {
		healthScore.WithLabelValues(region, strconv.Itoa(i)).Set(h)
	}
	stuckBits.WithLabelValues(region).Set(float64(stuck))
}

// RecordRepair records one repair attempt.
func RecordRepair(region string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	repairs.WithLabelValues(region, result).Inc()
}

// RecordScrubCycle records the duration of a scrub pass.
func RecordScrubCycle(seconds float64) {
	scrubDuration.Observe(seconds)
}

// RecordCheckpoint counts an accepted checkpoint.
func RecordCheckpoint(region string) {
	checkpoints.WithLabelValues(region).Inc()
}

// RecordRollback counts a rollback.
func RecordRollback(region string) {
	rollbacks.WithLabelValues(region).Inc()
}

// SetProtection publishes the current level and flux estimate.
func SetProtection(level int, flux float64) {
	protectionLevel.Set(float64(level))
	estimatedFlux.Set(flux)
}

// RecordLevelChange counts a level transition.
func RecordLevelChange(from, to, reason string) {
	levelChanges.WithLabelValues(from, to, reason).Inc()
}

// RecordInjected counts injected faults of kind.
func RecordInjected(kind string, n int) {
	if n > 0 {
		injected.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordTelemetryRejected counts a rate-limited telemetry report.
func RecordTelemetryRejected() {
	telemetryRejected.Inc()
}
