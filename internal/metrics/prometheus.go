// Package metrics exposes sync engine counters to Prometheus.
//
// Every method is safe on a nil *Metrics, so components take an optional
// *Metrics and record unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Reconciliation round metrics
	RoundsTotal   *prometheus.CounterVec
	RoundDuration *prometheus.HistogramVec
	RoundErrors   *prometheus.CounterVec

	// Log metrics
	ActionsIngested  prometheus.Counter
	ActionsDuplicate prometheus.Counter
	IngestHighWater  prometheus.Gauge

	// Materializer metrics
	ActionsApplied    prometheus.Counter
	ActionsRolledBack prometheus.Counter
	MaterializeRounds prometheus.Histogram

	// Conflict metrics
	ConflictsTotal   prometheus.Counter
	CorrectionsTotal prometheus.Counter

	// Compaction metrics
	CompactedTotal prometheus.Counter
	CompactionRuns *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		RoundsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lofisync_rounds_total",
				Help: "Total number of reconciliation rounds",
			},
			[]string{"operation"},
		),

		RoundDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lofisync_round_duration_seconds",
				Help:    "Duration of reconciliation rounds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		RoundErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lofisync_round_errors_total",
				Help: "Total number of failed rounds by error kind",
			},
			[]string{"operation", "kind"},
		),

		ActionsIngested: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lofisync_actions_ingested_total",
				Help: "Actions newly added to the log",
			},
		),

		ActionsDuplicate: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lofisync_actions_duplicate_total",
				Help: "Uploaded actions that were already in the log",
			},
		),

		IngestHighWater: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "lofisync_ingest_high_water",
				Help: "Largest server ingest id assigned",
			},
		),

		ActionsApplied: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lofisync_actions_applied_total",
				Help: "Records forward-applied by the materializer",
			},
		),

		ActionsRolledBack: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lofisync_actions_rolled_back_total",
				Help: "Records reverse-applied by the materializer",
			},
		),

		MaterializeRounds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lofisync_materialize_rounds",
				Help:    "Rollback/replay rounds per materialization",
				Buckets: []float64{1, 2, 3, 4, 8, 16, 32, 64},
			},
		),

		ConflictsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lofisync_conflicts_total",
				Help: "Concurrent conflicting writes detected",
			},
		),

		CorrectionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lofisync_corrections_total",
				Help: "Correction actions emitted",
			},
		),

		CompactedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lofisync_compacted_actions_total",
				Help: "Actions deleted by compaction",
			},
		),

		CompactionRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lofisync_compaction_runs_total",
				Help: "Compaction passes by status",
			},
			[]string{"status"},
		),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordRound records a finished reconciliation round. kind is empty on
// success.
func (m *Metrics) RecordRound(operation, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.RoundsTotal.WithLabelValues(operation).Inc()
	m.RoundDuration.WithLabelValues(operation).Observe(seconds)
	if kind != "" {
		m.RoundErrors.WithLabelValues(operation, kind).Inc()
	}
}

// RecordIngest records the outcome of inserting an uploaded batch.
func (m *Metrics) RecordIngest(fresh, duplicate int, highWater uint64) {
	if m == nil {
		return
	}
	m.ActionsIngested.Add(float64(fresh))
	m.ActionsDuplicate.Add(float64(duplicate))
	m.IngestHighWater.Set(float64(highWater))
}

// RecordMaterialize records one materializer call.
func (m *Metrics) RecordMaterialize(applied, rolledBack, rounds int) {
	if m == nil {
		return
	}
	m.ActionsApplied.Add(float64(applied))
	m.ActionsRolledBack.Add(float64(rolledBack))
	m.MaterializeRounds.Observe(float64(rounds))
}

// RecordConflicts records detected conflicts and emitted corrections.
func (m *Metrics) RecordConflicts(conflicts, corrections int) {
	if m == nil {
		return
	}
	m.ConflictsTotal.Add(float64(conflicts))
	m.CorrectionsTotal.Add(float64(corrections))
}

// RecordCompaction records one compaction pass.
func (m *Metrics) RecordCompaction(status string, deleted int64) {
	if m == nil {
		return
	}
	m.CompactionRuns.WithLabelValues(status).Inc()
	m.CompactedTotal.Add(float64(deleted))
}
