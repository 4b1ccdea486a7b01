package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeApplied = "applied"
	outcomeStale   = "stale"
	outcomeRestore = "restored"
)

var (
	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "koenji",
			Subsystem: "reconcile",
			Name:      "batches_total",
			Help:      "Snapshot batches processed, by outcome.",
		},
		[]string{"collection", "outcome"},
	)

	decodeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "koenji",
			Subsystem: "reconcile",
			Name:      "decode_failures_total",
			Help:      "Remote documents skipped because they failed to decode.",
		},
		[]string{"collection"},
	)

	entitiesGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "koenji",
			Subsystem: "reconcile",
			Name:      "entities",
			Help:      "Entities in the installed collection snapshot.",
		},
		[]string{"collection"},
	)

	persistenceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "koenji",
			Subsystem: "reconcile",
			Name:      "persistence_failures_total",
			Help:      "Cache writes that failed after retries.",
		},
		[]string{"collection"},
	)

	writesSupersededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "koenji",
			Subsystem: "reconcile",
			Name:      "writes_superseded_total",
			Help:      "Cache write batches replaced by a newer batch before completing.",
		},
		[]string{"collection"},
	)

	transportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "koenji",
			Subsystem: "reconcile",
			Name:      "transport_errors_total",
			Help:      "Errors reported by the snapshot transport.",
		},
		[]string{"collection"},
	)
)
