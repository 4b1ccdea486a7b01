package throttle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	decisionPermitted  = "permitted"
	decisionSuppressed = "suppressed"
	reasonCapacity     = "capacity"
	reasonExpired      = "expired"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "koenji",
			Subsystem: "throttle",
			Name:      "decisions_total",
			Help:      "Throttle decisions by notification type.",
		},
		[]string{"type", "decision"},
	)

	evictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "koenji",
			Subsystem: "throttle",
			Name:      "evictions_total",
			Help:      "Throttle records dropped by capacity or age.",
		},
		[]string{"reason"},
	)

	entriesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "koenji",
			Subsystem: "throttle",
			Name:      "entries",
			Help:      "Keys currently remembered by the throttle.",
		},
	)
)
