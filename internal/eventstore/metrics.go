package eventstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SweptEventsTotal counts events deleted by retention sweeps.
	SweptEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulsed",
			Subsystem: "eventstore",
			Name:      "swept_events_total",
			Help:      "Total number of events deleted by retention sweeps",
		},
	)

	// SweepDuration tracks how long each sweep takes.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pulsed",
			Subsystem: "eventstore",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of retention sweeps in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SweepErrorsTotal counts failed sweeps.
	SweepErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulsed",
			Subsystem: "eventstore",
			Name:      "sweep_errors_total",
			Help:      "Total number of retention sweeps that returned an error",
		},
	)
)
