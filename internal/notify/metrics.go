package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PublishedTotal counts notifications handed to the bus, by backend.
	PublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsed",
			Subsystem: "notify",
			Name:      "published_total",
			Help:      "Total number of stored-event notifications published",
		},
		[]string{"backend"},
	)

	// DroppedTotal counts notifications that could not be delivered, by backend.
	DroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsed",
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Total number of stored-event notifications dropped",
		},
		[]string{"backend"},
	)
)
