package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

type engineMetrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	keyLocks prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) engineMetrics {
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoints_controller_dispatch_events_total",
			Help: "The number of notifications processed, by kind, action and result",
		},
		[]string{"kind", "action", "result"},
	)
	// Will fail for duplicate registration calls. Should only happen in tests.
	_ = reg.Register(events)

	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "endpoints_controller_dispatch_duration_seconds",
			Help:    "Time spent running the handler chain of a notification, lock wait excluded",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "action"},
	)
	_ = reg.Register(duration)

	keyLocks := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "endpoints_controller_dispatch_key_locks",
			Help: "The number of resource keys with a serialization lock",
		},
	)
	_ = reg.Register(keyLocks)

	return engineMetrics{
		events:   events,
		duration: duration,
		keyLocks: keyLocks,
	}
}
