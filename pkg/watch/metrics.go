package watch

import (
	"github.com/prometheus/client_golang/prometheus"
)

type watchMetrics struct {
	notifications *prometheus.CounterVec
	failures      *prometheus.CounterVec
	inFlight      prometheus.Gauge
}

func newWatchMetrics(reg prometheus.Registerer) watchMetrics {
	notifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoints_controller_watch_notifications_total",
			Help: "The number of Endpoints notifications received, by action",
		},
		[]string{"action"},
	)
	// Will fail for duplicate registration calls. Should only happen in tests.
	_ = reg.Register(notifications)

	failures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoints_controller_watch_failures_total",
			Help: "The number of Endpoints notifications dropped or failed, by action",
		},
		[]string{"action"},
	)
	_ = reg.Register(failures)

	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "endpoints_controller_watch_in_flight",
			Help: "The number of notifications submitted and not yet processed",
		},
	)
	_ = reg.Register(inFlight)

	return watchMetrics{
		notifications: notifications,
		failures:      failures,
		inFlight:      inFlight,
	}
}
