package store

import (
	"github.com/ktlcove/kube-endpoints-controller/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
)

type storeMetrics struct {
	services  prometheus.Gauge
	endpoints *prometheus.GaugeVec
	hookCalls *prometheus.CounterVec
}

func newStoreMetrics(reg prometheus.Registerer) storeMetrics {
	services := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "endpoints_controller_services",
			Help: "The number of services in the reconciled state",
		},
	)
	// Will fail for duplicate registration calls. Should only happen in tests.
	_ = reg.Register(services)

	endpoints := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "endpoints_controller_service_endpoints",
			Help: "The number of endpoints for a given service",
		},
		[]string{"namespace", "service"},
	)
	_ = reg.Register(endpoints)

	hookCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "endpoints_controller_hook_calls_total",
			Help: "The number of hook invocations, by hook, action and result",
		},
		[]string{"hook", "action", "result"},
	)
	_ = reg.Register(hookCalls)

	return storeMetrics{
		services:  services,
		endpoints: endpoints,
		hookCalls: hookCalls,
	}
}

func (m storeMetrics) observeHook(name string, action model.Action, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.hookCalls.WithLabelValues(name, string(action), result).Inc()
}
