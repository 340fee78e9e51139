package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrusd_operations_total",
		Help: "Lifecycle operations processed, by verb and outcome.",
	}, []string{"verb", "outcome"})

	instancesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cirrusd_instances",
		Help: "Instances currently in the registry (including soft-deleted).",
	})
)

func countOp(verb string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	opsTotal.WithLabelValues(verb, outcome).Inc()
}
