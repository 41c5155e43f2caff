package driver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tad-europe/rvguard/pkg/types"
)

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rvguard_requests_total",
		Help: "Control requests dispatched, by request name and status",
	},
	[]string{"request", "status"},
)

func init() {
	prometheus.MustRegister(requestsTotal)
}

func observeRequest(name string, status types.Status) {
	requestsTotal.WithLabelValues(name, status.String()).Inc()
}
