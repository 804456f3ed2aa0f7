package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deployment metrics
	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_deploys_total",
			Help: "Total number of deploy attempts by result",
		},
		[]string{"result"},
	)

	TeardownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_teardowns_total",
			Help: "Total number of teardowns by result",
		},
		[]string{"result"},
	)

	ActiveDeployments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paddock_active_deployments",
			Help: "Number of deployments currently applied and not destroyed",
		},
	)

	DeployDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paddock_deploy_duration_seconds",
			Help:    "Wall time of the deploy state machine",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	// Reaper metrics
	ScheduledTeardowns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paddock_scheduled_teardowns",
			Help: "Lease teardown timers currently pending",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paddock_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

// Register registers all metrics with the default registry. Call once at startup.
func Register() {
	prometheus.MustRegister(
		DeploysTotal,
		TeardownsTotal,
		ActiveDeployments,
		DeployDuration,
		ScheduledTeardowns,
		APIRequestsTotal,
	)
}

// Handler returns the HTTP handler serving the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
