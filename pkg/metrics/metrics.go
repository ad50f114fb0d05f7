package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Record metrics
	RecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "molforge_records_total",
			Help: "Total number of records by status",
		},
		[]string{"status"},
	)

	// Queue metrics
	TasksWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "molforge_tasks_waiting",
			Help: "Number of unclaimed tasks in the queue",
		},
	)

	TasksClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "molforge_tasks_claimed_total",
			Help: "Total number of task claims handed to managers",
		},
	)

	TasksReturned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "molforge_tasks_returned_total",
			Help: "Total number of task results returned by outcome",
		},
		[]string{"outcome"},
	)

	TasksRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "molforge_tasks_requeued_total",
			Help: "Total number of tasks requeued after a lost manager",
		},
	)

	// Service metrics
	ServicesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "molforge_services_running",
			Help: "Number of services currently iterating",
		},
	)

	ServiceIterations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "molforge_service_iterations_total",
			Help: "Total number of service iteration steps",
		},
	)

	// Manager metrics
	ManagersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "molforge_managers_active",
			Help: "Number of active compute managers",
		},
	)

	ManagersLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "molforge_managers_lost_total",
			Help: "Total number of managers declared lost",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "molforge_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "molforge_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RecordsTotal)
	prometheus.MustRegister(TasksWaiting)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(TasksReturned)
	prometheus.MustRegister(TasksRequeued)
	prometheus.MustRegister(ServicesRunning)
	prometheus.MustRegister(ServiceIterations)
	prometheus.MustRegister(ManagersActive)
	prometheus.MustRegister(ManagersLost)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
