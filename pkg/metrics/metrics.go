package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task engine metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reporthub_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reporthub_task_queue_depth",
			Help: "Number of enqueued tasks waiting for a worker",
		},
	)

	PushBackpressureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reporthub_task_push_backpressure_total",
			Help: "Total number of task pushes rejected for a full queue",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reporthub_task_duration_seconds",
			Help:    "Wall-clock run duration of finished tasks in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"kind", "status"},
	)

	ReaperDemotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reporthub_reaper_demotions_total",
			Help: "Total number of tasks demoted to dropped by the reaper",
		},
		[]string{"reason"},
	)

	// Product metrics
	ProductsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reporthub_products_total",
			Help: "Total number of configured products",
		},
	)

	ProductSchemaStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reporthub_product_schema_status",
			Help: "Schema status per product (1 = in this status)",
		},
		[]string{"product", "status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reporthub_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reporthub_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Worker metrics
	WorkersAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reporthub_workers_alive",
			Help: "Number of live worker processes",
		},
	)

	WorkerRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reporthub_worker_restarts_total",
			Help: "Total number of worker processes restarted after a crash",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(PushBackpressureTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(ReaperDemotionsTotal)
	prometheus.MustRegister(ProductsTotal)
	prometheus.MustRegister(ProductSchemaStatus)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(WorkersAlive)
	prometheus.MustRegister(WorkerRestartsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
