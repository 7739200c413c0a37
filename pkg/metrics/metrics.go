package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	BusMessagesEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_bus_messages_emitted_total",
			Help: "Total number of messages emitted on the bus by kind",
		},
		[]string{"kind"},
	)

	BusSubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_bus_subscribers_total",
			Help: "Current number of active bus subscriptions",
		},
	)

	BusQueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_bus_queue_dropped_total",
			Help: "Total number of messages not delivered because the subscriber unsubscribed or the emit's context was cancelled first",
		},
	)

	// Subscription registry metrics
	SubscriptionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_subscriptions_total",
			Help: "Current number of subscriptions by message type",
		},
		[]string{"message_type"},
	)

	// Worker queue metrics
	WorkerTasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_worker_tasks_enqueued_total",
			Help: "Total number of worker tasks enqueued by name",
		},
		[]string{"name"},
	)

	WorkerTasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_worker_tasks_completed_total",
			Help: "Total number of worker tasks completed by name and outcome",
		},
		[]string{"name", "outcome"},
	)

	WorkerTaskRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_worker_task_retries_total",
			Help: "Total number of worker task retry attempts by name",
		},
		[]string{"name"},
	)

	WorkerTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_worker_task_duration_seconds",
			Help:    "Time a worker task spent from enqueue to terminal result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	// Task handler metrics
	TasksStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_tasks_started_total",
			Help: "Total number of running tasks started by descriptor name",
		},
		[]string{"descriptor"},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_tasks_finished_total",
			Help: "Total number of running tasks that reached a terminal state",
		},
		[]string{"descriptor", "state"},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_step_duration_seconds",
			Help:    "Time taken to execute one step",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"descriptor", "step"},
	)

	TasksRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_tasks_recovered_total",
			Help: "Total number of running tasks restored from storage on startup",
		},
	)

	// CLI pipeline metrics
	PipelinesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_cli_pipelines_executed_total",
			Help: "Total number of CLI pipelines executed by outcome",
		},
		[]string{"outcome"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_cli_stage_duration_seconds",
			Help:    "Time a single compiled stage spent running",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(
		BusMessagesEmitted,
		BusSubscribersTotal,
		BusQueueDropped,
		SubscriptionsTotal,
		WorkerTasksEnqueued,
		WorkerTasksCompleted,
		WorkerTaskRetries,
		WorkerTaskDuration,
		TasksStarted,
		TasksFinished,
		StepDuration,
		TasksRecovered,
		PipelinesExecuted,
		StageDuration,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ServeDefault serves the Prometheus handler at /metrics on addr. It
// blocks; callers run it in a goroutine.
func ServeDefault(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	_ = http.ListenAndServe(addr, mux)
}

// Timer is a helper for timing operations and recording the elapsed
// duration to a histogram once the operation completes.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
