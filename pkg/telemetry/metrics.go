package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mediaflow"

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Tasks accepted through the API gateway, by process type.",
	}, []string{"process_type"})

	APITasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "tasks_rejected_total",
		Help:      "Submissions refused before persistence, by reason.",
	}, []string{"reason"})

	APIWebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "websocket_connections",
		Help:      "Open progress websocket connections.",
	})

	APIRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route pattern and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "code"})

	// ─── Orchestrator ────────────────────────────────────────────────────────────

	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "messages_total",
		Help:      "Stage dispatch attempts, by stage and outcome.",
	}, []string{"stage", "outcome"})

	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "transitions_total",
		Help:      "Task status transitions, by target status.",
	}, []string{"status"})

	// ─── Kafka ───────────────────────────────────────────────────────────────────

	KafkaPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kafka",
		Name:      "publish_total",
		Help:      "Records written, by topic and outcome.",
	}, []string{"topic", "outcome"})

	KafkaPublishSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "kafka",
		Name:      "publish_duration_seconds",
		Help:      "Synchronous write latency including broker acknowledgement.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"topic"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerSweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "sweep_duration_seconds",
		Help:      "Time spent in one sweep.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"sweep"})

	SchedulerSweepTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "sweep_tasks_total",
		Help:      "Tasks handled by sweeps, by sweep and outcome.",
	}, []string{"sweep", "outcome"})

	SchedulerIsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "is_leader",
		Help:      "1 while this instance holds the scheduler lease.",
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerStagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "stages_processed_total",
		Help:      "Stage executions, by stage and outcome.",
	}, []string{"stage", "outcome"})

	WorkerStagesInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "stages_inflight",
		Help:      "Stage executions currently running.",
	}, []string{"stage"})

	WorkerStageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "stage_duration_seconds",
		Help:      "Wall time of one stage across all files of a task.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
	}, []string{"stage"})

	WorkerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "handler_retries_total",
		Help:      "In-process stage handler retries.",
	}, []string{"stage"})

	WorkerSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "skipped_total",
		Help:      "Messages acknowledged without work, by reason.",
	}, []string{"stage", "reason"})

	// ─── Dead-letter monitor ─────────────────────────────────────────────────────

	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "deadletter",
		Name:      "messages_total",
		Help:      "Dead-lettered stage messages observed, by stage and reason.",
	}, []string{"stage", "reason"})
)
