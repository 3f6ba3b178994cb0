package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MindsRunning tracks the number of mind subprocesses currently alive.
	MindsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "volute_minds_running",
		Help: "Number of mind subprocesses currently running",
	})

	// MindRestarts counts crash-triggered restarts per mind.
	MindRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "volute_mind_restarts_total",
		Help: "Total crash-triggered mind restarts",
	}, []string{"mind"})

	// MessagesRouted counts routing decisions by outcome.
	MessagesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "volute_messages_routed_total",
		Help: "Total inbound messages by routing outcome",
	}, []string{"mind", "outcome"})

	// Deliveries counts successful deliveries to mind processes by mode.
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "volute_deliveries_total",
		Help: "Total successful message deliveries by mode",
	}, []string{"mind", "mode"})

	// DeliveryFailures counts failed POSTs to mind processes.
	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "volute_delivery_failures_total",
		Help: "Total failed message deliveries",
	}, []string{"mind"})

	// BatchFlushes counts batch buffer flushes by cause.
	BatchFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "volute_batch_flushes_total",
		Help: "Total batch flushes by cause",
	}, []string{"mind", "cause"})

	// ActiveSessions tracks sessions with in-flight deliveries.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "volute_active_sessions",
		Help: "Number of sessions with at least one in-flight delivery",
	})

	// SchedulesFired counts fired cron schedules.
	SchedulesFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "volute_schedules_fired_total",
		Help: "Total fired schedules",
	}, []string{"mind", "kind"})

	// SleepTransitions counts sleep and wake transitions.
	SleepTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "volute_sleep_transitions_total",
		Help: "Total sleep state transitions",
	}, []string{"mind", "transition"})

	// SleepQueueDepth tracks messages queued while minds sleep.
	SleepQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "volute_sleep_queue_depth",
		Help: "Messages currently queued for sleeping minds",
	}, []string{"mind"})

	// APIRequestDuration observes daemon HTTP API latency.
	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "volute_api_request_duration_seconds",
		Help:    "Daemon HTTP API request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// EventsPublished counts activity bus events by type.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "volute_events_published_total",
		Help: "Total activity bus events published",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		MindsRunning,
		MindRestarts,
		MessagesRouted,
		Deliveries,
		DeliveryFailures,
		BatchFlushes,
		ActiveSessions,
		SchedulesFired,
		SleepTransitions,
		SleepQueueDepth,
		APIRequestDuration,
		EventsPublished,
	)
}
