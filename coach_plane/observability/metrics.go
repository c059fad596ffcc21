package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal counts ingress events by kind.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_events_total",
		Help: "Total intervention events accepted at ingress",
	}, []string{"kind"})

	// EventFailures counts events that could not be applied, by fault kind.
	EventFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_event_failures_total",
		Help: "Events rejected or failed during handling",
	}, []string{"kind", "fault"})

	// Transitions counts phase-state transitions.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_transitions_total",
		Help: "Phase state transitions applied",
	}, []string{"from", "to"})

	// TasksScheduled counts tasks accepted by the delayed queue.
	TasksScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_tasks_scheduled_total",
		Help: "Tasks enqueued into the delayed task queue",
	}, []string{"kind"})

	// QueueDepth tracks the number of pending tasks.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coach_queue_depth",
		Help: "Current number of pending tasks in the delayed queue",
	})

	// TaskRetries counts delivery retries.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coach_task_retries_total",
		Help: "Delivery tasks re-queued after a failed attempt",
	})

	// TasksDelivered counts successful trigger deliveries.
	TasksDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coach_tasks_delivered_total",
		Help: "Trigger intents delivered to the front end",
	})

	// DeliveryFailures counts failed delivery attempts by reason.
	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_task_delivery_failures_total",
		Help: "Failed trigger delivery attempts",
	}, []string{"reason"}) // front_end, breaker_open, exhausted

	// DeliveryLatency observes the front-end POST roundtrip.
	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coach_delivery_latency_seconds",
		Help:    "Latency of trigger intent POSTs to the front end",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// RedisLatency observes queue backend roundtrips.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coach_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency for the delayed queue",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// OutboxPending tracks undispatched outbox entries seen by the reconciler.
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coach_outbox_pending",
		Help: "Scheduling outbox entries not yet dispatched to the queue",
	})

	// OutboxRecovered counts outbox entries re-enqueued by the reconciler.
	OutboxRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coach_outbox_recovered_total",
		Help: "Outbox entries recovered into the queue after an enqueue miss",
	})

	// BreakerState tracks the front-end circuit breaker (1 = active state).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coach_breaker_state",
		Help: "Front-end circuit breaker state (1 = current)",
	}, []string{"state"})

	// SinkRateLimited counts deliveries delayed by the per-user limiter.
	SinkRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coach_sink_rate_limited_total",
		Help: "Deliveries deferred by the per-user rate limiter",
	})

	// LeaderStatus is 1 while this replica owns the worker role.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coach_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	// LeaderTransitions counts leadership acquisitions and losses.
	LeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_leader_transitions_total",
		Help: "Leadership transitions",
	}, []string{"event"}) // acquired, lost

	// UsersByPhase tracks registered users per phase state.
	UsersByPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coach_users_by_phase",
		Help: "Registered users per phase state",
	}, []string{"phase"})

	// WSClients tracks connected operator stream clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coach_ws_clients",
		Help: "Connected operator websocket clients",
	})

	// PublishFailures counts best-effort stream publish errors.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_event_publish_failures_total",
		Help: "Failed event publish attempts (best effort)",
	}, []string{"subject"})
)
