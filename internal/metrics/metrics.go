package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_sessions_started_total",
			Help: "Total number of agent sessions started",
		},
		[]string{"strategy"},
	)

	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_sessions_finished_total",
			Help: "Total number of agent sessions that reached a terminal status",
		},
		[]string{"status", "stop_reason"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "websearch_agent_session_duration_seconds",
			Help:    "Wall-clock duration of agent sessions",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"strategy", "status"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websearch_agent_active_sessions",
			Help: "Number of sessions currently executing",
		},
	)

	ValidationRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websearch_agent_validation_rejections_total",
			Help: "Requests rejected before session creation",
		},
	)

	// Planning metrics
	PlansCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_plans_created_total",
			Help: "Execution plans created, by strategy and query type",
		},
		[]string{"strategy", "query_type"},
	)

	PlanSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websearch_agent_plan_steps",
			Help:    "Number of steps per execution plan",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	AnalyzerFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_analyzer_fallbacks_total",
			Help: "Times the model-based analyzer failed open to rule-based analysis",
		},
		[]string{"reason"},
	)

	// Step metrics
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_steps_total",
			Help: "Steps executed, by type and outcome",
		},
		[]string{"step_type", "outcome"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "websearch_agent_step_duration_seconds",
			Help:    "Step execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step_type"},
	)

	StepConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "websearch_agent_step_confidence",
			Help:    "Confidence score of step results",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
		[]string{"step_type"},
	)

	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_decisions_total",
			Help: "Condition evaluator decisions",
		},
		[]string{"decision", "strategy"},
	)

	// Tool metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_tool_calls_total",
			Help: "Collaborator invocations, by tool and result",
		},
		[]string{"tool", "result"},
	)

	ToolRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_tool_retries_total",
			Help: "Retries of collaborator invocations",
		},
		[]string{"tool"},
	)

	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_source_errors_total",
			Help: "Per-source search failures that did not fail the whole call",
		},
		[]string{"source"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_cache_hits_total",
			Help: "Cache hits, by cached kind",
		},
		[]string{"kind"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_cache_misses_total",
			Help: "Cache misses, by cached kind",
		},
		[]string{"kind"},
	)

	// Observability metrics
	TraceEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_trace_events_dropped_total",
			Help: "Trace events not delivered, by destination",
		},
		[]string{"destination"},
	)

	TraceEventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websearch_agent_trace_events_total",
			Help: "Trace events recorded, by type",
		},
		[]string{"event_type"},
	)
)
