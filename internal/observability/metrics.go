package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects runner metrics on a private Prometheus registry, so a
// process (or a test binary) can build several instances without colliding
// in the default registry.
type Metrics struct {
	registry *prometheus.Registry

	// BusRequestCounter counts store calls.
	// Labels: verb (create|get|list|update|delete|token), status (ok|<error kind>)
	BusRequestCounter *prometheus.CounterVec

	// BusRequestDuration measures store call latency in seconds.
	// Labels: verb
	BusRequestDuration *prometheus.HistogramVec

	// StreamReconnects counts event-stream reconnect attempts.
	// Labels: consumer
	StreamReconnects *prometheus.CounterVec

	// StreamEvents counts decoded stream frames.
	// Labels: consumer, type, matched (true|false)
	StreamEvents *prometheus.CounterVec

	// ToolExecutions counts tool runs.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ToolInFlight gauges concurrently running executions per tool.
	// Labels: tool
	ToolInFlight *prometheus.GaugeVec

	// CatalogConflicts counts optimistic-concurrency retries while
	// publishing the tool catalog.
	CatalogConflicts prometheus.Counter

	// JournalDuplicates counts requests skipped because the dedup journal
	// already recorded them.
	// Labels: kind (tool_request|agent_event)
	JournalDuplicates *prometheus.CounterVec

	// LLMRequests counts model calls.
	// Labels: provider, model, status (success|error|timeout|parse)
	LLMRequests *prometheus.CounterVec

	// LLMDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMDuration *prometheus.HistogramVec

	// LLMTokens counts tokens by direction.
	// Labels: provider, model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ContextTokens gauges the assembled context size per agent.
	// Labels: agent
	ContextTokens *prometheus.GaugeVec

	// AgentIterations records LLM turns consumed per trigger.
	// Labels: agent
	AgentIterations *prometheus.HistogramVec

	// Errors counts errors by component and taxonomy kind.
	// Labels: component (bus|toolrunner|agentrunner|journal|secrets), kind
	Errors *prometheus.CounterVec
}

// NewMetrics builds and registers the full metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		BusRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcrt_bus_requests_total",
				Help: "Breadcrumb store calls by verb and outcome",
			},
			[]string{"verb", "status"},
		),

		BusRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcrt_bus_request_duration_seconds",
				Help:    "Breadcrumb store call latency",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"verb"},
		),

		StreamReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcrt_stream_reconnects_total",
				Help: "Event stream reconnect attempts",
			},
			[]string{"consumer"},
		),

		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcrt_stream_events_total",
				Help: "Stream frames decoded, split by selector match",
			},
			[]string{"consumer", "type", "matched"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcrt_tool_executions_total",
				Help: "Tool runs by name and outcome",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcrt_tool_execution_duration_seconds",
				Help:    "Tool execution time",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ToolInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rcrt_tool_in_flight",
				Help: "Concurrently executing requests per tool",
			},
			[]string{"tool"},
		),

		CatalogConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rcrt_catalog_conflicts_total",
				Help: "Version conflicts hit while publishing the tool catalog",
			},
		),

		JournalDuplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcrt_journal_duplicates_total",
				Help: "Work skipped because the dedup journal saw it before",
			},
			[]string{"kind"},
		),

		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcrt_llm_requests_total",
				Help: "Model calls by provider, model, and outcome",
			},
			[]string{"provider", "model", "status"},
		),

		LLMDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcrt_llm_request_duration_seconds",
				Help:    "Model call latency",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcrt_llm_tokens_total",
				Help: "Token consumption by direction",
			},
			[]string{"provider", "model", "type"},
		),

		ContextTokens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rcrt_context_tokens",
				Help: "Tokens in the most recently assembled agent context",
			},
			[]string{"agent"},
		),

		AgentIterations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcrt_agent_iterations",
				Help:    "LLM turns consumed per triggering event",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
			},
			[]string{"agent"},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcrt_errors_total",
				Help: "Errors by component and taxonomy kind",
			},
			[]string{"component", "kind"},
		),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBusRequest records one store call.
func (m *Metrics) RecordBusRequest(verb, status string, seconds float64) {
	m.BusRequestCounter.WithLabelValues(verb, status).Inc()
	m.BusRequestDuration.WithLabelValues(verb).Observe(seconds)
}

// RecordStreamEvent records one decoded frame and its selector outcome.
func (m *Metrics) RecordStreamEvent(consumer, eventType string, matched bool) {
	label := "false"
	if matched {
		label = "true"
	}
	m.StreamEvents.WithLabelValues(consumer, eventType, label).Inc()
}

// RecordToolExecution records one tool run.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordLLMRequest records one model call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64, promptTokens, completionTokens int) {
	m.LLMRequests.WithLabelValues(provider, model, status).Inc()
	m.LLMDuration.WithLabelValues(provider, model).Observe(seconds)
	if promptTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordError records one taxonomy error.
func (m *Metrics) RecordError(component, kind string) {
	m.Errors.WithLabelValues(component, kind).Inc()
}
