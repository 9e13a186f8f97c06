package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	// Labels: provider, model, status (success|error)
	ProviderRequests *prometheus.CounterVec

	// Labels: provider, model
	ProviderLatency *prometheus.HistogramVec

	// Labels: provider, model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Labels: model
	QuotaRejections *prometheus.CounterVec

	// Labels: reason (ttl|ended|thread_deleted)
	SessionExpiries *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry creates the collectors on reg
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: gatherer,

		ProviderRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_provider_requests_total",
				Help: "Total number of backend model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_provider_request_duration_seconds",
				Help:    "Duration of backend model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		TokensUsed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool"},
		),

		QuotaRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_quota_rejections_total",
				Help: "Total number of requests rejected by the daily quota",
			},
			[]string{"model"},
		),

		SessionExpiries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_session_expiries_total",
				Help: "Total number of sessions torn down by reason",
			},
			[]string{"reason"},
		),

		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_sessions",
				Help: "Number of sessions currently held in memory",
			},
		),
	}
}

// Handler returns the scrape endpoint handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// ObserveProviderRequest records one backend exchange
func (m *Metrics) ObserveProviderRequest(provider, model string, ok bool, elapsed time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, model, status(ok)).Inc()
	m.ProviderLatency.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	if promptTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// ObserveTool records one tool execution
func (m *Metrics) ObserveTool(tool string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status(ok)).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// QuotaRejected records a request refused by the quota tracker
func (m *Metrics) QuotaRejected(model string) {
	if m == nil {
		return
	}
	m.QuotaRejections.WithLabelValues(model).Inc()
}

// SessionExpired records a session teardown
func (m *Metrics) SessionExpired(reason string) {
	if m == nil {
		return
	}
	m.SessionExpiries.WithLabelValues(reason).Inc()
}

// SetActiveSessions updates the active session gauge
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
