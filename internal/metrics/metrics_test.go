package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveProviderRequest("openai", "gpt-4o", true, 200*time.Millisecond, 10, 5)
	m.ObserveProviderRequest("openai", "gpt-4o", false, time.Second, 0, 0)
	m.ObserveTool("webSearch", true, 50*time.Millisecond)
	m.QuotaRejected("gpt-4o")
	m.SessionExpired("ttl")
	m.SetActiveSessions(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("openai", "gpt-4o", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("openai", "gpt-4o", "error")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.TokensUsed.WithLabelValues("openai", "gpt-4o", "prompt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutions.WithLabelValues("webSearch", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuotaRejections.WithLabelValues("gpt-4o")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionExpiries.WithLabelValues("ttl")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveProviderRequest("p", "m", true, 0, 1, 1)
		m.ObserveTool("t", false, 0)
		m.QuotaRejected("m")
		m.SessionExpired("ttl")
		m.SetActiveSessions(1)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.QuotaRejected("gpt-4o")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "relay_quota_rejections_total"))
}
