package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCompletion("openai", "success", time.Second)
		m.ObserveAnonymization("openai", map[string]int{"email": 1})
		m.IncrementRestoreFailures()
		m.IncrementHistoryFailures()
		m.IncrementPolicyLookupFailures()
		m.ObservePolicyCache("hit")
		m.ObserveAudit("ok")
		m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
		m.IncrementRateLimited()
		m.SetDashboardConnections(2)
	})
}

func TestObserveAnonymization(t *testing.T) {
	m := New()
	m.ObserveAnonymization("openai", map[string]int{"email": 2, "phone": 1})
	m.ObserveAnonymization("openai", map[string]int{"email": 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AnonymizedTotal.WithLabelValues("openai")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EntitiesTotal.WithLabelValues("email")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntitiesTotal.WithLabelValues("phone")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.IncrementRestoreFailures()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pii_gateway_restore_failures_total 1")
}

func TestInstancesDoNotShareState(t *testing.T) {
	a, b := New(), New()
	a.IncrementHistoryFailures()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.HistoryFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.HistoryFailures))
}
