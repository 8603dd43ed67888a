package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.MigrationStep("0011-layer1-deploy_PerpRewardVesting", "ok")
	m.MigrationStep("0011-layer1-deploy_PerpRewardVesting", "ok")
	m.RelayRun("funding", nil, time.Second)
	m.RelayRun("funding", errors.New("boom"), time.Second)
	m.RelaySkipped("funding")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.migrationSteps.WithLabelValues("0011-layer1-deploy_PerpRewardVesting", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayRuns.WithLabelValues("funding", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayRuns.WithLabelValues("funding", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayRuns.WithLabelValues("funding", "skipped")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.MigrationStep("x", "ok")
	m.RelayRun("x", nil, 0)
	m.HTTPRequest("GET", "/x", 200, 0)
	m.Event("x")
	m.WSClients(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.HTTPRequest("GET", "/api/health", 200, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `perpops_http_requests_total{code="200",method="GET",route="/api/health"} 1`)
}
