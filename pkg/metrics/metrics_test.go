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

func TestObserveRuleCountsByOutcome(t *testing.T) {
	before := testutil.ToFloat64(ruleRuns.WithLabelValues("metrics-test", RuleTimeout))
	ObserveRule("metrics-test", RuleTimeout, 10*time.Millisecond)
	ObserveRule("metrics-test", RuleTimeout, 20*time.Millisecond)
	assert.Equal(t, before+2, testutil.ToFloat64(ruleRuns.WithLabelValues("metrics-test", RuleTimeout)))
}

func TestObserveBuildAndPermissionDenied(t *testing.T) {
	ObserveBuild("resource", OutcomeTruncated, 12)
	PermissionDenied("Secret")
	assert.GreaterOrEqual(t, testutil.ToFloat64(buildsTotal.WithLabelValues("resource", OutcomeTruncated)), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(permissionDenied.WithLabelValues("Secret")), 1.0)
}

func TestObserveRequest(t *testing.T) {
	before := testutil.ToFloat64(backendRequests.WithLabelValues("list", "denied"))
	ObserveRequest("list", "denied")
	assert.Equal(t, before+1, testutil.ToFloat64(backendRequests.WithLabelValues("list", "denied")))
}

func TestObserveWatchEvent(t *testing.T) {
	before := testutil.ToFloat64(watchEvents.WithLabelValues("pods", "update", "dev"))
	ObserveWatchEvent("pods", "update", "dev")
	assert.Equal(t, before+1, testutil.ToFloat64(watchEvents.WithLabelValues("pods", "update", "dev")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveBuild("namespace", OutcomeSuccess, 3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kubegraph_builds_total")
}
