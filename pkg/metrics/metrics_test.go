package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordUpdate("proceed", 0.2)
		m.RecordOperation("process_update", "", time.Millisecond)
		m.RecordOperation("process_update", "CONTENTION", time.Millisecond)
		m.RecordRateLimited("updates")
		m.RecordLockContention()
		m.RecordSweepFinding("activity_timeout")
		m.RecordDialecticOutcome("synthesis_accepted")
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestCountersAndLabels(t *testing.T) {
	m := New()

	m.RecordUpdate("proceed", 0.2)
	m.RecordUpdate("proceed", 0.4)
	m.RecordUpdate("reject", 0.85)
	assert.InDelta(t, 2, testutil.ToFloat64(m.updatesTotal.WithLabelValues("proceed")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.updatesTotal.WithLabelValues("reject")), 1e-9)

	m.RecordOperation("process_update", "", 5*time.Millisecond)
	m.RecordOperation("process_update", "CONTENTION", 2*time.Millisecond)
	assert.InDelta(t, 1,
		testutil.ToFloat64(m.opErrors.WithLabelValues("process_update", "CONTENTION")), 1e-9)

	m.RecordRateLimited("updates")
	m.RecordLockContention()
	m.RecordSweepFinding("cognitive_loop")
	m.RecordDialecticOutcome("conservative_default")
	assert.InDelta(t, 1, testutil.ToFloat64(m.rateLimited.WithLabelValues("updates")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.lockContention), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.sweepFindings.WithLabelValues("cognitive_loop")), 1e-9)
	assert.InDelta(t, 1,
		testutil.ToFloat64(m.dialecticOutcomes.WithLabelValues("conservative_default")), 1e-9)
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.RecordUpdate("proceed", 0.1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "unitares_updates_total"))
	assert.True(t, strings.Contains(body, "unitares_risk_score"))
}
