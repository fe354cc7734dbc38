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

func TestMetrics_RecordsAdmissions(t *testing.T) {
	m := New()
	m.ObserveAdmit(true, "", time.Millisecond)
	m.ObserveAdmit(false, "rate_limited:sender", time.Millisecond)
	m.ObserveAdmit(false, "rate_limited:sender", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.admitDecisions.WithLabelValues("true", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.admitDecisions.WithLabelValues("false", "rate_limited:sender")))
}

func TestMetrics_HandlerExposesSeries(t *testing.T) {
	m := New()
	m.Transition("NEW", "WARMING", "auto_age")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `wathrottle_state_transitions_total{from="NEW",to="WARMING",trigger="auto_age"} 1`))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAdmit(true, "", time.Millisecond)
	m.AbuseAction("warn")
	m.EventDropped("recorder")
	assert.Nil(t, m.Registry())
}
