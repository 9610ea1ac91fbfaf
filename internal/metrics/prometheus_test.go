package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheus(reg, "test")

	c.RecordAssign(ResultOK)
	c.RecordAssign(ResultUnavailable)
	c.RecordAssign(ResultUnavailable)
	c.RecordResolve("remediation", ResultFailed)
	c.ObserveRemediation(1500*time.Millisecond, ResultOK)
	c.SetActiveSessions(3)
	c.RecordAction("problem:assign", ResultOK)
	c.RecordDroppedMessage()
	c.RecordSessionsSwept(2)
	c.RecordSessionsSwept(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.assigns.WithLabelValues(ResultOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.assigns.WithLabelValues(ResultUnavailable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resolves.WithLabelValues("remediation", ResultFailed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actions.WithLabelValues("problem:assign", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.swept))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_ledger_assignments_total")
	assert.Contains(t, names, "test_remediation_duration_seconds")
	assert.Contains(t, names, "test_sessions_active")
}

func TestPrometheusCollectorRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheus(reg, "")

	assert.NotPanics(t, func() {
		c.RecordAssign(ResultOK)
		c.RecordAssign(ResultOK)
		c.SetActiveSessions(1)
	})
	assert.Equal(t, "ward", c.namespace)
}

func TestNopMetrics(t *testing.T) {
	var c Collector = NewNop()
	assert.NotPanics(t, func() {
		c.RecordAssign(ResultOK)
		c.RecordResolve("plain", ResultOK)
		c.ObserveRemediation(time.Second, ResultFailed)
		c.SetActiveSessions(0)
		c.RecordAction("x", ResultOK)
		c.RecordDroppedMessage()
		c.RecordSessionsSwept(1)
	})
}
