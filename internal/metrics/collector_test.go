package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, "")

	c.Transition("running")
	c.Transition("running")
	c.Step("agent", "completed")
	c.Retry("pm")
	c.ObserveInvocation("pm", true, 200*time.Millisecond)
	c.RunStarted()
	c.RunStarted()
	c.RunFinished()
	c.SinkFailure()
	c.StateFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.steps.WithLabelValues("agent", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries.WithLabelValues("pm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sinkFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stateFailures))

	n, err := testutil.GatherAndCount(reg, "dreamteam_agent_invocation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Transition("failed")
		c.Step("cycle", "skipped")
		c.Retry("dev")
		c.ObserveInvocation("dev", false, time.Second)
		c.RunStarted()
		c.RunFinished()
		c.SinkFailure()
		c.StateFailure()
	})
}
