package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

func TestBackoffFuncs(t *testing.T) {
	assert.Equal(t, time.Duration(0), NoBackoff()(3))
	assert.Equal(t, 2*time.Second, ConstantBackoff(2*time.Second)(5))

	lin := LinearBackoff(100*time.Millisecond, 250*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, lin(1))
	assert.Equal(t, 200*time.Millisecond, lin(2))
	assert.Equal(t, 250*time.Millisecond, lin(3), "capped")

	exp := ExponentialBackoff(100*time.Millisecond, time.Second)
	assert.Equal(t, 100*time.Millisecond, exp(1))
	assert.Equal(t, 200*time.Millisecond, exp(2))
	assert.Equal(t, 400*time.Millisecond, exp(3))
	assert.Equal(t, time.Second, exp(10))
	assert.Equal(t, time.Second, exp(200), "no overflow")
}

func TestBackoffFromConfig(t *testing.T) {
	for _, name := range []string{"", "none", "constant", "fixed", "linear", "Exponential"} {
		fn, err := BackoffFromConfig(name, time.Millisecond, time.Second)
		require.NoError(t, err, name)
		assert.NotNil(t, fn)
	}
	_, err := BackoffFromConfig("fibonacci", time.Millisecond, time.Second)
	assert.Error(t, err)
}

func TestRecoveryPolicy_Decide(t *testing.T) {
	agentErr := schema.NewError(schema.ErrCodeAgentInvocation, "down")
	timeoutErr := schema.NewError(schema.ErrCodeTimeout, "slow")
	depErr := schema.NewError(schema.ErrCodeDependency, "missing brief")
	routeErr := schema.NewError(schema.ErrCodeRouting, "no such option")

	required := &schema.Step{Name: "prd"}
	optional := &schema.Step{Name: "ux", Optional: true}

	failFast := RecoveryPolicy{MaxRetries: 2}
	pausing := RecoveryPolicy{MaxRetries: 2, PauseOnError: true}

	tests := []struct {
		name     string
		policy   RecoveryPolicy
		err      error
		step     *schema.Step
		failures int
		want     recoveryAction
	}{
		{"first failure retries", failFast, agentErr, required, 1, actionRetry},
		{"last retry", failFast, timeoutErr, required, 2, actionRetry},
		{"exhausted fails", failFast, agentErr, required, 3, actionFail},
		{"exhausted pauses", pausing, agentErr, required, 3, actionPause},
		{"dependency never retried", failFast, depErr, required, 1, actionFail},
		{"optional dependency skips", pausing, depErr, optional, 1, actionSkip},
		{"routing fails", pausing, routeErr, required, 1, actionFail},
		{"unclassified fails", failFast, errors.New("x"), required, 1, actionFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.decide(tt.err, tt.step, tt.failures))
		})
	}
}

func TestAttemptCounter(t *testing.T) {
	c := newAttemptCounter()
	k1 := attemptKey{instanceID: "a", step: 1, iteration: -1}
	k2 := attemptKey{instanceID: "a", step: 2, iteration: 0}
	k3 := attemptKey{instanceID: "b", step: 1, iteration: -1}

	assert.Equal(t, 1, c.fail(k1))
	assert.Equal(t, 2, c.fail(k1))
	c.fail(k2)
	c.fail(k3)

	c.reset("a")
	assert.Zero(t, c.get(k1))
	assert.Zero(t, c.get(k2))
	assert.Equal(t, 1, c.get(k3))

	c.clear(k3)
	assert.Zero(t, c.get(k3))
}

func TestWaitBackoff(t *testing.T) {
	assert.True(t, waitBackoff(context.Background(), time.Millisecond, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, waitBackoff(ctx, time.Hour, nil))

	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	assert.False(t, waitBackoff(context.Background(), time.Hour, wake))
}

func TestRun_WithdrawRestoresFullBackoff(t *testing.T) {
	r := newRun("inst-1")
	r.ask(schema.StatusPaused)
	r.withdraw(schema.StatusPaused)
	assert.Empty(t, r.requested())

	start := time.Now()
	assert.True(t, waitBackoff(context.Background(), 30*time.Millisecond, r.wake))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// A cancel is not withdrawn by a pause being lifted.
	r.ask(schema.StatusCancelled)
	r.withdraw(schema.StatusPaused)
	assert.Equal(t, schema.StatusCancelled, r.requested())
}
