package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// BackoffFunc returns the wait before retry number attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// NoBackoff retries immediately.
func NoBackoff() BackoffFunc {
	return func(int) time.Duration { return 0 }
}

// ConstantBackoff waits d before every retry.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// LinearBackoff waits base*attempt, capped at max when max > 0.
func LinearBackoff(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return capDelay(base*time.Duration(attempt), max)
	}
}

// ExponentialBackoff waits base*2^(attempt-1), capped at max when max > 0.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := float64(base) * math.Pow(2, float64(attempt-1))
		if d > float64(math.MaxInt64) {
			d = float64(math.MaxInt64)
		}
		return capDelay(time.Duration(d), max)
	}
}

// BackoffFromConfig builds a BackoffFunc from a strategy name:
// none, constant, linear or exponential.
func BackoffFromConfig(strategy string, base, max time.Duration) (BackoffFunc, error) {
	switch strings.ToLower(strategy) {
	case "", "none":
		return NoBackoff(), nil
	case "constant", "fixed":
		return ConstantBackoff(base), nil
	case "linear":
		return LinearBackoff(base, max), nil
	case "exponential":
		return ExponentialBackoff(base, max), nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", strategy)
	}
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}

// RecoveryPolicy decides what happens when a step fails. It applies to the
// whole deployment, not to individual steps.
type RecoveryPolicy struct {
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
	// Backoff computes the wait before each retry. Nil means no wait.
	Backoff BackoffFunc
	// PauseOnError pauses instead of failing once retries are exhausted.
	PauseOnError bool
}

// DefaultRecoveryPolicy retries twice with exponential backoff and fails.
func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		MaxRetries: 2,
		Backoff:    ExponentialBackoff(500*time.Millisecond, 30*time.Second),
	}
}

type recoveryAction int

const (
	actionRetry recoveryAction = iota
	actionSkip
	actionPause
	actionFail
)

func (a recoveryAction) String() string {
	switch a {
	case actionRetry:
		return "retry"
	case actionSkip:
		return "skip"
	case actionPause:
		return "pause"
	default:
		return "fail"
	}
}

// decide maps a failure to an action. failures counts failed attempts of
// the step so far, including this one.
func (p RecoveryPolicy) decide(err error, step *schema.Step, failures int) recoveryAction {
	switch schema.CodeOf(err) {
	case schema.ErrCodeDependency:
		if step != nil && step.Optional {
			return actionSkip
		}
		return actionFail
	case schema.ErrCodeAgentInvocation, schema.ErrCodeTimeout, schema.ErrCodeCircuitOpen:
		if failures <= p.MaxRetries {
			return actionRetry
		}
		if p.PauseOnError {
			return actionPause
		}
		return actionFail
	default:
		return actionFail
	}
}

func (p RecoveryPolicy) delay(retry int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(retry)
}

type attemptKey struct {
	instanceID string
	step       int
	iteration  int
}

// attemptCounter counts failed attempts per (instance, step, iteration).
// It lives in memory only; a process restart starts the budget over.
type attemptCounter struct {
	mu     sync.Mutex
	counts map[attemptKey]int
}

func newAttemptCounter() *attemptCounter {
	return &attemptCounter{counts: make(map[attemptKey]int)}
}

func (c *attemptCounter) fail(k attemptKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[k]++
	return c.counts[k]
}

func (c *attemptCounter) get(k attemptKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[k]
}

func (c *attemptCounter) clear(k attemptKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, k)
}

func (c *attemptCounter) reset(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.counts {
		if k.instanceID == instanceID {
			delete(c.counts, k)
		}
	}
}

// waitBackoff sleeps for d unless ctx ends or wake fires first. It reports
// whether the full delay elapsed.
func waitBackoff(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-wake:
		return false
	}
}
