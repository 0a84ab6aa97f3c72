package engine

import (
	"sync"
	"time"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// CircuitState represents the state of an agent's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls rejected
	CircuitHalfOpen                     // probing
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures per-agent breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int `json:"half_open_max" yaml:"half_open_max"`
}

// DefaultCircuitBreakerConfig opens after 5 failures for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

// BreakerStats is a diagnostic snapshot of one breaker.
type BreakerStats struct {
	AgentID             string `json:"agent_id"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

type breaker struct {
	state       CircuitState
	failures    int
	lastFailure time.Time
	probes      int
}

// Breakers tracks one circuit per agent id. Agent failures that exhaust the
// threshold make further invocations fail fast with CIRCUIT_OPEN, which the
// recovery policy treats like any other retryable failure.
type Breakers struct {
	mu       sync.Mutex
	cfg      CircuitBreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
}

// NewBreakers creates a registry. A non-positive threshold disables tripping.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breakers{cfg: cfg, breakers: make(map[string]*breaker), now: time.Now}
}

// Allow returns nil when agentID may be invoked. probing is true when this
// call moved the breaker from open to half-open.
func (b *Breakers) Allow(agentID string) (probing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(agentID)

	switch br.state {
	case CircuitOpen:
		remaining := b.cfg.Cooldown - b.now().Sub(br.lastFailure)
		if remaining <= 0 {
			br.state = CircuitHalfOpen
			br.probes = 1
			return true, nil
		}
		return false, schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for agent %q after %d consecutive failures", agentID, br.failures).
			WithDetails(map[string]any{
				"agent_id":           agentID,
				"cooldown_remaining": remaining.String(),
			})
	case CircuitHalfOpen:
		if br.probes >= b.cfg.HalfOpenMax {
			return false, schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for agent %q: probe in flight", agentID)
		}
		br.probes++
	}
	return false, nil
}

// Success closes the circuit. It reports whether the state changed.
func (b *Breakers) Success(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(agentID)
	changed := br.state != CircuitClosed
	br.state, br.failures, br.probes = CircuitClosed, 0, 0
	return changed
}

// Failure records a failed call and reports whether it opened the circuit.
func (b *Breakers) Failure(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(agentID)
	br.failures++
	br.lastFailure = b.now()

	if br.state == CircuitOpen {
		return false
	}
	if br.state == CircuitHalfOpen || (b.cfg.FailureThreshold > 0 && br.failures >= b.cfg.FailureThreshold) {
		br.state = CircuitOpen
		br.probes = 0
		return true
	}
	return false
}

// State returns the agent's circuit state.
func (b *Breakers) State(agentID string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(agentID)
	if br.state == CircuitOpen && b.now().Sub(br.lastFailure) >= b.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return br.state
}

// Stats returns a snapshot for agentID.
func (b *Breakers) Stats(agentID string) BreakerStats {
	state := b.State(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		AgentID:             agentID,
		State:               state.String(),
		ConsecutiveFailures: b.get(agentID).failures,
		FailureThreshold:    b.cfg.FailureThreshold,
		Cooldown:            b.cfg.Cooldown.String(),
	}
}

func (b *Breakers) get(agentID string) *breaker {
	br, ok := b.breakers[agentID]
	if !ok {
		br = &breaker{}
		b.breakers[agentID] = br
	}
	return br
}
