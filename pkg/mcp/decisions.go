package mcp

import (
	"context"
	"sync"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

type decisionKey struct {
	instanceID string
	step       string
}

// DecisionBoard holds routing decisions submitted through workflow.decide.
// A decision stays posted until the engine acknowledges the saved route, so
// a routing step reached again asks again and a failed save keeps it. Without
// a posted decision it falls back to Fallback.
type DecisionBoard struct {
	Fallback engine.DecisionProvider

	mu      sync.Mutex
	pending map[decisionKey]string
}

var (
	_ engine.DecisionProvider = (*DecisionBoard)(nil)
	_ engine.DecisionAcker    = (*DecisionBoard)(nil)
)

// NewDecisionBoard returns a board that falls back to context variables.
func NewDecisionBoard() *DecisionBoard {
	return &DecisionBoard{Fallback: engine.VariableDecisions{}, pending: make(map[decisionKey]string)}
}

// Post records label as the decision for step of instanceID.
func (b *DecisionBoard) Post(instanceID, step, label string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[decisionKey{instanceID, step}] = label
}

// Decide implements engine.DecisionProvider.
func (b *DecisionBoard) Decide(ctx context.Context, instanceID string, step *schema.Step, ec schema.ExecutionContext) (string, error) {
	b.mu.Lock()
	label, ok := b.pending[decisionKey{instanceID, step.Name}]
	b.mu.Unlock()
	if ok {
		return label, nil
	}
	if b.Fallback == nil {
		return "", engine.ErrDecisionPending
	}
	return b.Fallback.Decide(ctx, instanceID, step, ec)
}

// Ack implements engine.DecisionAcker. It consumes the posted decision once
// the route taken on it is saved. A decision posted again in between with a
// different label is kept.
func (b *DecisionBoard) Ack(instanceID, step, label string) {
	key := decisionKey{instanceID, step}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[key] == label {
		delete(b.pending, key)
	}
}
