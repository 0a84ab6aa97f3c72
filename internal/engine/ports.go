package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// Invocation is the request handed to an agent for one step attempt.
type Invocation struct {
	InstanceID   string                  `json:"instance_id"`
	DefinitionID string                  `json:"definition_id"`
	Step         schema.Step             `json:"step"`
	Attempt      int                     `json:"attempt"`
	Iteration    *int                    `json:"iteration,omitempty"`
	Item         any                     `json:"item,omitempty"`
	Prompt       string                  `json:"prompt,omitempty"`
	Handoff      string                  `json:"handoff,omitempty"`
	Context      schema.ExecutionContext `json:"context"`
}

// AgentOutput is an agent's result. Output is stored under every artifact
// the step creates; Variables are merged into the execution context.
type AgentOutput struct {
	Output    string         `json:"output"`
	Variables map[string]any `json:"variables,omitempty"`
}

// AgentInvoker performs the work of a step. Calls may be slow, must honor
// the context deadline and may be repeated for the same step.
type AgentInvoker interface {
	Invoke(ctx context.Context, inv *Invocation) (*AgentOutput, error)
}

// AgentInvokerFunc adapts a function to AgentInvoker.
type AgentInvokerFunc func(ctx context.Context, inv *Invocation) (*AgentOutput, error)

// Invoke calls f.
func (f AgentInvokerFunc) Invoke(ctx context.Context, inv *Invocation) (*AgentOutput, error) {
	return f(ctx, inv)
}

// StateStore persists whole instances. Save must be atomic per instance;
// Load returns (nil, nil) when the instance does not exist.
type StateStore interface {
	Save(ctx context.Context, inst *schema.WorkflowInstance) error
	Load(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error)
}

// InstanceFilter narrows an instance listing.
type InstanceFilter struct {
	Status       schema.WorkflowStatus
	DefinitionID string
	Limit        int
}

// InstanceLister is implemented by stores that can enumerate instances.
// The engine needs it to adopt orphaned runs.
type InstanceLister interface {
	List(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error)
}

// EventSink receives progress events. Delivery is best effort: the engine
// logs and counts errors but never fails a step because of them.
type EventSink interface {
	Emit(ctx context.Context, instanceID string, event schema.Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, instanceID string, event schema.Event) error

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, instanceID string, event schema.Event) error {
	return f(ctx, instanceID, event)
}

// MultiSink fans events out to every sink and joins their errors.
type MultiSink []EventSink

// Emit delivers event to all sinks.
func (m MultiSink) Emit(ctx context.Context, instanceID string, event schema.Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, instanceID, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, string, schema.Event) error { return nil }

// ArtifactStore keeps artifact content outside the instance record.
type ArtifactStore interface {
	Put(ctx context.Context, instanceID string, a schema.Artifact) (ref string, err error)
	Get(ctx context.Context, ref string) (string, error)
}

// DecisionProvider supplies the option label a routing step takes.
type DecisionProvider interface {
	Decide(ctx context.Context, instanceID string, step *schema.Step, ec schema.ExecutionContext) (string, error)
}

// DecisionProviderFunc adapts a function to DecisionProvider.
type DecisionProviderFunc func(ctx context.Context, instanceID string, step *schema.Step, ec schema.ExecutionContext) (string, error)

// Decide calls f.
func (f DecisionProviderFunc) Decide(ctx context.Context, instanceID string, step *schema.Step, ec schema.ExecutionContext) (string, error) {
	return f(ctx, instanceID, step, ec)
}

// DecisionAcker is implemented by decision providers that hold a decision
// until the route taken on it has been saved.
type DecisionAcker interface {
	Ack(instanceID, step, label string)
}

// ErrDecisionPending tells the engine that no decision is available yet.
// The instance pauses at the routing step and resumes there.
var ErrDecisionPending = errors.New("routing decision pending")

// VariableDecisions reads the decision for a routing step from the context
// variable named after the step, then from the "<step>_decision" variable.
type VariableDecisions struct{}

// Decide implements DecisionProvider.
func (VariableDecisions) Decide(_ context.Context, _ string, step *schema.Step, ec schema.ExecutionContext) (string, error) {
	for _, key := range []string{step.Name, step.Name + "_decision"} {
		if v, ok := ec.Variables[key]; ok && v != nil {
			return fmt.Sprint(v), nil
		}
	}
	return "", ErrDecisionPending
}

// DefinitionSource resolves definition ids.
type DefinitionSource interface {
	Lookup(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
}

func newEvent(kind string, step *schema.Step, status string, msg string) schema.Event {
	ev := schema.Event{Kind: kind, StepIndex: schema.NoStep, Status: status, Message: msg, Timestamp: time.Now().UTC()}
	if step != nil {
		ev.StepIndex = step.Index
		ev.StepName = step.Name
		ev.AgentID = step.AgentID
	}
	return ev
}
