package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// TransitionHook is called around an instance status transition.
// Before hooks may veto the transition by returning an error.
type TransitionHook func(ctx context.Context, instanceID string, from, to schema.WorkflowStatus) error

// ValidTransitions defines the allowed status transitions for instances.
var ValidTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.StatusInitializing: {schema.StatusRunning, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusRunning:      {schema.StatusPaused, schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusPaused:       {schema.StatusRunning, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusCompleted:    {},
	schema.StatusFailed:       {},
	schema.StatusCancelled:    {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.WorkflowStatus) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Transition is an applied, not yet announced, status change.
type Transition struct {
	From   schema.WorkflowStatus
	To     schema.WorkflowStatus
	Reason string
}

type hookKey struct {
	from, to schema.WorkflowStatus
}

// InstanceFSM applies status transitions to instances. Apply mutates a
// working copy; Announce runs after hooks and emits the event once that copy
// has been saved. The caller owns persistence.
type InstanceFSM struct {
	mu     sync.Mutex
	emit   func(ctx context.Context, instanceID string, ev schema.Event)
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
	enter  map[schema.WorkflowStatus][]TransitionHook
}

// NewInstanceFSM creates an FSM that reports transitions through emit.
func NewInstanceFSM(emit func(ctx context.Context, instanceID string, ev schema.Event)) *InstanceFSM {
	if emit == nil {
		emit = func(context.Context, string, schema.Event) {}
	}
	return &InstanceFSM{
		emit:   emit,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
		enter:  make(map[schema.WorkflowStatus][]TransitionHook),
	}
}

// OnBefore registers a hook called before from -> to is applied.
func (f *InstanceFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after from -> to is announced.
func (f *InstanceFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// OnEnter registers a hook called after any transition into to is announced.
func (f *InstanceFSM) OnEnter(to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enter[to] = append(f.enter[to], hook)
}

// Apply validates the transition, runs before hooks and updates the status
// and lifecycle timestamps of inst.
func (f *InstanceFSM) Apply(ctx context.Context, inst *schema.WorkflowInstance, to schema.WorkflowStatus, reason string) (Transition, error) {
	from := inst.Status
	if !CanTransition(from, to) {
		return Transition{}, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": inst.InstanceID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	hooks := slices.Clone(f.before[hookKey{from, to}])
	f.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(ctx, inst.InstanceID, from, to); err != nil {
			return Transition{}, err
		}
	}

	now := time.Now().UTC()
	inst.Status = to
	inst.UpdatedAt = now
	switch to {
	case schema.StatusRunning:
		if inst.StartedAt == nil {
			inst.StartedAt = &now
		}
		inst.PausedAt = nil
	case schema.StatusPaused:
		inst.PausedAt = &now
	case schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled:
		inst.CompletedAt = &now
	}
	return Transition{From: from, To: to, Reason: reason}, nil
}

// Announce emits the event for a saved transition and runs after hooks.
// Hook errors are ignored; the transition is already durable.
func (f *InstanceFSM) Announce(ctx context.Context, instanceID string, t Transition) {
	if t.From == t.To {
		return
	}
	if kind := eventKind(t.From, t.To); kind != "" {
		ev := newEvent(kind, nil, string(t.To), t.Reason)
		f.emit(ctx, instanceID, ev)
	}

	f.mu.Lock()
	hooks := slices.Concat(f.after[hookKey{t.From, t.To}], f.enter[t.To])
	f.mu.Unlock()
	for _, hook := range hooks {
		_ = hook(ctx, instanceID, t.From, t.To)
	}
}

func eventKind(from, to schema.WorkflowStatus) string {
	switch to {
	case schema.StatusRunning:
		if from == schema.StatusPaused {
			return schema.EventWorkflowResumed
		}
		return schema.EventWorkflowStarted
	case schema.StatusPaused:
		return schema.EventWorkflowPaused
	case schema.StatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.StatusFailed:
		return schema.EventWorkflowFailed
	case schema.StatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}
