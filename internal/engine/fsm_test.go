package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// recorder captures emitted events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []schema.Event
}

func (r *recorder) emit(_ context.Context, _ string, ev schema.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Emit(ctx context.Context, id string, ev schema.Event) error {
	r.emit(ctx, id, ev)
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func TestInstanceFSM_Lifecycle(t *testing.T) {
	rec := &recorder{}
	fsm := NewInstanceFSM(rec.emit)
	ctx := context.Background()
	inst := &schema.WorkflowInstance{InstanceID: "i-1", Status: schema.StatusInitializing}

	for _, to := range []schema.WorkflowStatus{
		schema.StatusRunning, schema.StatusPaused, schema.StatusRunning, schema.StatusCompleted,
	} {
		tr, err := fsm.Apply(ctx, inst, to, "")
		require.NoError(t, err)
		fsm.Announce(ctx, inst.InstanceID, tr)
	}

	assert.Equal(t, []string{
		schema.EventWorkflowStarted,
		schema.EventWorkflowPaused,
		schema.EventWorkflowResumed,
		schema.EventWorkflowCompleted,
	}, rec.kinds())
	assert.Equal(t, schema.StatusCompleted, inst.Status)
	assert.NotNil(t, inst.StartedAt)
	assert.NotNil(t, inst.CompletedAt)
	assert.Nil(t, inst.PausedAt, "resume clears the pause timestamp")
}

func TestInstanceFSM_InvalidTransition(t *testing.T) {
	fsm := NewInstanceFSM(nil)
	inst := &schema.WorkflowInstance{InstanceID: "i-1", Status: schema.StatusCompleted}

	_, err := fsm.Apply(context.Background(), inst, schema.StatusRunning, "")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Contains(t, err.Error(), "completed -> running")
	assert.Equal(t, schema.StatusCompleted, inst.Status, "status unchanged on rejection")
}

func TestInstanceFSM_PauseOnlyFromRunning(t *testing.T) {
	assert.True(t, CanTransition(schema.StatusRunning, schema.StatusPaused))
	assert.False(t, CanTransition(schema.StatusInitializing, schema.StatusPaused))
	assert.False(t, CanTransition(schema.StatusPaused, schema.StatusPaused))
	for _, terminal := range []schema.WorkflowStatus{schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled} {
		assert.Empty(t, ValidTransitions[terminal], terminal)
	}
}

func TestInstanceFSM_BeforeHookVetoes(t *testing.T) {
	fsm := NewInstanceFSM(nil)
	fsm.OnBefore(schema.StatusRunning, schema.StatusCompleted, func(context.Context, string, schema.WorkflowStatus, schema.WorkflowStatus) error {
		return errors.New("not yet")
	})
	inst := &schema.WorkflowInstance{Status: schema.StatusRunning}

	_, err := fsm.Apply(context.Background(), inst, schema.StatusCompleted, "")
	assert.EqualError(t, err, "not yet")
	assert.Equal(t, schema.StatusRunning, inst.Status)
}

func TestInstanceFSM_AfterAndEnterHooks(t *testing.T) {
	fsm := NewInstanceFSM(nil)
	var calls []string
	fsm.OnAfter(schema.StatusRunning, schema.StatusFailed, func(_ context.Context, id string, from, to schema.WorkflowStatus) error {
		calls = append(calls, "after:"+string(from)+">"+string(to))
		return nil
	})
	fsm.OnEnter(schema.StatusFailed, func(_ context.Context, id string, _, _ schema.WorkflowStatus) error {
		calls = append(calls, "enter:"+id)
		return errors.New("ignored")
	})

	inst := &schema.WorkflowInstance{InstanceID: "i-9", Status: schema.StatusRunning}
	tr, err := fsm.Apply(context.Background(), inst, schema.StatusFailed, "boom")
	require.NoError(t, err)
	assert.Empty(t, calls, "after hooks wait for Announce")

	fsm.Announce(context.Background(), inst.InstanceID, tr)
	assert.Equal(t, []string{"after:running>failed", "enter:i-9"}, calls)
}
