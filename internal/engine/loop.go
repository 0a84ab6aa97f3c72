package engine

import (
	"context"
	"errors"
	"time"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/logging"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// errStop ends a loop whose instance left the running status, was
// interrupted by shutdown or could not be saved.
var errStop = errors.New("loop stopped")

// loop advances an instance one step at a time until it leaves running.
func (e *Engine) loop(ctx context.Context, r *run) error {
	ctx = logging.WithInstanceID(ctx, r.id)
	ctx = logging.WithDefinitionID(ctx, r.def.ID)
	log := logging.LogWith(ctx, e.log)

	e.metrics.RunStarted()
	defer e.metrics.RunFinished()

	for {
		if ctx.Err() != nil {
			log.Info("loop interrupted by shutdown")
			return nil
		}
		if stop, err := e.honorRequest(ctx, r); stop {
			return ignoreStop(err)
		}

		inst := r.snapshot()
		if inst.Status != schema.StatusRunning {
			return nil
		}
		if inst.CurrentStepIndex >= r.graph.Len() {
			return ignoreStop(e.transition(ctx, r, schema.StatusCompleted, "all steps finished", nil))
		}
		if limit := e.cfg.MaxStepExecutions; limit > 0 && inst.StepExecutions >= limit {
			err := schema.NewErrorf(schema.ErrCodeStepLimit,
				"executed %d steps without finishing", inst.StepExecutions).WithStep(inst.CurrentStepIndex)
			return ignoreStop(e.fail(ctx, r, r.graph.Step(inst.CurrentStepIndex), nil, err))
		}

		step := r.graph.Step(inst.CurrentStepIndex)
		if err := e.execute(ctx, r, step); err != nil {
			return ignoreStop(err)
		}
	}
}

func ignoreStop(err error) error {
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

// honorRequest applies a pending pause or cancel. It reports whether the
// loop must stop.
func (e *Engine) honorRequest(ctx context.Context, r *run) (bool, error) {
	switch r.requested() {
	case schema.StatusCancelled:
		if err := e.transition(ctx, r, schema.StatusCancelled, "cancel requested", nil); err != nil {
			return true, err
		}
		e.attempts.reset(r.id)
		return true, nil
	case schema.StatusPaused:
		r.withdraw(schema.StatusPaused)
		return true, e.transition(ctx, r, schema.StatusPaused, "pause requested", nil)
	}
	return false, nil
}

// commit applies mutate to a copy of the saved instance, saves the copy and
// only then makes it current. A failed save leaves the current state as it
// was and pauses the instance in memory.
func (e *Engine) commit(ctx context.Context, r *run, mutate func(inst *schema.WorkflowInstance) error) error {
	next := r.snapshot()
	if err := mutate(next); err != nil {
		if schema.HasCode(err, schema.ErrCodeState) {
			return e.stateFailure(ctx, r, err)
		}
		return err
	}
	next.Version++
	next.UpdatedAt = time.Now().UTC()

	if err := e.states.Save(context.WithoutCancel(ctx), next); err != nil {
		return e.stateFailure(ctx, r, err)
	}
	r.mu.Lock()
	r.inst = next
	r.mu.Unlock()
	return nil
}

// transition commits a status change plus any extra mutation and announces it.
func (e *Engine) transition(ctx context.Context, r *run, to schema.WorkflowStatus, reason string, mutate func(inst *schema.WorkflowInstance)) error {
	var t Transition
	err := e.commit(ctx, r, func(inst *schema.WorkflowInstance) error {
		if mutate != nil {
			mutate(inst)
		}
		var err error
		t, err = e.fsm.Apply(ctx, inst, to, reason)
		return err
	})
	if err != nil {
		return err
	}
	e.fsm.Announce(ctx, r.id, t)
	logging.LogWith(ctx, e.log).Info("instance transition",
		"from", string(t.From), "to", string(t.To), "reason", reason)
	return nil
}

// stateFailure handles a failed save: the instance pauses in memory with a
// critical state issue and the loop stops. The paused record is saved on a
// best-effort basis.
func (e *Engine) stateFailure(ctx context.Context, r *run, cause error) error {
	e.metrics.StateFailure()
	werr := schema.NewErrorf(schema.ErrCodeState, "persist instance: %s", cause.Error()).WithCause(cause)

	paused := r.snapshot()
	if paused.Status != schema.StatusPaused && CanTransition(paused.Status, schema.StatusPaused) {
		_, _ = e.fsm.Apply(ctx, paused, schema.StatusPaused, "state error")
	}
	issue := newIssue(werr, paused.CurrentStepIndex)
	paused.Issues = append(paused.Issues, issue)
	paused.Version++
	paused.UpdatedAt = time.Now().UTC()

	logging.LogWith(ctx, e.log).Error("state save failed; instance paused",
		"step_index", paused.CurrentStepIndex, "error", cause)

	r.mu.Lock()
	r.inst = paused
	r.mu.Unlock()

	if err := e.states.Save(context.WithoutCancel(ctx), paused); err != nil {
		e.mu.Lock()
		e.unsaved[r.id] = paused.Clone()
		e.mu.Unlock()
	}
	e.emit(ctx, r.id, newEvent(schema.EventIssueRaised, nil, string(issue.Severity), issue.Message))
	e.emit(ctx, r.id, newEvent(schema.EventWorkflowPaused, nil, string(schema.StatusPaused), "state error"))
	return errors.Join(errStop, werr)
}

// fail records err as an issue and moves the instance to failed, or to
// paused when the recovery policy says so. entry, when set, is the timeline
// entry of the failed attempt.
func (e *Engine) fail(ctx context.Context, r *run, step *schema.Step, entry *schema.TimelineEntry, err error) error {
	return e.settle(ctx, r, step, entry, err, schema.StatusFailed)
}

func (e *Engine) pause(ctx context.Context, r *run, step *schema.Step, entry *schema.TimelineEntry, err error) error {
	return e.settle(ctx, r, step, entry, err, schema.StatusPaused)
}

func (e *Engine) settle(ctx context.Context, r *run, step *schema.Step, entry *schema.TimelineEntry, err error, to schema.WorkflowStatus) error {
	index := schema.NoStep
	if step != nil {
		index = step.Index
	}
	issue := newIssue(err, index)
	terr := e.transition(ctx, r, to, issue.Message, func(inst *schema.WorkflowInstance) {
		if entry != nil {
			inst.History = append(inst.History, *entry)
		}
		inst.Issues = append(inst.Issues, issue)
	})
	if terr != nil {
		return terr
	}
	if step != nil && !errors.Is(err, ErrDecisionPending) {
		e.emit(ctx, r.id, newEvent(schema.EventStepFailed, step, string(schema.StepFailed), issue.Message))
		e.metrics.Step(string(step.Kind), string(schema.StepFailed))
	}
	e.emit(ctx, r.id, newEvent(schema.EventIssueRaised, step, string(issue.Severity), issue.Message))
	logging.LogWith(ctx, e.log).Warn("step failed",
		"step_index", index, "code", issue.Code, "status", string(to), "error", err)
	return errStop
}

func newIssue(err error, stepIndex int) schema.Issue {
	code := schema.CodeOf(err)
	kind, severity := schema.IssueAgent, schema.SeverityHigh
	switch code {
	case schema.ErrCodeDependency:
		kind = schema.IssueDependency
	case schema.ErrCodeRouting:
		kind = schema.IssueRouting
	case schema.ErrCodeCondition, schema.ErrCodeExpression:
		kind = schema.IssueCondition
	case schema.ErrCodeDefinition:
		kind = schema.IssueDefinition
	case schema.ErrCodeStepLimit:
		kind = schema.IssueLimit
	case schema.ErrCodeState:
		kind, severity = schema.IssueState, schema.SeverityCritical
	}
	if errors.Is(err, ErrDecisionPending) {
		kind, severity = schema.IssueRouting, schema.SeverityMedium
	}
	msg := err.Error()
	var werr *schema.WorkflowError
	if errors.As(err, &werr) {
		msg = werr.Message
	}
	return schema.Issue{
		Kind:      kind,
		Severity:  severity,
		StepIndex: stepIndex,
		Code:      code,
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	}
}
