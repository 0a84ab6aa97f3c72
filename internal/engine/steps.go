package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/expressions"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/logging"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// errYield hands control back to the loop without an error: the step was
// skipped, or a pause or cancel request arrived between retries or cycle
// iterations and the loop must honour it first.
var errYield = errors.New("yield to loop")

// execute runs one step. A nil result means the loop may continue.
func (e *Engine) execute(ctx context.Context, r *run, step *schema.Step) error {
	ctx = logging.WithStep(ctx, step.Name)
	ctx = logging.WithAgentID(ctx, step.AgentID)
	logging.LogWith(ctx, e.log).Debug("step started", "step_index", step.Index, "kind", string(step.Kind))

	var err error
	switch step.Kind {
	case schema.StepKindRouting:
		err = e.route(ctx, r, step)
	case schema.StepKindConditional:
		err = e.conditional(ctx, r, step)
	case schema.StepKindCycle:
		err = e.cycle(ctx, r, step)
	case schema.StepKindAgent:
		err = e.agentStep(ctx, r, step)
	default:
		err = e.fail(ctx, r, step, nil,
			schema.NewErrorf(schema.ErrCodeDefinition, "unknown step kind %q", step.Kind).WithStep(step.Index))
	}
	if errors.Is(err, errYield) {
		return nil
	}
	return err
}

func (e *Engine) route(ctx context.Context, r *run, step *schema.Step) error {
	started := time.Now().UTC()
	inst := r.snapshot()

	label, err := e.decisions.Decide(ctx, r.id, step, inst.Context)
	if errors.Is(err, ErrDecisionPending) {
		logging.LogWith(ctx, e.log).Info("routing decision pending; pausing", "options", r.graph.Labels(step.Index))
		return e.pause(ctx, r, step, nil, err)
	}
	if err != nil {
		return e.fail(ctx, r, step, nil,
			schema.NewErrorf(schema.ErrCodeRouting, "decide route: %s", err.Error()).WithStep(step.Index).WithCause(err))
	}

	target, err := r.graph.Route(step.Index, label)
	if err != nil {
		return e.fail(ctx, r, step, nil, err)
	}

	err = e.commit(ctx, r, func(inst *schema.WorkflowInstance) error {
		inst.History = append(inst.History, entryFor(step, schema.StepRouted, started, func(en *schema.TimelineEntry) {
			en.Route = label
		}))
		inst.CurrentStepIndex = target
		inst.StepExecutions++
		return nil
	})
	if err != nil {
		return err
	}
	if acker, ok := e.decisions.(DecisionAcker); ok {
		acker.Ack(r.id, step.Name, label)
	}
	e.metrics.Step(string(step.Kind), string(schema.StepRouted))
	e.emit(ctx, r.id, newEvent(schema.EventStepRouted, step, string(schema.StepRouted),
		fmt.Sprintf("%s -> %s", label, r.graph.Step(target).Name)))
	logging.LogWith(ctx, e.log).Info("step routed", "label", label, "target", target)
	return nil
}

func (e *Engine) conditional(ctx context.Context, r *run, step *schema.Step) error {
	started := time.Now().UTC()
	inst := r.snapshot()

	ok, err := e.conditions.Evaluate(ctx, step.Conditional.Condition, inst.Context)
	if err != nil {
		var we *schema.WorkflowError
		if errors.As(err, &we) {
			we.WithStep(step.Index)
		}
		return e.fail(ctx, r, step, nil, err)
	}
	e.emit(ctx, r.id, newEvent(schema.EventConditionEvaluated, step, fmt.Sprint(ok), step.Conditional.Condition))
	if ok {
		return e.runWork(ctx, r, step, &step.Conditional.Inner)
	}
	return e.skip(ctx, r, step, started, "condition not met")
}

func (e *Engine) agentStep(ctx context.Context, r *run, step *schema.Step) error {
	work := step.Agent
	if work == nil {
		work = &schema.AgentStep{}
	}
	return e.runWork(ctx, r, step, work)
}

// runWork invokes the agent of a non-cycle step and records its outputs.
func (e *Engine) runWork(ctx context.Context, r *run, step *schema.Step, work *schema.AgentStep) error {
	started := time.Now().UTC()
	out, err := e.invoke(ctx, r, step, work, nil, nil)
	if err != nil {
		return err
	}

	var created []string
	err = e.commit(ctx, r, func(inst *schema.WorkflowInstance) error {
		var perr error
		created, perr = e.storeArtifacts(ctx, inst, step, work.Creates, out.Output, nil, nil)
		if perr != nil {
			return perr
		}
		maps.Copy(inst.Context.Variables, out.Variables)
		inst.History = append(inst.History, entryFor(step, schema.StepCompleted, started, nil))
		inst.CurrentStepIndex = step.Index + 1
		inst.StepExecutions++
		return nil
	})
	if err != nil {
		return err
	}
	e.completed(ctx, r, step, created)
	return nil
}

func (e *Engine) cycle(ctx context.Context, r *run, step *schema.Step) error {
	cyc := step.Cycle
	work := &cyc.Inner
	mode := cyc.Collect
	if mode == "" {
		mode = e.cfg.CycleArtifacts
	}

	inst := r.snapshot()
	items, err := expressions.ResolveCollection(ctx, e.jq, cyc.RepeatOver, inst.Context)
	if err != nil {
		var we *schema.WorkflowError
		if errors.As(err, &we) {
			we.WithStep(step.Index)
		}
		return e.recover(ctx, r, step, nil, err, 1)
	}

	cursor := inst.Cycle
	if cursor == nil || cursor.StepIndex != step.Index {
		cursor = &schema.CycleCursor{StepIndex: step.Index, Total: len(items)}
		err := e.commit(ctx, r, func(inst *schema.WorkflowInstance) error {
			inst.Cycle = cursor
			return nil
		})
		if err != nil {
			return err
		}
	}

	log := logging.LogWith(ctx, e.log)
	for i := cursor.Next; i < len(items); i++ {
		if r.requested() != "" {
			return errYield
		}
		iter := i
		started := time.Now().UTC()
		e.emit(ctx, r.id, newEvent(schema.EventCycleIterStarted, step, "", fmt.Sprintf("iteration %d of %d", i+1, len(items))))

		out, err := e.invoke(ctx, r, step, work, &iter, items[i])
		if err != nil {
			return err
		}

		var created []string
		err = e.commit(ctx, r, func(inst *schema.WorkflowInstance) error {
			if mode == schema.CollectMerged {
				inst.Cycle.Outputs = append(inst.Cycle.Outputs, out.Output)
			} else {
				var perr error
				created, perr = e.storeArtifacts(ctx, inst, step, work.Creates, out.Output, &iter, func(name string) string {
					return schema.IndexedName(name, iter)
				})
				if perr != nil {
					return perr
				}
			}
			maps.Copy(inst.Context.Variables, out.Variables)
			inst.History = append(inst.History, entryFor(step, schema.StepCompleted, started, func(en *schema.TimelineEntry) {
				en.Iteration = &iter
			}))
			inst.Cycle.Next = iter + 1
			inst.Cycle.Total = len(items)
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range created {
			e.emit(ctx, r.id, newEvent(schema.EventArtifactCreated, step, "", key))
		}
		e.emit(ctx, r.id, newEvent(schema.EventCycleIterCompleted, step, string(schema.StepCompleted), fmt.Sprintf("iteration %d of %d", i+1, len(items))))
		log.Debug("cycle iteration completed", "iteration", i, "total", len(items))
	}

	var created []string
	err = e.commit(ctx, r, func(inst *schema.WorkflowInstance) error {
		if mode == schema.CollectMerged && len(inst.Cycle.Outputs) > 0 {
			var perr error
			created, perr = e.storeArtifacts(ctx, inst, step, work.Creates, strings.Join(inst.Cycle.Outputs, "\n\n"), nil, nil)
			if perr != nil {
				return perr
			}
		}
		inst.Cycle = nil
		inst.CurrentStepIndex = step.Index + 1
		inst.StepExecutions++
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(ctx, r.id, newEvent(schema.EventCycleCompleted, step, string(schema.StepCompleted), fmt.Sprintf("%d iterations", len(items))))
	e.completed(ctx, r, step, created)
	return nil
}

// invoke calls the step's agent until it succeeds or the recovery policy
// gives up. On give-up the failure has already been settled and the returned
// error stops or continues the loop accordingly.
func (e *Engine) invoke(ctx context.Context, r *run, step *schema.Step, work *schema.AgentStep, iter *int, item any) (*AgentOutput, error) {
	key := attemptKey{instanceID: r.id, step: step.Index, iteration: -1}
	if iter != nil {
		key.iteration = *iter
	}
	log := logging.LogWith(ctx, e.log)

	for {
		inst := r.snapshot()
		if err := checkRequires(inst.Context, step, work); err != nil {
			return nil, e.recover(ctx, r, step, iter, err, 1)
		}
		ec, herr := e.hydrate(ctx, inst.Context, work.Requires)
		if herr != nil {
			return nil, e.recover(ctx, r, step, iter, herr.WithStep(step.Index), 1)
		}

		attempt := e.attempts.get(key) + 1
		inv := &Invocation{
			InstanceID:   r.id,
			DefinitionID: inst.DefinitionID,
			Step:         *step,
			Attempt:      attempt,
			Iteration:    iter,
			Item:         item,
			Prompt:       expressions.Render(step.Description, ec, item),
			Handoff:      handoffFor(r.def, step),
			Context:      ec,
		}
		e.emit(ctx, r.id, newEvent(schema.EventStepStarted, step, "", fmt.Sprintf("attempt %d", attempt)))

		started := time.Now().UTC()
		out, err := e.call(ctx, r, step, inv)
		if err == nil {
			e.attempts.clear(key)
			return out, nil
		}
		if e.ctx.Err() != nil {
			// Shutdown: leave the instance at its last saved state.
			return nil, errStop
		}

		failures := e.attempts.fail(key)
		entry := entryFor(step, schema.StepFailed, started, func(en *schema.TimelineEntry) {
			en.Attempt = failures
			en.Iteration = iter
			en.Error = err.Error()
		})
		action := e.cfg.Recovery.decide(err, step, failures)
		if action != actionRetry {
			e.attempts.clear(key)
			return nil, e.settleAction(ctx, r, step, &entry, err, action)
		}

		if cerr := e.commit(ctx, r, func(inst *schema.WorkflowInstance) error {
			inst.History = append(inst.History, entry)
			return nil
		}); cerr != nil {
			return nil, cerr
		}
		delay := e.cfg.Recovery.delay(failures)
		e.metrics.Retry(step.AgentID)
		e.emit(ctx, r.id, newEvent(schema.EventStepRetrying, step, string(schema.StepFailed),
			fmt.Sprintf("attempt %d failed: %s; retrying in %s", failures, err.Error(), delay)))
		log.Warn("agent call failed; retrying", "attempt", failures, "delay", delay, "error", err)

		if !waitBackoff(ctx, delay, r.wake) && ctx.Err() != nil {
			return nil, errStop
		}
		if r.requested() != "" {
			return nil, errYield
		}
	}
}

// call performs one agent invocation under the step timeout and the agent's
// circuit breaker, and classifies its failure.
func (e *Engine) call(ctx context.Context, r *run, step *schema.Step, inv *Invocation) (*AgentOutput, error) {
	if e.breakers != nil {
		probing, err := e.breakers.Allow(step.AgentID)
		if err != nil {
			return nil, err.(*schema.WorkflowError).WithStep(step.Index)
		}
		if probing {
			e.emit(ctx, r.id, newEvent(schema.EventCircuitBreakerHalfOpen, step, CircuitHalfOpen.String(), ""))
		}
	}

	timeout := e.cfg.StepTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	out, err := e.agents.Invoke(callCtx, inv)
	e.metrics.ObserveInvocation(step.AgentID, err == nil, time.Since(start))

	if err != nil {
		if e.breakers != nil && e.breakers.Failure(step.AgentID) {
			e.emit(ctx, r.id, newEvent(schema.EventCircuitBreakerOpen, step, CircuitOpen.String(), err.Error()))
		}
		return nil, classifyAgentError(err, callCtx, ctx, timeout, step)
	}
	if e.breakers != nil && e.breakers.Success(step.AgentID) {
		e.emit(ctx, r.id, newEvent(schema.EventCircuitBreakerClosed, step, CircuitClosed.String(), ""))
	}
	if out == nil {
		out = &AgentOutput{}
	}
	return out, nil
}

func classifyAgentError(err error, callCtx, parent context.Context, timeout time.Duration, step *schema.Step) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return schema.NewErrorf(schema.ErrCodeTimeout, "agent %s exceeded %s", step.AgentID, timeout).
			WithStep(step.Index).WithCause(err)
	}
	// Whatever the invoker reports is an agent failure to the recovery
	// policy. Its own code stays reachable through the cause chain.
	var we *schema.WorkflowError
	if errors.As(err, &we) && (we.Code == schema.ErrCodeAgentInvocation || we.Code == schema.ErrCodeTimeout) {
		if we.StepIndex == schema.NoStep {
			we.StepIndex = step.Index
		}
		return we
	}
	return schema.NewErrorf(schema.ErrCodeAgentInvocation, "agent %s: %s", step.AgentID, err.Error()).
		WithStep(step.Index).WithCause(err)
}

// recover applies the recovery policy to a failure that happened outside an
// agent call, such as a missing dependency.
func (e *Engine) recover(ctx context.Context, r *run, step *schema.Step, iter *int, err error, failures int) error {
	entry := entryFor(step, schema.StepFailed, time.Now().UTC(), func(en *schema.TimelineEntry) {
		en.Iteration = iter
		en.Error = err.Error()
	})
	return e.settleAction(ctx, r, step, &entry, err, e.cfg.Recovery.decide(err, step, failures))
}

// settleAction carries out a non-retry recovery action.
func (e *Engine) settleAction(ctx context.Context, r *run, step *schema.Step, entry *schema.TimelineEntry, err error, action recoveryAction) error {
	switch action {
	case actionSkip:
		logging.LogWith(ctx, e.log).Info("optional step skipped", "error", err)
		return e.skip(ctx, r, step, entry.StartedAt, err.Error())
	case actionPause:
		return e.pause(ctx, r, step, entry, err)
	default:
		return e.fail(ctx, r, step, entry, err)
	}
}

func (e *Engine) skip(ctx context.Context, r *run, step *schema.Step, started time.Time, reason string) error {
	err := e.commit(ctx, r, func(inst *schema.WorkflowInstance) error {
		inst.History = append(inst.History, entryFor(step, schema.StepSkipped, started, func(en *schema.TimelineEntry) {
			en.Error = reason
		}))
		inst.Cycle = nil
		inst.CurrentStepIndex = step.Index + 1
		inst.StepExecutions++
		return nil
	})
	if err != nil {
		return err
	}
	e.metrics.Step(string(step.Kind), string(schema.StepSkipped))
	e.emit(ctx, r.id, newEvent(schema.EventStepSkipped, step, string(schema.StepSkipped), reason))
	logging.LogWith(ctx, e.log).Info("step skipped", "reason", reason)
	return errYield
}

func (e *Engine) completed(ctx context.Context, r *run, step *schema.Step, created []string) {
	for _, key := range created {
		e.emit(ctx, r.id, newEvent(schema.EventArtifactCreated, step, "", key))
	}
	e.metrics.Step(string(step.Kind), string(schema.StepCompleted))
	e.emit(ctx, r.id, newEvent(schema.EventStepCompleted, step, string(schema.StepCompleted), ""))
	logging.LogWith(ctx, e.log).Info("step completed", "step_index", step.Index, "artifacts", created)
}

// storeArtifacts records output under every name in creates. keyFor maps a
// name to its storage key; nil means the next free version of the name.
// Content goes to the artifact store when one is configured.
func (e *Engine) storeArtifacts(ctx context.Context, inst *schema.WorkflowInstance, step *schema.Step, creates []string, output string, iter *int, keyFor func(string) string) ([]string, error) {
	created := make([]string, 0, len(creates))
	now := time.Now().UTC()
	for _, name := range creates {
		key := inst.Context.NextArtifactKey(name)
		if keyFor != nil {
			key = inst.Context.NextArtifactKey(keyFor(name))
		}
		a := schema.Artifact{
			Name:           name,
			Content:        output,
			ProducedByStep: step.Index,
			Iteration:      iter,
			CreatedAt:      now,
		}
		if e.artifacts != nil {
			ref, err := e.artifacts.Put(context.WithoutCancel(ctx), inst.InstanceID, a)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeState, "store artifact %s: %s", key, err.Error()).
					WithStep(step.Index).WithCause(err)
			}
			a.Ref, a.Content = ref, ""
		}
		inst.Context.Artifacts[key] = a
		created = append(created, key)
	}
	return created, nil
}

// hydrate returns a copy of ec whose required artifacts carry their content.
func (e *Engine) hydrate(ctx context.Context, ec schema.ExecutionContext, requires []string) (schema.ExecutionContext, *schema.WorkflowError) {
	if e.artifacts == nil {
		return ec, nil
	}
	out := ec.Clone()
	for _, name := range requires {
		for _, a := range ec.Related(name) {
			if a.Ref == "" || a.Content != "" {
				continue
			}
			content, err := e.artifacts.Get(ctx, a.Ref)
			if err != nil {
				return ec, schema.NewErrorf(schema.ErrCodeDependency, "load artifact %s: %s", name, err.Error()).WithCause(err)
			}
			for key, stored := range out.Artifacts {
				if stored.Ref == a.Ref {
					stored.Content = content
					out.Artifacts[key] = stored
				}
			}
		}
	}
	return out, nil
}

func checkRequires(ec schema.ExecutionContext, step *schema.Step, work *schema.AgentStep) error {
	var missing []string
	for _, name := range work.Requires {
		if !ec.HasArtifact(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeDependency, "missing required artifacts: %s", strings.Join(missing, ", ")).
		WithStep(step.Index).
		WithDetails(map[string]any{"missing": missing})
}

func handoffFor(def *schema.WorkflowDefinition, step *schema.Step) string {
	if def == nil {
		return ""
	}
	if note, ok := def.HandoffNotes[step.Name]; ok {
		return note
	}
	return def.HandoffNotes[step.AgentID]
}

func entryFor(step *schema.Step, status schema.StepStatus, started time.Time, fill func(*schema.TimelineEntry)) schema.TimelineEntry {
	en := schema.TimelineEntry{
		StepIndex:  step.Index,
		StepName:   step.Name,
		Kind:       step.Kind,
		AgentID:    step.AgentID,
		Status:     status,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if fill != nil {
		fill(&en)
	}
	return en
}
