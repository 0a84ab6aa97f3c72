package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/expressions"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/graph"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/logging"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/metrics"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// Config holds deployment-wide execution settings.
type Config struct {
	Recovery RecoveryPolicy
	// PoolSize bounds the number of instance loops running at once.
	PoolSize int
	// StepTimeout applies to agent calls of steps without their own timeout.
	StepTimeout time.Duration
	// MaxStepExecutions fails an instance that executes more steps than
	// this, which catches routing loops. Zero disables the guard.
	MaxStepExecutions int
	// CycleArtifacts is the collect mode of cycles that do not set one.
	CycleArtifacts schema.CollectMode
	// ConditionEngine selects the expression language: cel or expr.
	ConditionEngine string
	// CircuitBreaker enables per-agent breakers when non-nil.
	CircuitBreaker *CircuitBreakerConfig
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Recovery:          DefaultRecoveryPolicy(),
		PoolSize:          10,
		StepTimeout:       5 * time.Minute,
		MaxStepExecutions: 1000,
		CycleArtifacts:    schema.CollectEach,
		ConditionEngine:   "cel",
	}
}

// Deps are the collaborators an Engine drives. Definitions, States and
// Agents are required.
type Deps struct {
	Definitions DefinitionSource
	States      StateStore
	Events      EventSink
	Agents      AgentInvoker
	Artifacts   ArtifactStore
	Decisions   DecisionProvider
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

// Engine executes workflow instances. Each instance is advanced by exactly
// one loop task at a time; the control methods only record requests that the
// loop observes between steps.
type Engine struct {
	defs      DefinitionSource
	states    StateStore
	events    EventSink
	agents    AgentInvoker
	artifacts ArtifactStore
	decisions DecisionProvider
	metrics   *metrics.Collector
	log       *slog.Logger

	cfg        Config
	fsm        *InstanceFSM
	pool       *WorkerPool
	attempts   *attemptCounter
	breakers   *Breakers
	conditions *expressions.Conditions
	jq         *expressions.GoJQEngine

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
	// unsaved holds instances whose last in-memory state could not be
	// persisted, so Status keeps reporting the state error.
	unsaved map[string]*schema.WorkflowInstance
}

// New creates an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Definitions == nil || deps.States == nil || deps.Agents == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires definitions, state store and agent invoker")
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	if deps.Decisions == nil {
		deps.Decisions = VariableDecisions{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.CycleArtifacts == "" {
		cfg.CycleArtifacts = schema.CollectEach
	}

	exprEngine, err := expressions.NewConditionEngine(cfg.ConditionEngine)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		defs:       deps.Definitions,
		states:     deps.States,
		events:     deps.Events,
		agents:     deps.Agents,
		artifacts:  deps.Artifacts,
		decisions:  deps.Decisions,
		metrics:    deps.Metrics,
		log:        deps.Logger,
		cfg:        cfg,
		pool:       NewWorkerPool(cfg.PoolSize),
		attempts:   newAttemptCounter(),
		conditions: expressions.NewConditions(exprEngine),
		jq:         expressions.NewGoJQEngine(),
		ctx:        ctx,
		cancel:     cancel,
		runs:       make(map[string]*run),
		unsaved:    make(map[string]*schema.WorkflowInstance),
	}
	if cfg.CircuitBreaker != nil {
		e.breakers = NewBreakers(*cfg.CircuitBreaker)
	}
	e.fsm = NewInstanceFSM(e.emit)
	for _, st := range []schema.WorkflowStatus{
		schema.StatusRunning, schema.StatusPaused, schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled,
	} {
		e.fsm.OnEnter(st, func(_ context.Context, _ string, _, to schema.WorkflowStatus) error {
			e.metrics.Transition(string(to))
			return nil
		})
	}
	e.pool.OnPanic(func(name string, r any) {
		e.log.Error("instance loop panicked", "instance_id", name, "panic", fmt.Sprint(r))
	})
	return e, nil
}

// FSM exposes the instance state machine so callers can register hooks.
func (e *Engine) FSM() *InstanceFSM { return e.fsm }

// Breakers returns the per-agent circuit breakers, or nil when disabled.
func (e *Engine) Breakers() *Breakers { return e.breakers }

// PoolMetrics returns a snapshot of the loop pool.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// RegisterPredicate binds a Go predicate to a condition name.
func (e *Engine) RegisterPredicate(name string, p expressions.Predicate) {
	e.conditions.Register(name, p)
}

// run is the in-memory handle of an instance owned by a loop.
type run struct {
	id    string
	graph *graph.StepGraph
	def   *schema.WorkflowDefinition

	mu      sync.Mutex
	inst    *schema.WorkflowInstance // last saved state
	request schema.WorkflowStatus    // pending pause or cancel

	wake chan struct{}
	done chan struct{}
}

func newRun(id string) *run {
	return &run{id: id, wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (r *run) snapshot() *schema.WorkflowInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inst == nil {
		return nil
	}
	return r.inst.Clone()
}

func (r *run) set(inst *schema.WorkflowInstance) {
	r.mu.Lock()
	r.inst = inst
	r.mu.Unlock()
}

func (r *run) requested() schema.WorkflowStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.request
}

// withdraw drops a pending request of the given status together with any
// wake-up it left, so a later backoff waits its full delay.
func (r *run) withdraw(status schema.WorkflowStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.request != status {
		return
	}
	r.request = ""
	select {
	case <-r.wake:
	default:
	}
}

// ask records a pause or cancel request. Cancel wins over pause.
func (r *run) ask(status schema.WorkflowStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.request != schema.StatusCancelled {
		r.request = status
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// StartWorkflow creates an instance of definitionID, saves it as running and
// queues its loop. Definition errors are returned directly.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID string, inputs map[string]any) (string, error) {
	def, g, err := e.resolve(ctx, definitionID)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	inst := &schema.WorkflowInstance{
		InstanceID:   uuid.NewString(),
		DefinitionID: def.ID,
		Status:       schema.StatusInitializing,
		Context:      schema.NewExecutionContext(inputs),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t, err := e.fsm.Apply(ctx, inst, schema.StatusRunning, "started")
	if err != nil {
		return "", err
	}
	inst.Version = 1
	if err := e.states.Save(ctx, inst); err != nil {
		e.metrics.StateFailure()
		return "", schema.NewErrorf(schema.ErrCodeState, "save new instance: %s", err.Error()).WithCause(err)
	}

	r := newRun(inst.InstanceID)
	r.def, r.graph, r.inst = def, g, inst
	e.mu.Lock()
	e.runs[r.id] = r
	e.mu.Unlock()

	e.fsm.Announce(ctx, r.id, t)
	logging.LogWith(ctx, e.log).Info("workflow started",
		"instance_id", r.id, "definition_id", def.ID, "steps", g.Len())

	if err := e.launch(r); err != nil {
		// The saved instance stays running and is picked up by RecoverOrphans.
		e.release(r)
		return "", err
	}
	return r.id, nil
}

// Pause asks a running instance to pause before its next step. It is a
// no-op for instances in any other status.
func (e *Engine) Pause(ctx context.Context, instanceID string) error {
	e.mu.Lock()
	if r, ok := e.runs[instanceID]; ok {
		if snap := r.snapshot(); snap != nil && snap.Status == schema.StatusRunning {
			r.ask(schema.StatusPaused)
		}
		e.mu.Unlock()
		return nil
	}
	r, claimed := e.claim(instanceID)
	e.mu.Unlock()
	if !claimed {
		return nil
	}
	defer e.release(r)

	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != schema.StatusRunning {
		return nil
	}
	// A running instance that no loop owns is paused directly.
	r.set(inst)
	return e.transition(ctx, r, schema.StatusPaused, "pause requested", nil)
}

// Resume continues a paused instance from its next unexecuted step. A saved
// running instance that no loop owns, such as one left by a crashed process,
// is adopted instead. Resuming resets the retry budget of the instance.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	var r *run
	for r == nil {
		e.mu.Lock()
		owner, active := e.runs[instanceID]
		if !active {
			r, _ = e.claim(instanceID)
			e.mu.Unlock()
			break
		}
		if snap := owner.snapshot(); snap != nil && snap.Status == schema.StatusRunning {
			owner.withdraw(schema.StatusPaused)
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()

		// The owner is on its way out; wait for it, then take over.
		select {
		case <-owner.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	launched := false
	defer func() {
		if !launched {
			e.release(r)
		}
	}()

	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}
	switch inst.Status {
	case schema.StatusPaused, schema.StatusInitializing, schema.StatusRunning:
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot resume %s instance", inst.Status).
			WithDetails(map[string]any{"instance_id": instanceID})
	}

	def, g, err := e.resolve(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}
	r.def, r.graph = def, g
	r.set(inst)

	e.attempts.reset(instanceID)
	e.mu.Lock()
	delete(e.unsaved, instanceID)
	e.mu.Unlock()

	if inst.Status != schema.StatusRunning {
		if err := e.transition(ctx, r, schema.StatusRunning, "resumed", nil); err != nil {
			return err
		}
	}
	logging.LogWith(ctx, e.log).Info("workflow resumed",
		"instance_id", instanceID, "step_index", inst.CurrentStepIndex, "adopted", inst.Status == schema.StatusRunning)

	if err := e.launch(r); err != nil {
		return err
	}
	launched = true
	return nil
}

// Cancel moves any non-terminal instance to cancelled. Cancelling a
// terminal instance is a no-op.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	e.mu.Lock()
	if r, ok := e.runs[instanceID]; ok {
		r.ask(schema.StatusCancelled)
		e.mu.Unlock()
		return nil
	}
	r, claimed := e.claim(instanceID)
	e.mu.Unlock()
	if !claimed {
		return nil
	}
	defer e.release(r)
	return e.cancelStored(ctx, r)
}

func (e *Engine) cancelStored(ctx context.Context, r *run) error {
	e.mu.Lock()
	inst := e.unsaved[r.id]
	e.mu.Unlock()
	if inst == nil {
		var err error
		if inst, err = e.load(ctx, r.id); err != nil {
			return err
		}
	}
	if inst.Status.Terminal() {
		return nil
	}
	r.set(inst)
	if err := e.transition(ctx, r, schema.StatusCancelled, "cancelled", nil); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.unsaved, r.id)
	e.mu.Unlock()
	e.attempts.reset(r.id)
	return nil
}

// Status returns the latest known state of an instance.
func (e *Engine) Status(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	e.mu.Lock()
	r, ok := e.runs[instanceID]
	unsaved := e.unsaved[instanceID]
	e.mu.Unlock()
	if ok {
		if snap := r.snapshot(); snap != nil {
			return snap, nil
		}
	}
	if unsaved != nil {
		return unsaved.Clone(), nil
	}
	return e.load(ctx, instanceID)
}

// Wait blocks until no loop owns the instance, then returns its status.
func (e *Engine) Wait(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	e.mu.Lock()
	r, ok := e.runs[instanceID]
	e.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Status(ctx, instanceID)
}

// RecoverOrphans adopts every saved running instance that no loop in this
// process owns. The state store must implement InstanceLister.
func (e *Engine) RecoverOrphans(ctx context.Context) (int, error) {
	lister, ok := e.states.(InstanceLister)
	if !ok {
		return 0, schema.NewError(schema.ErrCodeValidation, "state store cannot list instances")
	}
	insts, err := lister.List(ctx, InstanceFilter{Status: schema.StatusRunning})
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeState, "list running instances: %s", err.Error()).WithCause(err)
	}

	adopted := 0
	var errs []error
	for _, inst := range insts {
		e.mu.Lock()
		_, owned := e.runs[inst.InstanceID]
		e.mu.Unlock()
		if owned {
			continue
		}
		if err := e.Resume(ctx, inst.InstanceID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst.InstanceID, err))
			continue
		}
		adopted++
	}
	if adopted > 0 {
		e.log.Info("recovered orphaned instances", "count", adopted)
	}
	return adopted, errors.Join(errs...)
}

// Shutdown stops all loops at their next check point and waits for them.
// Instances keep their last saved state and can be resumed later.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claim registers an empty run for an instance that no loop owns. Callers
// hold e.mu.
func (e *Engine) claim(instanceID string) (*run, bool) {
	if _, ok := e.runs[instanceID]; ok {
		return nil, false
	}
	r := newRun(instanceID)
	e.runs[instanceID] = r
	return r, true
}

// release drops the run and honours a cancel that arrived too late for the
// loop to observe.
func (e *Engine) release(r *run) {
	e.mu.Lock()
	if e.runs[r.id] == r {
		delete(e.runs, r.id)
	}
	e.mu.Unlock()
	close(r.done)

	if r.requested() != schema.StatusCancelled {
		return
	}
	snap := r.snapshot()
	if snap == nil || snap.Status.Terminal() {
		return
	}
	e.mu.Lock()
	late, claimed := e.claim(r.id)
	e.mu.Unlock()
	if !claimed {
		return
	}
	defer e.release(late)
	if err := e.cancelStored(e.ctx, late); err != nil {
		e.log.Error("cancel after loop exit failed", "instance_id", r.id, "error", err)
	}
}

func (e *Engine) launch(r *run) error {
	err := e.pool.Submit(e.ctx, r.id, func(ctx context.Context) error {
		defer e.release(r)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.loop(ctx, r)
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "engine is shutting down: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (e *Engine) resolve(ctx context.Context, definitionID string) (*schema.WorkflowDefinition, *graph.StepGraph, error) {
	def, err := e.defs.Lookup(ctx, definitionID)
	if err != nil {
		return nil, nil, err
	}
	if def == nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", definitionID)
	}
	g, err := graph.Build(def)
	if err != nil {
		return nil, nil, err
	}
	return def, g, nil
}

func (e *Engine) load(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	inst, err := e.states.Load(ctx, instanceID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeState, "load instance %s: %s", instanceID, err.Error()).WithCause(err)
	}
	if inst == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance %q not found", instanceID)
	}
	return inst, nil
}

func (e *Engine) emit(ctx context.Context, instanceID string, ev schema.Event) {
	if err := e.events.Emit(context.WithoutCancel(ctx), instanceID, ev); err != nil {
		e.metrics.SinkFailure()
		logging.LogWith(ctx, e.log).Warn("event sink failed", "kind", ev.Kind, "error", err)
	}
}
