package schema

import "time"

// Event kinds emitted to event sinks.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowPaused    = "workflow_paused"
	EventWorkflowResumed   = "workflow_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepRouted    = "step_routed"

	EventCycleIterStarted   = "cycle_iter_started"
	EventCycleIterCompleted = "cycle_iter_completed"
	EventCycleCompleted     = "cycle_completed"

	EventConditionEvaluated = "condition_evaluated"
	EventArtifactCreated    = "artifact_created"
	EventIssueRaised        = "issue_raised"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"
)

// Event is a progress notification for observers. Delivery is best effort.
type Event struct {
	Kind      string    `json:"kind"`
	StepIndex int       `json:"step_index"`
	StepName  string    `json:"step_name,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	StatusInitializing WorkflowStatus = "initializing"
	StatusRunning      WorkflowStatus = "running"
	StatusPaused       WorkflowStatus = "paused"
	StatusCompleted    WorkflowStatus = "completed"
	StatusFailed       WorkflowStatus = "failed"
	StatusCancelled    WorkflowStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the outcome recorded in a timeline entry.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
	StepRouted    StepStatus = "routed"
)
