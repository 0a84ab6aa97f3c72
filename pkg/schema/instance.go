package schema

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// WorkflowInstance is the mutable execution record of one definition run.
// It is persisted whole after every step.
type WorkflowInstance struct {
	InstanceID       string           `json:"instance_id"`
	DefinitionID     string           `json:"definition_id"`
	Status           WorkflowStatus   `json:"status"`
	CurrentStepIndex int              `json:"current_step_index"`
	Context          ExecutionContext `json:"context"`
	History          []TimelineEntry  `json:"history,omitempty"`
	Issues           []Issue          `json:"issues,omitempty"`
	Cycle            *CycleCursor     `json:"cycle,omitempty"`
	StepExecutions   int              `json:"step_executions"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	PausedAt         *time.Time       `json:"paused_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ExecutionContext is the data visible to steps.
type ExecutionContext struct {
	Artifacts map[string]Artifact `json:"artifacts"`
	Variables map[string]any      `json:"variables"`
	Inputs    map[string]any      `json:"inputs"`
}

// Artifact is an immutable named output of a step.
// Content is empty when the payload lives in an external store under Ref.
type Artifact struct {
	Name           string    `json:"name"`
	Content        string    `json:"content,omitempty"`
	Ref            string    `json:"ref,omitempty"`
	ProducedByStep int       `json:"produced_by_step"`
	Iteration      *int      `json:"iteration,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TimelineEntry records one step attempt or outcome.
type TimelineEntry struct {
	StepIndex  int        `json:"step_index"`
	StepName   string     `json:"step_name"`
	Kind       StepKind   `json:"kind"`
	AgentID    string     `json:"agent_id,omitempty"`
	Status     StepStatus `json:"status"`
	Attempt    int        `json:"attempt,omitempty"`
	Iteration  *int       `json:"iteration,omitempty"`
	Route      string     `json:"route,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// IssueKind classifies a recorded problem.
type IssueKind string

const (
	IssueAgent      IssueKind = "agent"
	IssueDependency IssueKind = "dependency"
	IssueState      IssueKind = "state"
	IssueRouting    IssueKind = "routing"
	IssueCondition  IssueKind = "condition"
	IssueDefinition IssueKind = "definition"
	IssueLimit      IssueKind = "limit"
)

// IssueSeverity ranks a recorded problem.
type IssueSeverity string

const (
	SeverityLow      IssueSeverity = "low"
	SeverityMedium   IssueSeverity = "medium"
	SeverityHigh     IssueSeverity = "high"
	SeverityCritical IssueSeverity = "critical"
)

// Issue is a problem surfaced to callers alongside the instance status.
type Issue struct {
	Kind      IssueKind     `json:"kind"`
	Severity  IssueSeverity `json:"severity"`
	StepIndex int           `json:"step_index"`
	Code      string        `json:"code,omitempty"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}

// CycleCursor tracks progress through a cycle step so a resumed instance
// continues with the next unexecuted iteration.
type CycleCursor struct {
	StepIndex int      `json:"step_index"`
	Next      int      `json:"next"`
	Total     int      `json:"total"`
	Outputs   []string `json:"outputs,omitempty"`
}

// NewExecutionContext returns a context seeded with caller inputs.
func NewExecutionContext(inputs map[string]any) ExecutionContext {
	ec := ExecutionContext{
		Artifacts: make(map[string]Artifact),
		Variables: make(map[string]any),
		Inputs:    make(map[string]any, len(inputs)),
	}
	maps.Copy(ec.Inputs, inputs)
	return ec
}

// Clone returns a deep copy of the instance. Variable and input values are
// shared; the engine treats them as immutable once stored.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	cp := *w
	cp.Context = w.Context.Clone()
	cp.History = slices.Clone(w.History)
	cp.Issues = slices.Clone(w.Issues)
	if w.Cycle != nil {
		c := *w.Cycle
		c.Outputs = slices.Clone(w.Cycle.Outputs)
		cp.Cycle = &c
	}
	cp.StartedAt = cloneTime(w.StartedAt)
	cp.PausedAt = cloneTime(w.PausedAt)
	cp.CompletedAt = cloneTime(w.CompletedAt)
	return &cp
}

// Clone copies the three maps of the context.
func (c ExecutionContext) Clone() ExecutionContext {
	return ExecutionContext{
		Artifacts: cloneMap(c.Artifacts),
		Variables: cloneMap(c.Variables),
		Inputs:    cloneMap(c.Inputs),
	}
}

// HasArtifact reports whether name was produced, either directly, as a new
// version (name@N) or as cycle output (name[i]).
func (c ExecutionContext) HasArtifact(name string) bool {
	if _, ok := c.Artifacts[name]; ok {
		return true
	}
	for key := range c.Artifacts {
		if strings.HasPrefix(key, name+"@") || strings.HasPrefix(key, name+"[") {
			return true
		}
	}
	return false
}

// Latest returns the most recent version of an artifact name.
func (c ExecutionContext) Latest(name string) (Artifact, bool) {
	best, found := Artifact{}, false
	bestVersion := 0
	for key, a := range c.Artifacts {
		base, version := splitVersion(key)
		if base != name {
			continue
		}
		if !found || version > bestVersion {
			best, bestVersion, found = a, version, true
		}
	}
	return best, found
}

// Related returns every artifact stored under name: its versions and cycle
// outputs, ordered by key.
func (c ExecutionContext) Related(name string) []Artifact {
	var keys []string
	for key := range c.Artifacts {
		if key == name || strings.HasPrefix(key, name+"@") || strings.HasPrefix(key, name+"[") {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	out := make([]Artifact, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.Artifacts[k])
	}
	return out
}

// NextArtifactKey returns the key under which a new artifact named name is
// stored. Existing artifacts are never overwritten.
func (c ExecutionContext) NextArtifactKey(name string) string {
	if _, ok := c.Artifacts[name]; !ok {
		return name
	}
	v := 2
	for {
		key := fmt.Sprintf("%s@%d", name, v)
		if _, ok := c.Artifacts[key]; !ok {
			return key
		}
		v++
	}
}

// IndexedName is the key of a per-iteration cycle artifact.
func IndexedName(name string, i int) string {
	return fmt.Sprintf("%s[%d]", name, i)
}

func splitVersion(key string) (string, int) {
	at := strings.LastIndexByte(key, '@')
	if at < 0 {
		return key, 1
	}
	v, err := strconv.Atoi(key[at+1:])
	if err != nil {
		return key, 1
	}
	return key[:at], v
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	maps.Copy(out, m)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
