package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
)

// StaticInvoker answers every invocation without calling out. Output is a
// short markdown stub naming the step, the agent and the artifacts it was
// given, so dry runs produce stable, inspectable artifacts.
type StaticInvoker struct {
	// Decisions maps a routing step name to the label to record as a
	// variable, letting dry runs pass routing steps.
	Decisions map[string]string
}

var _ engine.AgentInvoker = (*StaticInvoker)(nil)

// Invoke implements engine.AgentInvoker.
func (s *StaticInvoker) Invoke(ctx context.Context, inv *engine.Invocation) (*engine.AgentOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\nagent: %s\n", inv.Step.Name, inv.Step.AgentID)
	if inv.Iteration != nil {
		fmt.Fprintf(&b, "iteration: %d\nitem: %v\n", *inv.Iteration, inv.Item)
	}
	for _, name := range inv.Step.Requires() {
		a, ok := inv.Context.Artifacts[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "uses: %s (from step %d)\n", name, a.ProducedByStep)
	}

	out := &engine.AgentOutput{Output: b.String()}
	if len(s.Decisions) > 0 {
		out.Variables = make(map[string]any, len(s.Decisions))
		for step, label := range s.Decisions {
			out.Variables[step] = label
		}
	}
	return out, nil
}
