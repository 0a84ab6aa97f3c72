// Package expressions evaluates step conditions, cycle collections and
// prompt templates against an execution context.
package expressions

import (
	"context"
	"fmt"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// Engine evaluates expressions over a data map.
// CEL and Expr evaluate conditions; GoJQ selects cycle collections.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// NewConditionEngine returns the condition engine registered under name.
// An empty name selects CEL.
func NewConditionEngine(name string) (Engine, error) {
	switch name {
	case "", "cel":
		return NewCELEngine()
	case "expr":
		return NewExprEngine(), nil
	default:
		return nil, fmt.Errorf("unknown condition engine %q", name)
	}
}

// Scope exposes an execution context to expressions as three maps:
// variables, inputs, and artifacts (name to content, latest version under
// the base name).
func Scope(ec schema.ExecutionContext) map[string]any {
	artifacts := make(map[string]any, len(ec.Artifacts))
	for key, a := range ec.Artifacts {
		artifacts[key] = a.Content
	}
	for _, a := range ec.Artifacts {
		if _, ok := artifacts[a.Name]; ok {
			continue
		}
		if latest, ok := ec.Latest(a.Name); ok {
			artifacts[a.Name] = latest.Content
		} else {
			artifacts[a.Name] = a.Content
		}
	}
	return map[string]any{
		"variables": orEmpty(ec.Variables),
		"inputs":    orEmpty(ec.Inputs),
		"artifacts": artifacts,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
