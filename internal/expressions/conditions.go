package expressions

import (
	"context"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*$`)

// Predicate is a named condition implemented in Go.
type Predicate func(ctx context.Context, ec schema.ExecutionContext) (bool, error)

// Conditions resolves step conditions. A condition is, in order: a
// registered predicate name, a bare variable name (true when the variable is
// truthy, false when absent), or an expression for the configured engine.
type Conditions struct {
	engine Engine

	mu         sync.RWMutex
	predicates map[string]Predicate
}

// NewConditions creates a resolver that falls back to engine for expressions.
func NewConditions(engine Engine) *Conditions {
	return &Conditions{engine: engine, predicates: make(map[string]Predicate)}
}

// Register binds a predicate to a condition name, replacing any previous one.
func (c *Conditions) Register(name string, p Predicate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.predicates[name] = p
}

// Evaluate decides cond against ec. Failures are CONDITION_ERRORs.
func (c *Conditions) Evaluate(ctx context.Context, cond string, ec schema.ExecutionContext) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return false, schema.NewError(schema.ErrCodeCondition, "empty condition")
	}

	c.mu.RLock()
	p, ok := c.predicates[cond]
	c.mu.RUnlock()
	if ok {
		v, err := p(ctx, ec)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeCondition, "predicate %q: %s", cond, err.Error()).WithCause(err)
		}
		return v, nil
	}

	if identifierRE.MatchString(cond) {
		return Truthy(ec.Variables[cond]), nil
	}

	if c.engine == nil {
		return false, schema.NewErrorf(schema.ErrCodeCondition, "no expression engine for condition %q", cond)
	}
	out, err := c.engine.Evaluate(ctx, cond, Scope(ec))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeCondition, "condition %q: %s", cond, err.Error()).WithCause(err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeCondition, "condition %q evaluated to %T, want bool", cond, out)
	}
	return b, nil
}

// Truthy reports whether a variable value counts as set: non-nil, non-zero,
// non-empty.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "no" && s != "0"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// ResolveCollection returns the elements a cycle repeats over. ref names a
// variable (then an input) or, when it starts with '.', is a jq query over
// the scope. An absent or non-list value is a DEPENDENCY_ERROR.
func ResolveCollection(ctx context.Context, jq *GoJQEngine, ref string, ec schema.ExecutionContext) ([]any, error) {
	var (
		v     any
		found bool
	)
	if strings.HasPrefix(ref, ".") {
		if jq == nil {
			jq = NewGoJQEngine()
		}
		out, err := jq.Evaluate(ctx, ref, Scope(ec))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDependency, "collection query %q: %s", ref, err.Error()).WithCause(err)
		}
		v, found = out, out != nil
		if _, isList := toSlice(out); found && !isList {
			// A query yielding one element is a one-element collection.
			v = []any{out}
		}
	} else if v, found = ec.Variables[ref]; !found {
		v, found = ec.Inputs[ref]
	}
	if !found || v == nil {
		return nil, schema.NewErrorf(schema.ErrCodeDependency, "collection %q is not present", ref)
	}

	items, ok := toSlice(v)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDependency, "collection %q is %T, not a list", ref, v)
	}
	return items, nil
}

func toSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
