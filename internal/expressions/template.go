package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// Render replaces ${{ namespace.path }} references in tmpl. Namespaces are
// inputs, variables, artifacts and item (the current cycle element).
// Unresolvable references are left in place.
func Render(tmpl string, ec schema.ExecutionContext, item any) string {
	if !strings.Contains(tmpl, "${{") {
		return tmpl
	}
	scope := Scope(ec)
	if item != nil {
		scope["item"] = item
	}

	var out strings.Builder
	out.Grow(len(tmpl))
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "${{")
		if start < 0 {
			out.WriteString(tmpl[i:])
			break
		}
		start += i
		end := strings.Index(tmpl[start+3:], "}}")
		if end < 0 {
			out.WriteString(tmpl[i:])
			break
		}
		end += start + 3

		out.WriteString(tmpl[i:start])
		ref := strings.TrimSpace(tmpl[start+3 : end])
		if v, ok := lookupPath(scope, ref); ok {
			out.WriteString(ItemString(v))
		} else {
			out.WriteString(tmpl[start : end+2])
		}
		i = end + 2
	}
	return out.String()
}

// lookupPath walks a dotted path through nested maps. A key containing dots
// (artifact names such as prd.md) matches before the path is split.
func lookupPath(cur any, path string) (any, bool) {
	m, ok := cur.(map[string]any)
	if !ok || path == "" {
		return nil, false
	}
	if v, ok := m[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	next, ok := m[head]
	if !ok {
		return nil, false
	}
	return lookupPath(next, rest)
}

// ItemString renders a value for prompts and artifact content: strings as
// is, other values as JSON.
func ItemString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
