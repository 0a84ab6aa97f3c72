// Package definition turns workflow documents into typed definitions.
package definition

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// Fields the classifier understands on a step entry.
var knownFields = map[string]bool{
	"step": true, "name": true, "agent": true, "description": true, "notes": true,
	"action": true, "optional": true, "timeout": true, "timeout_ms": true,
	"creates": true, "requires": true, "routes": true, "repeats": true,
	"condition": true, "collect": true,
}

// Option configures a Parser.
type Option func(*Parser)

// WithAgentTable replaces the agent inference rules.
func WithAgentTable(t AgentTable) Option {
	return func(p *Parser) { p.agents = t }
}

// WithFallbackAgent sets the agent used when no inference rule matches.
func WithFallbackAgent(agentID string) Option {
	return func(p *Parser) { p.agents.Fallback = agentID }
}

// WithLogger sets the logger for inference warnings.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) { p.logger = l }
}

// WithDefaultID names definitions whose document carries no id.
func WithDefaultID(id string) Option {
	return func(p *Parser) { p.defaultID = id }
}

// Parser classifies heterogeneous step entries into typed steps.
type Parser struct {
	agents    AgentTable
	logger    *slog.Logger
	defaultID string
}

// NewParser creates a Parser with the default agent table.
func NewParser(opts ...Option) *Parser {
	p := &Parser{agents: DefaultAgentTable(), logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse parses a workflow document with a default Parser.
func Parse(raw []byte, opts ...Option) (*schema.WorkflowDefinition, error) {
	return NewParser(opts...).Parse(raw)
}

// ParseFile reads and parses a workflow document. The file stem is used as
// the id when the document has none.
func ParseFile(path string, opts ...Option) (*schema.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	opts = append([]Option{WithDefaultID(stem)}, opts...)
	return Parse(raw, opts...)
}

// ParseReader reads a whole workflow document from r and parses it.
func ParseReader(r io.Reader, opts ...Option) (*schema.WorkflowDefinition, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(raw, opts...)
}

// Parse decodes raw into a WorkflowDefinition. Structural problems are
// DEFINITION_ERRORs; dependency findings are returned as warnings on the
// definition.
func (p *Parser) Parse(raw []byte) (*schema.WorkflowDefinition, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "malformed document: %s", err.Error()).WithCause(err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, schema.NewError(schema.ErrCodeDefinition, "document is empty")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "document root must be a mapping (line %d)", root.Line)
	}
	wf := lookup(root, "workflow")
	if wf == nil || wf.Kind != yaml.MappingNode {
		return nil, schema.NewError(schema.ErrCodeDefinition, "document has no workflow root")
	}
	seq := lookup(wf, "sequence")
	if seq == nil || seq.Kind != yaml.SequenceNode || len(seq.Content) == 0 {
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow has no steps")
	}

	envelope, err := decodeEnvelope(wf)
	if err != nil {
		return nil, err
	}
	if err := checkEnvelope(envelope); err != nil {
		return nil, err
	}

	result := &schema.ValidationResult{}
	def := &schema.WorkflowDefinition{
		ID:           scalar(lookup(wf, "id")),
		Name:         scalar(lookup(wf, "name")),
		Description:  scalar(lookup(wf, "description")),
		HandoffNotes: make(map[string]string),
	}
	if def.ID == "" {
		def.ID = p.defaultID
	}
	if def.ID == "" {
		def.ID = slug(def.Name)
	}
	if def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow has no id or name")
	}

	if pt := lookup(wf, "project_types"); pt != nil {
		types, err := stringSet(pt)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "project_types: %s", err.Error())
		}
		slices.Sort(types)
		def.ProjectTypes = types
	}
	for _, key := range []string{"handoff_prompts", "handoff_notes"} {
		if n := lookup(wf, key); n != nil {
			notes := map[string]string{}
			if err := n.Decode(&notes); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "%s: %s", key, err.Error())
			}
			for k, v := range notes {
				def.HandoffNotes[k] = v
			}
		}
	}

	names := make(map[string]int, len(seq.Content))
	for i, n := range seq.Content {
		step, err := p.classify(i, n, "", result, false)
		if err != nil {
			return nil, err
		}
		if prev, dup := names[step.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"sequence[%d] (line %d): step name %q already used by step %d", i, n.Line, step.Name, prev).WithStep(i)
		}
		names[step.Name] = i
		def.Steps = append(def.Steps, step)
	}

	checkDependencies(def, result)
	def.Warnings = result.Warnings
	return def, nil
}

// decodeEnvelope decodes the workflow mapping with step entries replaced by
// placeholders; entries are validated by classify instead.
func decodeEnvelope(wf *yaml.Node) (map[string]any, error) {
	fields := make(map[string]any, len(wf.Content)/2)
	for i := 0; i+1 < len(wf.Content); i += 2 {
		key, val := wf.Content[i].Value, wf.Content[i+1]
		if key == "sequence" {
			fields[key] = make([]any, len(val.Content))
			continue
		}
		var v any
		if err := val.Decode(&v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "workflow.%s: %s", key, err.Error()).WithCause(err)
		}
		fields[key] = v
	}
	return map[string]any{"workflow": fields}, nil
}

// classify decides the kind of one sequence entry. nested is true when the
// entry is the value of a single-key wrapper; wrappers do not nest further.
func (p *Parser) classify(index int, n *yaml.Node, defaultName string, result *schema.ValidationResult, nested bool) (schema.Step, error) {
	fail := func(format string, args ...any) (schema.Step, error) {
		msg := fmt.Sprintf(format, args...)
		return schema.Step{}, schema.NewErrorf(schema.ErrCodeDefinition,
			"sequence[%d] (line %d): %s", index, n.Line, msg).WithStep(index)
	}

	if n.Kind != yaml.MappingNode {
		return fail("cannot classify %s entry", nodeKind(n))
	}
	e := newEntry(n)
	path := fmt.Sprintf("sequence[%d]", index)

	if len(e.keys) == 1 && !knownFields[e.keys[0]] {
		key := e.keys[0]
		val := e.fields[key]
		switch {
		case val.Kind == yaml.ScalarNode && val.Tag == "!!str":
			step := schema.Step{
				Index: index, Kind: schema.StepKindAgent, AgentID: key,
				Description: val.Value, Agent: &schema.AgentStep{},
			}
			step.Name = derivedName(index, key)
			return step, nil
		case val.Kind == yaml.MappingNode && !nested:
			return p.classify(index, val, key, result, true)
		default:
			return fail("cannot classify entry with single key %q", key)
		}
	}

	step := schema.Step{Index: index}
	var err error
	if step.Name, err = e.str("step"); err != nil {
		return fail("%s", err)
	}
	if step.Name == "" {
		if step.Name, err = e.str("name"); err != nil {
			return fail("%s", err)
		}
	}
	if step.Name == "" {
		step.Name = defaultName
	}
	if step.AgentID, err = e.str("agent"); err != nil {
		return fail("%s", err)
	}
	for _, key := range []string{"description", "notes", "action"} {
		if step.Description != "" {
			break
		}
		if step.Description, err = e.str(key); err != nil {
			return fail("%s", err)
		}
	}
	if v := e.fields["optional"]; v != nil {
		if err := v.Decode(&step.Optional); err != nil {
			return fail("optional must be a boolean")
		}
	}
	if step.TimeoutMs, err = e.timeout(); err != nil {
		return fail("%s", err)
	}
	for _, key := range e.keys {
		if !knownFields[key] {
			result.AddWarning(path+"."+key, schema.WarnUnknownField, fmt.Sprintf("unrecognized field %q ignored", key))
		}
	}

	work := schema.AgentStep{}
	if work.Creates, err = e.set("creates"); err != nil {
		return fail("creates: %s", err)
	}
	if work.Requires, err = e.set("requires"); err != nil {
		return fail("requires: %s", err)
	}

	switch {
	case e.has("routes"):
		routes := e.fields["routes"]
		if routes.Kind != yaml.MappingNode || len(routes.Content) == 0 {
			return fail("routes must be a non-empty mapping")
		}
		opts := make(map[string]string, len(routes.Content)/2)
		for i := 0; i+1 < len(routes.Content); i += 2 {
			label, target := routes.Content[i], routes.Content[i+1]
			if target.Kind != yaml.ScalarNode || target.Value == "" {
				return fail("route %q must name a target step", label.Value)
			}
			opts[label.Value] = target.Value
		}
		if len(work.Creates)+len(work.Requires) > 0 {
			result.AddWarning(path, schema.WarnIgnoredField, "creates/requires are ignored on routing steps")
		}
		step.Kind = schema.StepKindRouting
		step.Routing = &schema.RoutingStep{Options: opts}
		if step.Name == "" {
			step.Name = derivedName(index, "routing")
		}
		return step, nil

	case e.has("repeats"):
		over, err := e.str("repeats")
		if err != nil || over == "" {
			return fail("repeats must name a collection")
		}
		collect, err := e.str("collect")
		if err != nil {
			return fail("%s", err)
		}
		switch schema.CollectMode(collect) {
		case "", schema.CollectEach, schema.CollectMerged:
		default:
			return fail("collect must be %q or %q", schema.CollectEach, schema.CollectMerged)
		}
		if e.has("condition") {
			result.AddWarning(path+".condition", schema.WarnIgnoredField, "condition is ignored on repeating steps")
		}
		step.Kind = schema.StepKindCycle
		step.Cycle = &schema.CycleStep{RepeatOver: over, Collect: schema.CollectMode(collect), Inner: work}

	case e.has("condition"):
		cond, err := e.str("condition")
		if err != nil || cond == "" {
			return fail("condition must be a non-empty string")
		}
		step.Kind = schema.StepKindConditional
		step.Conditional = &schema.ConditionalStep{Condition: cond, Inner: work}

	case step.AgentID != "" || step.Name != "":
		step.Kind = schema.StepKindAgent
		step.Agent = &work

	default:
		return fail("cannot classify step: no agent, name, routes, repeats or condition")
	}

	if step.AgentID == "" {
		if step.Name == "" {
			return fail("step has neither an agent nor a name")
		}
		agent, matched := p.agents.Resolve(step.Name)
		if !matched {
			result.AddWarning(path+".agent", schema.WarnFallbackAgent,
				fmt.Sprintf("no agent rule matches step %q; using %q", step.Name, agent))
			p.logger.Warn("agent inferred by fallback", slog.Int("index", index), slog.String("step", step.Name), slog.String("agent", agent))
		}
		step.AgentID = agent
	}
	if step.Name == "" {
		step.Name = derivedName(index, step.AgentID)
	}
	return step, nil
}

// checkDependencies warns about requires that no earlier step creates.
func checkDependencies(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	created := make(map[string]bool)
	for i := range def.Steps {
		s := &def.Steps[i]
		for _, req := range s.Requires() {
			if !created[req] {
				result.AddWarning(fmt.Sprintf("sequence[%d].requires", i), schema.WarnUnsatisfiedRequire,
					fmt.Sprintf("step %q requires %q, which no earlier step creates", s.Name, req))
			}
		}
		for _, c := range s.Creates() {
			created[c] = true
		}
	}
}

// entry is a step mapping with its keys in document order.
type entry struct {
	keys   []string
	fields map[string]*yaml.Node
}

func newEntry(n *yaml.Node) *entry {
	e := &entry{fields: make(map[string]*yaml.Node, len(n.Content)/2)}
	for i := 0; i+1 < len(n.Content); i += 2 {
		k := n.Content[i].Value
		e.keys = append(e.keys, k)
		e.fields[k] = n.Content[i+1]
	}
	return e
}

func (e *entry) has(key string) bool {
	_, ok := e.fields[key]
	return ok
}

func (e *entry) str(key string) (string, error) {
	n, ok := e.fields[key]
	if !ok || n.Tag == "!!null" {
		return "", nil
	}
	if n.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("%s must be a scalar", key)
	}
	return strings.TrimSpace(n.Value), nil
}

func (e *entry) set(key string) ([]string, error) {
	n, ok := e.fields[key]
	if !ok || n.Tag == "!!null" {
		return nil, nil
	}
	return stringSet(n)
}

func (e *entry) timeout() (int, error) {
	if n, ok := e.fields["timeout_ms"]; ok {
		var ms int
		if err := n.Decode(&ms); err != nil || ms < 0 {
			return 0, fmt.Errorf("timeout_ms must be a non-negative integer")
		}
		return ms, nil
	}
	n, ok := e.fields["timeout"]
	if !ok {
		return 0, nil
	}
	if ms, err := strconv.Atoi(n.Value); err == nil && ms >= 0 {
		return ms, nil
	}
	d, err := time.ParseDuration(n.Value)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("timeout %q is not a duration", n.Value)
	}
	return int(d.Milliseconds()), nil
}

// stringSet accepts a scalar or a sequence of scalars and returns the
// distinct values in first-seen order.
func stringSet(n *yaml.Node) ([]string, error) {
	var raw []string
	switch n.Kind {
	case yaml.ScalarNode:
		raw = []string{n.Value}
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("list items must be strings (line %d)", item.Line)
			}
			raw = append(raw, item.Value)
		}
	default:
		return nil, fmt.Errorf("expected a string or a list of strings (line %d)", n.Line)
	}

	out := make([]string, 0, len(raw))
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func scalar(n *yaml.Node) string {
	if n == nil || n.Kind != yaml.ScalarNode {
		return ""
	}
	return strings.TrimSpace(n.Value)
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.SequenceNode:
		return "list"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}

func derivedName(index int, agent string) string {
	return fmt.Sprintf("step_%d_%s", index, slug(agent))
}

func slug(s string) string {
	var b bytes.Buffer
	lastSep := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSep = false
		case !lastSep:
			b.WriteByte('-')
			lastSep = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
