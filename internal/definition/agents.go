package definition

import (
	"path"
	"strings"
)

// DefaultFallbackAgent handles steps whose name matches no rule.
const DefaultFallbackAgent = "orchestrator"

// AgentRule maps a step-name glob (path.Match syntax, matched against the
// lower-cased name) to an agent id.
type AgentRule struct {
	Pattern string
	AgentID string
}

// AgentTable infers the agent of a step that names none. Rules are tried in
// order; the first match wins.
type AgentTable struct {
	Rules    []AgentRule
	Fallback string
}

// DefaultAgentTable returns the built-in inference rules.
func DefaultAgentTable() AgentTable {
	return AgentTable{
		Rules: []AgentRule{
			{Pattern: "documentation_check", AgentID: "analyst"},
			{Pattern: "*_check", AgentID: "analyst"},
			{Pattern: "*brief*", AgentID: "analyst"},
			{Pattern: "*research*", AgentID: "analyst"},
			{Pattern: "*prd*", AgentID: "pm"},
			{Pattern: "*requirement*", AgentID: "pm"},
			{Pattern: "*architect*", AgentID: "architect"},
			{Pattern: "*ux*", AgentID: "ux-expert"},
			{Pattern: "*frontend_spec*", AgentID: "ux-expert"},
			{Pattern: "*shard*", AgentID: "po"},
			{Pattern: "*checklist*", AgentID: "po"},
			{Pattern: "*validat*", AgentID: "po"},
			{Pattern: "*implement*", AgentID: "dev"},
			{Pattern: "*develop*", AgentID: "dev"},
			{Pattern: "*stor*", AgentID: "sm"},
			{Pattern: "*review*", AgentID: "qa"},
			{Pattern: "*qa*", AgentID: "qa"},
			{Pattern: "*test*", AgentID: "qa"},
		},
		Fallback: DefaultFallbackAgent,
	}
}

// Resolve returns the agent for stepName. matched is false when the
// fallback was used.
func (t AgentTable) Resolve(stepName string) (agentID string, matched bool) {
	name := strings.ToLower(strings.TrimSpace(stepName))
	for _, r := range t.Rules {
		if ok, err := path.Match(r.Pattern, name); err == nil && ok {
			return r.AgentID, true
		}
	}
	if t.Fallback == "" {
		return DefaultFallbackAgent, false
	}
	return t.Fallback, false
}
