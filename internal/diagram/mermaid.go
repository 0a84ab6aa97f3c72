package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Data {
			arrow = "-.->"
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", edge.From, arrow, label, edge.To)
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef blocked fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef routed fill:#5b2c6f,stroke:#3b1c48,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef current stroke:#f1c40f,stroke-width:4px\n")

	for _, node := range model.Nodes {
		if node.Status != nil {
			if cls := mermaidStatusClass(node.Status.Status); cls != "" {
				fmt.Fprintf(&b, "    class %s %s\n", node.ID, cls)
			}
		}
		if node.Current {
			fmt.Fprintf(&b, "    class %s current\n", node.ID)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a node definition whose shape reflects its kind.
func mermaidNodeDef(node *Node) string {
	label := mermaidEscapeLabel(strings.ReplaceAll(node.Label, "\n", "<br/>"))
	if s := node.Status; s != nil {
		if s.Attempts > 1 {
			label += fmt.Sprintf("<br/>attempts: %d", s.Attempts)
		}
		if s.Iterations > 0 {
			label += fmt.Sprintf("<br/>iterations: %d", s.Iterations)
		}
		if s.Route != "" {
			label += "<br/>took: " + mermaidEscapeLabel(s.Route)
		}
	}

	switch node.Kind {
	case NodeKindRouting:
		return fmt.Sprintf("%s{\"%s\"}", node.ID, label)
	case NodeKindConditional:
		return fmt.Sprintf("%s{{\"%s\"}}", node.ID, label)
	case NodeKindCycle:
		return fmt.Sprintf("%s[[\"%s\"]]", node.ID, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", node.ID, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", node.ID, label)
	}
}

// mermaidEscapeLabel replaces characters that end a quoted Mermaid label.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "#quot;", "|", "#124;")
	return r.Replace(s)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "blocked", "routed", "skipped":
		return status
	default:
		return ""
	}
}
