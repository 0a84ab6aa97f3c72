package definition

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// documentSchemaJSON checks the envelope of a workflow document. Step entries
// are heterogeneous and are classified by the parser, so only their container
// type is constrained here.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://dreamteam.dev/schemas/workflow-document.json",
  "type": "object",
  "required": ["workflow"],
  "properties": {
    "workflow": {
      "type": "object",
      "required": ["sequence"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "type": { "type": "string" },
        "project_types": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "sequence": {
          "type": "array",
          "minItems": 1
        },
        "handoff_prompts": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "handoff_notes": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      }
    }
  }
}`

const documentSchemaURL = "https://dreamteam.dev/schemas/workflow-document.json"

var compileDocumentSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal document schema: %w", err)
	}
	if err := c.AddResource(documentSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add document schema resource: %w", err)
	}
	return c.Compile(documentSchemaURL)
})

// checkEnvelope validates the decoded document against the envelope schema.
func checkEnvelope(decoded map[string]any) error {
	compiled, err := compileDocumentSchema()
	if err != nil {
		return schema.NewError(schema.ErrCodeDefinition, "document schema unavailable").WithCause(err)
	}

	b, err := json.Marshal(decoded)
	if err != nil {
		return schema.NewError(schema.ErrCodeDefinition, "document is not representable as JSON").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return schema.NewError(schema.ErrCodeDefinition, "document is not representable as JSON").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toDefinitionError(err)
	}
	return nil
}

func toDefinitionError(err error) *schema.WorkflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeDefinition, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeDefinition, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeDefinition, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeDefinition, "document invalid with %d violations; first: %s", len(violations), violations[0]).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into located leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
