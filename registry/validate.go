package registry

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/signalpost/notifyd/notify"
)

// The floor schema applies to every payload regardless of workflow: payloads
// are objects, and priority/category, when present, come from the daemon's
// closed vocabularies. Workflow-specific schemas tighten from here, never
// loosen.
var floorSchema = mustCompile("floor.json", map[string]any{
	"type": "object",
	"properties": map[string]any{
		"priority": map[string]any{"enum": toAny(notify.Priorities)},
		"category": map[string]any{"enum": toAny(notify.Categories)},
	},
})

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func mustCompile(name string, doc map[string]any) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(err)
	}
	return sch
}

// Validator checks notification payloads against the floor schema plus an
// optional workflow-declared schema.
type Validator struct {
	workflow *jsonschema.Schema
}

// NewValidator compiles the workflow's payload schema. A nil or empty schema
// yields a validator that only enforces the floor.
func NewValidator(schema map[string]any) (*Validator, error) {
	v := &Validator{}
	if len(schema) > 0 {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("workflow.json", schema); err != nil {
			return nil, fmt.Errorf("add payload schema: %w", err)
		}
		sch, err := c.Compile("workflow.json")
		if err != nil {
			return nil, fmt.Errorf("compile payload schema: %w", err)
		}
		v.workflow = sch
	}
	return v, nil
}

// Validate returns nil when payload satisfies both schemas. A nil payload is
// treated as the empty object.
func (v *Validator) Validate(payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	doc := normalize(payload)
	if err := floorSchema.Validate(doc); err != nil {
		return fmt.Errorf("payload rejected: %w", err)
	}
	if v.workflow != nil {
		if err := v.workflow.Validate(doc); err != nil {
			return fmt.Errorf("payload rejected by workflow schema: %w", err)
		}
	}
	return nil
}

// normalize rewrites Go-native values into the shapes the schema engine
// expects from decoded JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalize(vv)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
