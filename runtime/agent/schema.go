package agent

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Payload kinds with a registered schema.
const (
	PayloadPlan   = "plan"
	PayloadReview = "review"
)

var payloadSchemas = mustCompileSchemas()

// ValidatePayload checks an agent-produced payload against the embedded
// schema for its kind. Kinds without a registered schema pass unvalidated;
// the core treats those payloads as opaque.
func ValidatePayload(kind string, payload map[string]any) error {
	schema, ok := payloadSchemas[kind]
	if !ok {
		return nil
	}
	if err := schema.Validate(anyMap(payload)); err != nil {
		return fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	return nil
}

func mustCompileSchemas() map[string]*jsonschema.Schema {
	compiled := make(map[string]*jsonschema.Schema, 2)
	for kind, file := range map[string]string{
		PayloadPlan:   "schemas/plan.json",
		PayloadReview: "schemas/review.json",
	} {
		raw, err := schemaFS.ReadFile(file)
		if err != nil {
			panic(fmt.Sprintf("read %s: %v", file, err))
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("parse %s: %v", file, err))
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(file, doc); err != nil {
			panic(fmt.Sprintf("add %s: %v", file, err))
		}
		schema, err := c.Compile(file)
		if err != nil {
			panic(fmt.Sprintf("compile %s: %v", file, err))
		}
		compiled[kind] = schema
	}
	return compiled
}

// anyMap widens the map type so jsonschema sees plain JSON values.
func anyMap(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
