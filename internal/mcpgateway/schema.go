package mcpgateway

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// toJSONSchema converts a manifest-declared input schema (plain JSON,
// unmarshaled into map[string]any) into the typed structure mcp.Tool
// requires. This is a structural conversion only: no Resolve or Validate
// call is ever made here, since validating tool input against a schema
// remains an external collaborator's concern.
type jsonschemaSchema = jsonschema.Schema

func toJSONSchema(raw map[string]any) *jsonschemaSchema {
	b, err := json.Marshal(raw)
	if err != nil {
		return &jsonschema.Schema{Type: "object"}
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return &jsonschema.Schema{Type: "object"}
	}
	return &s
}

// schemaToMap converts a typed schema (as reported by a native MCP plugin
// server) back into the plain map[string]any shape used internally for
// manifest-declared and extension-declared schemas alike.
func schemaToMap(s *jsonschema.Schema) map[string]any {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
