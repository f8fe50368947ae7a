package btcompile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/mbt/internal/btnode"
)

// Keyed leaves (plan-action, vla-request, vla-wait, vla-cancel) parse
// `:key value` pairs (spec.md §4.1). Required keys must appear; unknown
// keys are rejected. This module compiles one JSON Schema per keyed-leaf
// kind and validates the parsed key-val map against it, the same pattern
// internal/agent/tool_registry.go uses to compile a schema per tool and
// validate call arguments before execution.
var keyedSchemas = map[btnode.Kind]*jsonschema.Schema{}

func init() {
	defs := map[btnode.Kind]map[string]any{
		btnode.KindPlanAction: {
			"type":                 "object",
			"additionalProperties": false,
			"required":             []any{"model", "state-key", "action-key", "budget-ms"},
			"properties": map[string]any{
				"model":      map[string]any{"type": "string"},
				"state-key":  map[string]any{"type": "string"},
				"action-key": map[string]any{"type": "string"},
				"budget-ms":  map[string]any{"type": "integer"},
				"work-max":   map[string]any{"type": "integer"},
				"max-depth":  map[string]any{"type": "integer"},
				"gamma":      map[string]any{"type": "number"},
				"c-ucb":      map[string]any{"type": "number"},
				"pw-k":       map[string]any{"type": "number"},
				"pw-alpha":   map[string]any{"type": "number"},
				"seed":       map[string]any{"type": "integer"},
			},
		},
		btnode.KindVlaRequest: {
			"type":                 "object",
			"additionalProperties": false,
			"required":             []any{"instruction", "capability", "job-key"},
			"properties": map[string]any{
				"instruction":   map[string]any{"type": "string"},
				"capability":    map[string]any{"type": "string"},
				"job-key":       map[string]any{"type": "string"},
				"model":         map[string]any{"type": "string"},
				"model-version": map[string]any{"type": "string"},
				"deadline-ms":   map[string]any{"type": "integer"},
				"state-key":     map[string]any{"type": "string"},
			},
		},
		btnode.KindVlaWait: {
			"type":                 "object",
			"additionalProperties": false,
			"required":             []any{"job-key", "action-key"},
			"properties": map[string]any{
				"job-key":    map[string]any{"type": "string"},
				"action-key": map[string]any{"type": "string"},
			},
		},
		btnode.KindVlaCancel: {
			"type":                 "object",
			"additionalProperties": false,
			"required":             []any{"job-key"},
			"properties": map[string]any{
				"job-key": map[string]any{"type": "string"},
			},
		},
	}

	for kind, schemaDoc := range defs {
		b, err := json.Marshal(schemaDoc)
		if err != nil {
			panic(fmt.Sprintf("btcompile: marshal built-in schema for %s: %v", kind, err))
		}
		c := jsonschema.NewCompiler()
		name := fmt.Sprintf("%s.json", kind)
		if err := c.AddResource(name, strings.NewReader(string(b))); err != nil {
			panic(fmt.Sprintf("btcompile: add schema resource for %s: %v", kind, err))
		}
		s, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("btcompile: compile schema for %s: %v", kind, err))
		}
		keyedSchemas[kind] = s
	}
}

// validateKeyedArgs converts a node's KeyArgs to plain JSON values and
// validates them against the kind's built-in schema.
func validateKeyedArgs(kind btnode.Kind, args map[string]btnode.Literal) error {
	schema, ok := keyedSchemas[kind]
	if !ok {
		return fmt.Errorf("btcompile: no keyed-arg schema registered for %s", kind)
	}
	plain := make(map[string]any, len(args))
	for k, v := range args {
		plain[k] = literalToAny(v)
	}
	if err := schema.Validate(plain); err != nil {
		return fmt.Errorf("btcompile: %s keyed args invalid: %w", kind, err)
	}
	return nil
}
