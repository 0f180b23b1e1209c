package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/procflow/procflow/pkg/schema"
)

// processSchemaJSON is the JSON Schema for ProcessDefinition validation.
// Embedded as a constant to avoid filesystem dependencies. Per-type node
// config shapes are checked in the semantic stage against the catalog
// structs; here we only pin the envelope.
const processSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://procflow.dev/schemas/process.json",
  "type": "object",
  "required": ["id", "nodes", "edges"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 0 },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 2,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/edge" }
    },
    "trigger": { "$ref": "#/$defs/trigger" },
    "variables": {
      "type": "array",
      "items": { "$ref": "#/$defs/variable" }
    },
    "settings": { "$ref": "#/$defs/settings" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["start", "end", "condition", "parallel", "loop", "ai_step",
                   "tool", "doc_extract", "doc_generate", "approval",
                   "notification", "form", "calculate", "subprocess", "delay"]
        },
        "name": { "type": "string" },
        "config": {},
        "output_var": { "type": "string", "pattern": "^[a-zA-Z_][a-zA-Z0-9_]*$" },
        "optional": { "type": "boolean" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "tag": { "type": "string", "enum": ["", "yes", "no", "body"] },
        "loop": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "properties": {
        "mode": { "type": "string", "enum": ["", "manual", "scheduled", "event"] },
        "fields": {
          "type": "array",
          "items": { "$ref": "#/$defs/field" }
        },
        "cron": { "type": "string" }
      },
      "additionalProperties": false
    },
    "field": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "label": { "type": "string" },
        "type": { "type": "string", "enum": ["string", "number", "boolean", "date", "file", "select"] },
        "required": { "type": "boolean" },
        "options": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "variable": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "pattern": "^[a-zA-Z_][a-zA-Z0-9_]*$" },
        "type": { "type": "string" },
        "required": { "type": "boolean" },
        "default": {}
      },
      "additionalProperties": false
    },
    "settings": {
      "type": "object",
      "properties": {
        "max_steps": { "type": "integer", "minimum": 1 },
        "max_duration": { "$ref": "#/$defs/duration" },
        "default_node_timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": { "type": "string", "enum": ["none", "linear", "exponential", "constant"] },
        "delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h|d)$"
    }
  }
}`

// StructuralValidator checks a definition against the embedded JSON Schema
// (Draft 2020-12). It is safe for concurrent use.
type StructuralValidator struct {
	processSchema *jsonschema.Schema

	// mu guards the cache for dynamically compiled trigger-field schemas.
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

// NewStructuralValidator compiles the embedded process schema.
func NewStructuralValidator() (*StructuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(processSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal process schema: %w", err)
	}
	if err := c.AddResource("https://procflow.dev/schemas/process.json", doc); err != nil {
		return nil, fmt.Errorf("add process schema resource: %w", err)
	}
	compiled, err := c.Compile("https://procflow.dev/schemas/process.json")
	if err != nil {
		return nil, fmt.Errorf("compile process schema: %w", err)
	}

	return &StructuralValidator{
		processSchema: compiled,
		cache:         make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateStructure checks the definition envelope against the process schema.
func (v *StructuralValidator) ValidateStructure(def *schema.ProcessDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("", schema.ErrCodeInvalidDefinition, "process definition is nil")
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("", schema.ErrCodeInvalidDefinition,
			"failed to serialize process definition: "+err.Error())
		return result
	}

	if err := v.processSchema.Validate(doc); err != nil {
		for _, violation := range collectViolations(err) {
			result.AddError(violation.path, schema.ErrCodeInvalidDefinition, violation.message)
		}
	}
	return result
}

// ValidateInput validates a trigger input map against a JSON Schema supplied
// as raw bytes. Compiled schemas are cached by content.
func (v *StructuralValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"invalid input schema: %s", err.Error()).WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewErrorf(schema.CategoryValidation, schema.ErrCodeInvalidConfig,
			"failed to serialize input: %s", err.Error()).WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		violations := collectViolations(err)
		msg := "input validation failed"
		if len(violations) > 0 {
			msg = violations[0].message
		}
		details := make([]string, 0, len(violations))
		for _, viol := range violations {
			details = append(details, viol.path+": "+viol.message)
		}
		return schema.NewError(schema.CategoryValidation, schema.ErrCodeInvalidConfig, msg).
			WithDetails(map[string]any{"violations": details})
	}
	return nil
}

func (v *StructuralValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("procflow://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with instance locations.
func collectViolations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "", message: err.Error()}}
	}
	return collectLeaves(verr)
}

func collectLeaves(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectLeaves(cause)...)
	}
	return out
}
