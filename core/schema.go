// Input schema inference and validation.
//
// A capability's input contract comes from one of three places, in precedence
// order: an explicit schema document, a Go struct reflected with
// invopop/jsonschema, or the declared ParamSpec list. All three converge on
// InputSchema, a compiled JSON Schema (draft-07) that validates inputs and
// applies declared defaults before the handler runs.
package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	invopop "github.com/invopop/jsonschema"
	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
)

// ParamSpec declares one handler parameter. Parameters with no default are
// required; parameters with a default are optional with that default.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // JSON Schema type: string, number, integer, boolean, array, object
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// DefaultExcludedParams are the system-injected parameters removed from
// inferred contracts: identity and session handles are supplied by the
// runtime, never by the caller.
func DefaultExcludedParams() map[string]bool {
	return map[string]bool{
		"user_id":        true,
		"correlation_id": true,
		"session":        true,
		"db":             true,
	}
}

// InputSchema is a compiled validation contract for capability input.
type InputSchema struct {
	doc      map[string]any
	raw      json.RawMessage
	compiled *santhosh.Schema
	required []string
	defaults map[string]any
}

// NewInputSchema compiles an explicit JSON Schema document.
func NewInputSchema(doc map[string]any) (*InputSchema, error) {
	s := &InputSchema{doc: doc, defaults: map[string]any{}}

	if req, ok := doc["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.required = append(s.required, name)
			}
		}
	}
	if req, ok := doc["required"].([]string); ok {
		s.required = append(s.required, req...)
	}
	if props, ok := doc["properties"].(map[string]any); ok {
		for name, p := range props {
			if prop, ok := p.(map[string]any); ok {
				if def, ok := prop["default"]; ok {
					s.defaults[name] = def
				}
			}
		}
	}

	if err := s.compile(); err != nil {
		return nil, err
	}
	return s, nil
}

// InferSchema derives an input contract from a declared parameter list.
// Parameters in the exclusion set are removed; pass nil to use
// DefaultExcludedParams.
func InferSchema(params []ParamSpec, exclude map[string]bool) (*InputSchema, error) {
	if exclude == nil {
		exclude = DefaultExcludedParams()
	}

	properties := make(map[string]any)
	var required []string
	defaults := make(map[string]any)

	for _, p := range params {
		if exclude[p.Name] {
			continue
		}
		prop := map[string]any{"type": p.Type}
		if p.Type == "" {
			delete(prop, "type")
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
			defaults[p.Name] = p.Default
		} else if p.Required {
			required = append(required, p.Name)
		}
		properties[p.Name] = prop
	}
	sort.Strings(required)

	doc := map[string]any{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	s := &InputSchema{doc: doc, required: required, defaults: defaults}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return s, nil
}

// SchemaFromType reflects a Go struct into an input contract.
func SchemaFromType(model any) (*InputSchema, error) {
	reflector := new(invopop.Reflector)
	reflector.ExpandedStruct = true
	reflector.DoNotReference = true

	generated := reflector.Reflect(model)
	data, err := json.Marshal(generated)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generated schema: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode generated schema: %w", err)
	}
	return NewInputSchema(doc)
}

// SchemaFor resolves the input contract for a capability: explicit schema,
// then reflected input type, then inferred parameter list. Capabilities with
// no declared contract accept any object.
func SchemaFor(c *Capability) (*InputSchema, error) {
	switch {
	case c.Schema != nil:
		return c.Schema, nil
	case c.InputType != nil:
		return SchemaFromType(c.InputType)
	default:
		return InferSchema(c.Params, nil)
	}
}

func (s *InputSchema) compile() error {
	raw, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal schema document: %w", err)
	}
	s.raw = raw

	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource("input.schema.json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("input.schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}
	s.compiled = compiled
	return nil
}

// Document returns the JSON Schema document.
func (s *InputSchema) Document() map[string]any {
	return s.doc
}

// MarshalJSON serializes the schema document.
func (s *InputSchema) MarshalJSON() ([]byte, error) {
	return s.raw, nil
}

// Validate checks input against the contract and returns a copy with
// declared defaults applied. A *ValidationError is returned before any
// execution attempt when the input does not satisfy the schema.
func (s *InputSchema) Validate(capabilityID string, input map[string]any) (map[string]any, error) {
	if input == nil {
		input = map[string]any{}
	}

	var missing []string
	for _, name := range s.required {
		if _, ok := input[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{CapabilityID: capabilityID, Missing: missing}
	}

	// Round-trip through JSON so the validator sees canonical types.
	normalized, err := normalizeJSON(input)
	if err != nil {
		return nil, &ValidationError{CapabilityID: capabilityID, Causes: []string{err.Error()}}
	}

	if s.compiled != nil {
		if err := s.compiled.Validate(normalized); err != nil {
			return nil, &ValidationError{CapabilityID: capabilityID, Causes: flattenCauses(err)}
		}
	}

	validated := make(map[string]any, len(input)+len(s.defaults))
	for name, def := range s.defaults {
		validated[name] = def
	}
	for k, v := range input {
		validated[k] = v
	}
	return validated, nil
}

func normalizeJSON(input map[string]any) (any, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("input is not serializable: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// flattenCauses collects leaf validation messages with their instance paths.
func flattenCauses(err error) []string {
	ve, ok := err.(*santhosh.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *santhosh.ValidationError)
	walk = func(e *santhosh.ValidationError) {
		if len(e.Causes) == 0 {
			loc := strings.TrimPrefix(e.InstanceLocation, "/")
			if loc == "" {
				out = append(out, e.Message)
			} else {
				out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
