package agentic

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validatable is implemented by argument structs that need custom business validation.
// Called after schema validation and unmarshaling.
type Validatable interface {
	Validate() error
}

// schemaValidator validates a JSON-like value (e.g. map[string]any from json.Unmarshal).
// Used by both static Extractor and dynamic Tool. *jsonschema-go.Resolved and
// dynamicSchema implement it.
type schemaValidator interface {
	Validate(v any) error
}

// validateAgainstSchema runs Layer 1 validation on an already-parsed value v.
// Caller must unmarshal JSON and pass the result; parse errors are reported by
// the caller (Extractor.ParseAndValidate or the dynamic tool execute path).
func validateAgainstSchema(validate schemaValidator, v any) error {
	if err := validate.Validate(v); err != nil {
		return &ClientError{Reason: err.Error(), Err: ErrValidation}
	}
	return nil
}

// validateCustom runs Layer 2 (Validatable) if args implements it.
func validateCustom(args any) error {
	if v, ok := args.(Validatable); ok {
		return v.Validate()
	}
	return nil
}

// dynamicSchema validates against a compiled raw-map schema. Dynamic tools carry
// schemas that arrive at runtime (remote descriptors, OpenAPI exports), so they
// are compiled with a full draft validator rather than reflected from a Go type.
type dynamicSchema struct {
	compiled *jsonschema.Schema
}

// compileDynamicSchema compiles schemaJSON into a validator. The schema must be
// a self-contained document; $id/id are stripped by the caller beforehand.
func compileDynamicSchema(schemaJSON []byte) (*dynamicSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("tool.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &dynamicSchema{compiled: compiled}, nil
}

func (d *dynamicSchema) Validate(v any) error {
	return d.compiled.Validate(v)
}
