package extractor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/feichai0017/packet-processor/internal/models"
)

// entitySchema accepts a flat object whose values are scalars, lists of
// scalars, or one level of scalar-valued objects.
const entitySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "propertyNames": {"minLength": 1, "maxLength": 128},
  "additionalProperties": {
    "anyOf": [
      {"$ref": "#/definitions/scalar"},
      {"type": "array", "items": {"$ref": "#/definitions/scalar"}},
      {"type": "object", "additionalProperties": {"$ref": "#/definitions/scalar"}}
    ]
  },
  "definitions": {
    "scalar": {"type": ["string", "number", "boolean", "null"]}
  }
}`

// Validator checks extracted entities before they are persisted.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("entities.json", strings.NewReader(entitySchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("entities.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

func (v *Validator) Validate(entities models.Entities) error {
	if entities == nil {
		return fmt.Errorf("entities are nil")
	}
	b, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("unmarshal entities: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("entities do not match schema: %w", err)
	}
	return nil
}
