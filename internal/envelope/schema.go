package envelope

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaID is the $id of the embedded payload schema.
const SchemaID = "https://maiscapinhas.com/schemas/pdv-sync/v2.0"

//go:embed schema/pdv-sync-v2.0.json
var schemaDocument []byte

// Validator checks serialized envelopes against the payload schema.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDocument))
	if err != nil {
		return nil, fmt.Errorf("decode payload schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(SchemaID, doc); err != nil {
		return nil, fmt.Errorf("register payload schema: %w", err)
	}
	schema, err := compiler.Compile(SchemaID)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate returns an error wrapping ErrInvalidEnvelope when body does not
// conform to the schema.
func (v *Validator) Validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}
