package rest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/register-write-v1.json
var registerWriteSchemaJSON string

// WriteValidator checks register write bodies before they are decoded.
type WriteValidator struct {
	schema *jsonschema.Schema
}

func NewWriteValidator() (*WriteValidator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("register-write-v1.json",
		strings.NewReader(registerWriteSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("register-write-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &WriteValidator{schema: schema}, nil
}

// Validate checks data against the schema and decodes it into req.
func (v *WriteValidator) Validate(data []byte, req *WriteRegisterRequest) error {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if err := json.Unmarshal(data, req); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}
