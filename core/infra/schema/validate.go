package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Validate checks a value against a JSON schema document. Raw JSON bytes
// are decoded before validation; other values are validated as-is.
func Validate(id string, schema []byte, value any) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema is empty")
	}
	if id == "" {
		id = "schema"
	}
	resourceID := "inmemory://" + id

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	payload := value
	switch v := value.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(v, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	case []byte:
		if err := json.Unmarshal(v, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}

	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
