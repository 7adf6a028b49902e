package schema

import (
	"encoding/json"
	"testing"
)

const nodeSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "integer", "minimum": 0 }
  }
}`

func TestValidateAcceptsConformingPayload(t *testing.T) {
	payload := map[string]any{"id": 3}
	if err := Validate("node", []byte(nodeSchema), payload); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsBadPayload(t *testing.T) {
	payload := map[string]any{"id": "three"}
	if err := Validate("node", []byte(nodeSchema), payload); err == nil {
		t.Fatalf("expected validation error")
	}
	if err := Validate("node", []byte(nodeSchema), map[string]any{}); err == nil {
		t.Fatalf("expected error for missing required field")
	}
}

func TestValidateDecodesRawJSON(t *testing.T) {
	if err := Validate("node", []byte(nodeSchema), json.RawMessage(`{"id": 7}`)); err != nil {
		t.Fatalf("raw message payload rejected: %v", err)
	}
	if err := Validate("node", []byte(nodeSchema), []byte(`{"id": -1}`)); err == nil {
		t.Fatalf("expected minimum violation")
	}
}

func TestValidateBadSchema(t *testing.T) {
	if err := Validate("x", nil, map[string]any{}); err == nil {
		t.Fatalf("expected error for empty schema")
	}
	if err := Validate("x", []byte(`{"type": 42}`), map[string]any{}); err == nil {
		t.Fatalf("expected compile error")
	}
}
