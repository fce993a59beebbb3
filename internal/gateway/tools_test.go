package gateway

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRegistryValidatesPayload(t *testing.T) {
	r := NewRegistry()
	err := r.Register("echo", `{
		"type": "object",
		"required": ["value"],
		"properties": {"value": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p struct {
			Value string `json:"value"`
		}
		json.Unmarshal(payload, &p)
		return p.Value, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"value":"hi"}`))
	if err != nil || got != "hi" {
		t.Errorf("expected echo, got %v, %v", got, err)
	}

	_, err = r.Invoke(context.Background(), "echo", json.RawMessage(`{"value":""}`))
	if err == nil {
		t.Error("expected validation failure for empty value")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("expected ValidationError, got %T", err)
	}

	_, err = r.Invoke(context.Background(), "echo", json.RawMessage(`{"value":"x","extra":1}`))
	if err == nil {
		t.Error("expected rejection of additional properties")
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Invoke(context.Background(), "nope", nil); err == nil {
		t.Error("expected unknown-tool error")
	}
}

func TestRegistryBadSchemaRejected(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("bad", `{"type": nope}`, nil); err == nil {
		t.Error("expected schema compile failure")
	}
}
