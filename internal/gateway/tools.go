// Package gateway exposes the agent-facing HTTP API. Tool endpoints are a
// registry of (name, schema, handler) entries with a uniform handler
// signature; schemas are data, compiled once at startup.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"github.com/qwer2003tw/bouncer/internal/core"
)

// Handler is the uniform tool signature: validated payload in, result or
// error out.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Tool is one registry entry.
type Tool struct {
	Name    string
	Schema  *jsonschema.Schema
	Handler Handler
}

// Registry maps tool names to entries.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles the schema and adds the tool. Registration happens once
// at startup; a bad schema is fatal.
func (r *Registry) Register(name, schemaJSON string, handler Handler) error {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(schemaJSON))
	if err != nil {
		return fmt.Errorf("compiling schema for %s: %w", name, err)
	}
	r.tools[name] = &Tool{Name: name, Schema: schema, Handler: handler}
	return nil
}

// Names lists registered tools.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Invoke validates the payload against the tool's schema and runs its
// handler.
func (r *Registry) Invoke(ctx context.Context, name string, payload json.RawMessage) (any, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q: %w", name, core.ErrNotFound)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	result := tool.Schema.ValidateJSON(payload)
	if !result.IsValid() {
		return nil, &ValidationError{Tool: name, Detail: fmt.Sprintf("%v", result.Errors)}
	}
	return tool.Handler(ctx, payload)
}

// ValidationError reports a payload that failed its tool schema.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return "invalid payload for " + e.Tool + ": " + e.Detail
}
