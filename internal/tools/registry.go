// Package tools hosts the tool registry, the resilient call client, and the
// built-in tool handlers behind tools/list and tools/call.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loreline-ai/loreline/internal/model"
)

// Handler executes one tool call. Input has already passed schema validation.
type Handler func(ctx context.Context, tc model.ToolContext, input map[string]any) (map[string]any, error)

// Resilience is the per-tool call budget.
type Resilience struct {
	Priority         int
	Timeout          time.Duration
	MaxRetries       int
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// Tool is one registry entry: contract, budget, and handler.
type Tool struct {
	Descriptor  model.ToolDescriptor
	Resilience  Resilience
	Handler     Handler
	inputSchema *jsonschema.Schema
}

// Registry holds the tool set. Registration happens at startup; lookups are
// concurrent afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles the tool's input schema and adds it to the registry.
// Duplicate names and invalid schemas are programmer errors.
func (r *Registry) Register(t *Tool) error {
	if t.Descriptor.Name == "" {
		return fmt.Errorf("tools: register: empty tool name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: register %q: nil handler", t.Descriptor.Name)
	}

	schema, err := compileSchema(t.Descriptor.Name, t.Descriptor.InputSchema)
	if err != nil {
		return err
	}
	t.inputSchema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Descriptor.Name]; exists {
		return fmt.Errorf("tools: register %q: already registered", t.Descriptor.Name)
	}
	r.tools[t.Descriptor.Name] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns descriptors filtered by category and AI-callability, sorted by
// name for a stable contract surface.
func (r *Registry) List(category string, aiCallableOnly bool) []model.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		if category != "" && t.Descriptor.Category != category {
			continue
		}
		if aiCallableOnly && !t.Descriptor.AICallable {
			continue
		}
		out = append(out, t.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateInput checks input against the tool's compiled schema.
func (t *Tool) ValidateInput(input map[string]any) error {
	if t.inputSchema == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees canonical value types.
	raw, err := json.Marshal(input)
	if err != nil {
		return model.WrapErr(model.KindValidation, "tools: encode input", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return model.WrapErr(model.KindValidation, "tools: decode input", err)
	}
	if err := t.inputSchema.Validate(doc); err != nil {
		return model.WrapErr(model.KindValidation, "tools: input schema violation", err)
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tools: encode schema for %q: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tools: decode schema for %q: %w", name, err)
	}

	compiler := jsonschema.NewCompiler()
	uri := "loreline://tools/" + name + ".json"
	if err := compiler.AddResource(uri, doc); err != nil {
		return nil, fmt.Errorf("tools: add schema resource for %q: %w", name, err)
	}
	compiled, err := compiler.Compile(uri)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema for %q: %w", name, err)
	}
	return compiled, nil
}
