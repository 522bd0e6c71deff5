package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/robunhq/robun/internal/providers"
)

// Registry holds the named tool collection and dispatches LLM tool calls.
// Registration happens at startup from the agent loop's goroutine; execution
// may fan out to subagent goroutines, hence the lock.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	compiled map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Names are globally unique; a duplicate replaces
// nothing and returns an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns the OpenAI function-calling definitions for all tools,
// in registration order.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute validates and runs one tool call, collapsing every outcome into a
// single result string for the LLM.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) string {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Sprintf("Error: Tool '%s' not found.", name)
	}

	if msg := r.validateArgs(name, t, args); msg != "" {
		return msg
	}

	result, err := t.Execute(ctx, args)
	if err != nil {
		slog.Warn("tool execution failed", "tool", name, "error", err)
		return fmt.Sprintf("Error executing %s: %v", name, err)
	}
	return result
}

// validateArgs checks args against the tool's parameter schema.
// Returns "" when valid, or the "Invalid parameters: ..." string.
func (r *Registry) validateArgs(name string, t Tool, args map[string]any) string {
	sch, err := r.schemaFor(name, t)
	if err != nil {
		// A schema that doesn't compile shouldn't veto the call.
		slog.Warn("tool schema compile failed", "tool", name, "error", err)
		return ""
	}

	// Round-trip through JSON so numbers and nested values take the decoded
	// shapes the validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("Invalid parameters: %v", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Sprintf("Invalid parameters: %v", err)
	}

	if err := sch.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return "Invalid parameters: " + strings.Join(formatCauses(ve), ", ")
		}
		return fmt.Sprintf("Invalid parameters: %v", err)
	}
	return ""
}

func (r *Registry) schemaFor(name string, t Tool) (*jsonschema.Schema, error) {
	r.mu.RLock()
	sch, ok := r.compiled[name]
	r.mu.RUnlock()
	if ok {
		return sch, nil
	}

	// Round-trip the parameter map into the decoded-JSON form the compiler wants.
	raw, err := json.Marshal(t.Parameters())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err = c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	r.mu.Lock()
	r.compiled[name] = sch
	r.mu.Unlock()
	return sch, nil
}

var schemaPrinter = message.NewPrinter(language.English)

// formatCauses flattens a validation error tree into "{path}: {message}" leaves.
func formatCauses(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		path := "/" + strings.Join(ve.InstanceLocation, "/")
		if path == "/" {
			path = "(root)"
		}
		return []string{path + ": " + ve.ErrorKind.LocalizedString(schemaPrinter)}
	}

	var out []string
	for _, c := range ve.Causes {
		out = append(out, formatCauses(c)...)
	}
	sort.Strings(out)
	return out
}
