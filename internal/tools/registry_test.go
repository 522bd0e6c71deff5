package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeTool struct {
	name   string
	params map[string]any
	fn     func(ctx context.Context, args map[string]any) (string, error)
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "fake tool" }
func (t *fakeTool) Parameters() map[string]any {
	if t.params != nil {
		return t.params
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *fakeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if t.fn != nil {
		return t.fn(ctx, args)
	}
	return "ok", nil
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "echo"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&fakeTool{name: "echo"}); err == nil {
		t.Fatal("expected error registering duplicate name")
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry()
	got := r.Execute(context.Background(), "nope", nil)
	want := "Error: Tool 'nope' not found."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRegistry_ValidationFailure(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&fakeTool{
		name: "greet",
		params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
			"required": []string{"name"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := r.Execute(context.Background(), "greet", map[string]any{})
	if !strings.HasPrefix(got, "Invalid parameters: ") {
		t.Errorf("missing args: got %q", got)
	}

	got = r.Execute(context.Background(), "greet", map[string]any{"name": 42})
	if !strings.HasPrefix(got, "Invalid parameters: ") {
		t.Errorf("wrong type: got %q", got)
	}
}

func TestRegistry_ToolError(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&fakeTool{
		name: "boom",
		fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("disk on fire")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := r.Execute(context.Background(), "boom", map[string]any{})
	want := "Error executing boom: disk on fire"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRegistry_Success(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&fakeTool{
		name: "echo",
		params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		fn: func(ctx context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := r.Execute(context.Background(), "echo", map[string]any{"text": "hello"})
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestRegistry_DefinitionsOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		if err := r.Register(&fakeTool{name: name}); err != nil {
			t.Fatal(err)
		}
	}

	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("got %d definitions, want 3", len(defs))
	}
	for i, want := range []string{"c", "a", "b"} {
		if defs[i].Function.Name != want {
			t.Errorf("definition %d = %q, want %q (registration order)", i, defs[i].Function.Name, want)
		}
	}
}
