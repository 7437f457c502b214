package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"flutter-sim-mcp/internal/domain"
)

// stubTool is a minimal tool for testing schema validation.
type stubTool struct {
	name   string
	schema json.RawMessage
	calls  int
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: s.name, Description: "stub", Parameters: s.schema}
}
func (s *stubTool) Execute(_ context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	s.calls++
	return TextResult("ok"), nil
}

const stubSchema = `{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["a", "b"]},
		"limit": {"type": "integer", "minimum": 0}
	},
	"required": ["action"]
}`

func TestSchemaValidation(t *testing.T) {
	tests := []struct {
		name    string
		params  string
		wantErr string
	}{
		{"valid", `{"action":"a","limit":3}`, ""},
		{"missing required", `{}`, "schema validation failed"},
		{"bad enum", `{"action":"c"}`, "/action"},
		{"negative limit", `{"action":"a","limit":-1}`, "/limit"},
		{"not json", `{`, "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &stubTool{name: "stub", schema: json.RawMessage(stubSchema)}
			wrapped, err := WithSchemaValidation(inner)
			if err != nil {
				t.Fatalf("WithSchemaValidation: %v", err)
			}
			result, err := wrapped.Execute(context.Background(), json.RawMessage(tt.params))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if tt.wantErr == "" {
				if result.IsError || inner.calls != 1 {
					t.Errorf("valid params rejected: %+v", result)
				}
				return
			}
			if !result.IsError || inner.calls != 0 {
				t.Fatalf("expected rejection before inner tool, got %+v (calls %d)", result, inner.calls)
			}
			if !strings.HasPrefix(result.Content, "[INVALID_INPUT]") || !strings.Contains(result.Content, tt.wantErr) {
				t.Errorf("Content = %q, want %q", result.Content, tt.wantErr)
			}
		})
	}
}

func TestSchemaValidation_NoSchema(t *testing.T) {
	inner := &stubTool{name: "bare"}
	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatal(err)
	}
	if wrapped != domain.Tool(inner) {
		t.Error("tool without schema should be returned unwrapped")
	}
}

func TestSchemaValidation_BadSchema(t *testing.T) {
	if _, err := WithSchemaValidation(&stubTool{name: "bad", schema: json.RawMessage(`{"type": 7}`)}); err == nil {
		t.Error("expected compile error")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nopLogger())
	if err := r.Register(&stubTool{name: "zeta", schema: json.RawMessage(stubSchema)}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&stubTool{name: "alpha"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&stubTool{name: "alpha"}); err == nil {
		t.Error("expected duplicate registration error")
	}

	tools := r.List()
	if len(tools) != 2 || tools[0].Name() != "alpha" || tools[1].Name() != "zeta" {
		t.Errorf("List not sorted: %v", tools)
	}

	got, err := r.Get("zeta")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.(*SchemaValidatingTool); !ok {
		t.Errorf("registered tool not wrapped: %T", got)
	}

	_, err = r.Get("missing")
	if domain.ErrorCodeOf(err) != domain.CodeToolNotFound {
		t.Errorf("code = %q", domain.ErrorCodeOf(err))
	}
}
