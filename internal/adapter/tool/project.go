package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"flutter-sim-mcp/internal/domain"
	"flutter-sim-mcp/internal/usecase/session"
)

// outputTailBytes bounds the stdout/stderr returned from a project command.
const outputTailBytes = 8 * 1024

// FlutterProjectTool runs one-shot flutter commands in a session's project.
type FlutterProjectTool struct {
	manager *session.Manager
	timeout time.Duration
	logger  *slog.Logger
}

// NewFlutterProjectTool creates a flutter_project tool. timeout bounds each command.
func NewFlutterProjectTool(manager *session.Manager, timeout time.Duration, logger *slog.Logger) *FlutterProjectTool {
	return &FlutterProjectTool{manager: manager, timeout: timeout, logger: logger}
}

func (t *FlutterProjectTool) Name() string { return "flutter_project" }
func (t *FlutterProjectTool) Description() string {
	return "Run a one-shot flutter command in a session's project and wait for it: " +
		"build (flutter build ios --simulator by default), clean, pub_get. Returns exit code and the tail of its output."
}

func (t *FlutterProjectTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["build", "clean", "pub_get"],
					"description": "The operation to perform"
				},
				"session_id": {
					"type": "string",
					"description": "Session ID"
				},
				"build_args": {
					"type": "array",
					"items": {"type": "string"},
					"description": "build: arguments after 'flutter build' (default [\"ios\", \"--simulator\"])"
				}
			},
			"required": ["action", "session_id"]
		}`),
	}
}

type projectParams struct {
	Action    string   `json:"action"`
	SessionID string   `json:"session_id"`
	BuildArgs []string `json:"build_args"`
}

type commandOutput struct {
	Success    bool   `json:"success"`
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
}

func (t *FlutterProjectTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.flutter_project", t.logger, params,
		Dispatch(func(p projectParams) string { return p.Action }, ActionMap[projectParams]{
			"build": func(ctx context.Context, p projectParams) (any, error) {
				args := p.BuildArgs
				if len(args) == 0 {
					args = []string{"ios", "--simulator"}
				}
				return t.run(ctx, p, append([]string{"build"}, args...)...)
			},
			"clean": func(ctx context.Context, p projectParams) (any, error) {
				return t.run(ctx, p, "clean")
			},
			"pub_get": func(ctx context.Context, p projectParams) (any, error) {
				return t.run(ctx, p, "pub", "get")
			},
		}),
	)
}

func (t *FlutterProjectTool) run(ctx context.Context, p projectParams, args ...string) (any, error) {
	if _, err := touch(t.manager, p.SessionID); err != nil {
		return nil, err
	}
	res, err := t.manager.RunProjectCommand(ctx, p.SessionID, t.timeout, args...)
	// Long builds count as activity at both ends.
	t.manager.UpdateSessionActivity(p.SessionID)
	if err != nil {
		return nil, err
	}
	return commandOutput{
		Success:    res.ExitCode == 0,
		Command:    "flutter " + strings.Join(args, " "),
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
		Stdout:     tail(res.Stdout, outputTailBytes),
		Stderr:     tail(res.Stderr, outputTailBytes),
	}, nil
}

// tail keeps the last n bytes of s, cut at a line boundary when possible.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return "…\n" + s
}
