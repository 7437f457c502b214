package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"flutter-sim-mcp/internal/domain"
	"flutter-sim-mcp/internal/usecase/flutter"
	"flutter-sim-mcp/internal/usecase/session"
)

// maxTestTimeoutMinutes caps the per-test timeout a caller may request.
const maxTestTimeoutMinutes = 120

// FlutterTestTool starts `flutter test` runs and reports their progress.
type FlutterTestTool struct {
	manager *session.Manager
	logger  *slog.Logger
}

// NewFlutterTestTool creates a flutter_test tool backed by manager.
func NewFlutterTestTool(manager *session.Manager, logger *slog.Logger) *FlutterTestTool {
	return &FlutterTestTool{manager: manager, logger: logger}
}

func (t *FlutterTestTool) Name() string { return "flutter_test" }
func (t *FlutterTestTool) Description() string {
	return "Run a session project's Flutter tests in the background. start returns a numeric reference; " +
		"progress reports counts (show_all_names lists passing and failing test names, paginated); " +
		"logs returns per-test output, failing tests only unless show_all is set. " +
		"Pass session_id with progress and logs to disambiguate references across sessions."
}

func (t *FlutterTestTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["start", "progress", "logs"],
					"description": "The operation to perform"
				},
				"session_id": {
					"type": "string",
					"description": "Session ID (required for start, optional otherwise)"
				},
				"reference": {
					"type": "integer",
					"minimum": 1,
					"description": "Test run reference returned by start (required for progress, logs)"
				},
				"test_name_match": {
					"type": "string",
					"description": "Only run tests whose name matches this regular expression"
				},
				"timeout_minutes": {
					"type": "integer",
					"minimum": 0,
					"description": "Per-test timeout in minutes"
				},
				"tags": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Only run tests with these tags"
				},
				"show_all_names": {
					"type": "boolean",
					"description": "progress: include passing and failing test names"
				},
				"show_all": {
					"type": "boolean",
					"description": "logs: include passing tests"
				},
				"offset": {
					"type": "integer",
					"minimum": 0,
					"description": "Pagination offset (default 0)"
				},
				"limit": {
					"type": "integer",
					"minimum": 0,
					"description": "Page size (default 100)"
				}
			},
			"required": ["action"]
		}`),
	}
}

type testParams struct {
	Action         string   `json:"action"`
	SessionID      string   `json:"session_id"`
	Reference      int      `json:"reference"`
	TestNameMatch  string   `json:"test_name_match"`
	TimeoutMinutes int      `json:"timeout_minutes"`
	Tags           []string `json:"tags"`
	ShowAllNames   bool     `json:"show_all_names"`
	ShowAll        bool     `json:"show_all"`
	Offset         int      `json:"offset"`
	Limit          int      `json:"limit"`
}

func (t *FlutterTestTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.flutter_test", t.logger, params,
		Dispatch(func(p testParams) string { return p.Action }, ActionMap[testParams]{
			"start":    t.handleStart,
			"progress": t.handleProgress,
			"logs":     t.handleLogs,
		}),
	)
}

func (t *FlutterTestTool) handleStart(ctx context.Context, p testParams) (any, error) {
	if _, err := touch(t.manager, p.SessionID); err != nil {
		return nil, err
	}
	if err := ValidateRange("timeout_minutes", p.TimeoutMinutes, 0, maxTestTimeoutMinutes); err != nil {
		return nil, err
	}
	ref, err := t.manager.StartTests(ctx, p.SessionID, flutter.TestOptions{
		TestNameMatch:  p.TestNameMatch,
		TimeoutMinutes: p.TimeoutMinutes,
		Tags:           p.Tags,
	})
	if err != nil {
		return nil, err
	}
	return map[string]int{"reference": ref}, nil
}

func (t *FlutterTestTool) handleProgress(_ context.Context, p testParams) (any, error) {
	tm, err := t.lookup(p)
	if err != nil {
		return nil, err
	}
	progress, ok := tm.Progress(p.Reference, p.ShowAllNames, p.Offset, p.Limit)
	if !ok {
		return nil, t.gone(p.Reference)
	}
	return progress, nil
}

func (t *FlutterTestTool) handleLogs(_ context.Context, p testParams) (any, error) {
	tm, err := t.lookup(p)
	if err != nil {
		return nil, err
	}
	logs, ok := tm.Logs(p.Reference, p.ShowAll, p.Offset, p.Limit)
	if !ok {
		return nil, t.gone(p.Reference)
	}
	if logs == nil {
		logs = []domain.TestLog{}
	}
	return logs, nil
}

// lookup resolves a reference to its test manager and bumps the owning
// session's activity.
func (t *FlutterTestTool) lookup(p testParams) (*flutter.TestManager, error) {
	if p.Reference <= 0 {
		return nil, invalidInput("'reference' is required and must be > 0")
	}
	if err := ValidateAll(
		ValidateNonNegative("offset", p.Offset),
		ValidateNonNegative("limit", p.Limit),
	); err != nil {
		return nil, err
	}
	sess, tm, err := t.manager.FindTestReference(p.Reference, p.SessionID)
	if err != nil {
		return nil, err
	}
	t.manager.UpdateSessionActivity(sess.ID())
	return tm, nil
}

// gone reports a reference discarded between lookup and read.
func (t *FlutterTestTool) gone(ref int) error {
	return domain.NewSubSystemError(domain.SubSystemTest, "flutter_test", domain.ErrNotFound,
		fmt.Sprintf("test reference %d not found", ref))
}
