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

// maxLogLimit caps a single logs page.
const maxLogLimit = 1000

// FlutterRunTool drives the `flutter run` process of a session.
type FlutterRunTool struct {
	manager *session.Manager
	logger  *slog.Logger
}

// NewFlutterRunTool creates a flutter_run tool backed by manager.
func NewFlutterRunTool(manager *session.Manager, logger *slog.Logger) *FlutterRunTool {
	return &FlutterRunTool{manager: manager, logger: logger}
}

func (t *FlutterRunTool) Name() string { return "flutter_run" }
func (t *FlutterRunTool) Description() string {
	return "Run a session's Flutter app on its simulator. start boots the simulator if needed and launches flutter run; " +
		"stop, hot_reload and hot_restart control the running app; status reports the process state; " +
		"logs returns buffered output from from_index, pass next_index back to poll for new lines."
}

func (t *FlutterRunTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["start", "stop", "hot_reload", "hot_restart", "status", "logs"],
					"description": "The operation to perform"
				},
				"session_id": {
					"type": "string",
					"description": "Session ID"
				},
				"target": {
					"type": "string",
					"description": "Entry point for start, e.g. lib/main_dev.dart"
				},
				"flavor": {
					"type": "string",
					"description": "Build flavor for start"
				},
				"extra_args": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Additional flutter run arguments for start"
				},
				"from_index": {
					"type": "integer",
					"minimum": 0,
					"description": "First log index to return (default 0)"
				},
				"limit": {
					"type": "integer",
					"minimum": 0,
					"maximum": 1000,
					"description": "Max log lines to return (default 100)"
				}
			},
			"required": ["action", "session_id"]
		}`),
	}
}

type runParams struct {
	Action    string   `json:"action"`
	SessionID string   `json:"session_id"`
	Target    string   `json:"target"`
	Flavor    string   `json:"flavor"`
	ExtraArgs []string `json:"extra_args"`
	FromIndex int      `json:"from_index"`
	Limit     int      `json:"limit"`
}

type runStarted struct {
	Success bool   `json:"success"`
	PID     int    `json:"pid"`
	Message string `json:"message"`
}

func (t *FlutterRunTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.flutter_run", t.logger, params,
		Dispatch(func(p runParams) string { return p.Action }, ActionMap[runParams]{
			"start": t.handleStart,
			"stop": func(_ context.Context, p runParams) (any, error) {
				return t.control(p, "stop", (*flutter.RunManager).Stop)
			},
			"hot_reload": func(_ context.Context, p runParams) (any, error) {
				return t.control(p, "hot reload", (*flutter.RunManager).HotReload)
			},
			"hot_restart": func(_ context.Context, p runParams) (any, error) {
				return t.control(p, "hot restart", (*flutter.RunManager).HotRestart)
			},
			"status": t.handleStatus,
			"logs":   t.handleLogs,
		}),
	)
}

func (t *FlutterRunTool) handleStart(ctx context.Context, p runParams) (any, error) {
	if _, err := touch(t.manager, p.SessionID); err != nil {
		return nil, err
	}
	info, err := t.manager.StartRun(ctx, p.SessionID, flutter.RunOptions{
		Target:    p.Target,
		Flavor:    p.Flavor,
		ExtraArgs: p.ExtraArgs,
	})
	if err != nil {
		return nil, err
	}
	return runStarted{
		Success: true,
		PID:     info.PID,
		Message: fmt.Sprintf("flutter run started on simulator %s; poll logs for progress", info.DeviceID),
	}, nil
}

func (t *FlutterRunTool) control(p runParams, what string, send func(*flutter.RunManager) bool) (any, error) {
	sess, err := touch(t.manager, p.SessionID)
	if err != nil {
		return nil, err
	}
	rm := sess.RunManager()
	if rm == nil || !send(rm) {
		return nil, domain.NewSubSystemError(domain.SubSystemRun, "flutter_run."+p.Action, domain.ErrNotFound,
			"no flutter run process is running in this session")
	}
	return Ack{Success: true, Message: what + " requested"}, nil
}

func (t *FlutterRunTool) handleStatus(_ context.Context, p runParams) (any, error) {
	sess, err := touch(t.manager, p.SessionID)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"session_id": sess.ID(), "simulator_id": sess.SimulatorID(), "running": false}
	if rm := sess.RunManager(); rm != nil {
		if info, ok := rm.Status(); ok {
			out["running"] = info.Status.Active()
			out["process"] = info
		}
	}
	return out, nil
}

func (t *FlutterRunTool) handleLogs(_ context.Context, p runParams) (any, error) {
	sess, err := touch(t.manager, p.SessionID)
	if err != nil {
		return nil, err
	}
	if err := ValidateAll(
		ValidateNonNegative("from_index", p.FromIndex),
		ValidateRange("limit", p.Limit, 0, maxLogLimit),
	); err != nil {
		return nil, err
	}
	rm := sess.RunManager()
	if rm == nil {
		return domain.LogPage{Logs: []domain.LogEntry{}}, nil
	}
	return rm.Logs(p.FromIndex, p.Limit), nil
}
