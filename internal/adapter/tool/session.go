package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"flutter-sim-mcp/internal/domain"
	"flutter-sim-mcp/internal/usecase/session"
)

// SessionTool creates, lists and ends development sessions.
type SessionTool struct {
	manager *session.Manager
	logger  *slog.Logger
}

// NewSessionTool creates a session tool backed by manager.
func NewSessionTool(manager *session.Manager, logger *slog.Logger) *SessionTool {
	return &SessionTool{manager: manager, logger: logger}
}

func (t *SessionTool) Name() string { return "session" }
func (t *SessionTool) Description() string {
	return "Manage Flutter development sessions. A session binds one Flutter project to its own iOS simulator, " +
		"created lazily on first run. Actions: create (returns session_id), end, list, get, start_simulator, device_types. " +
		"Sessions idle longer than the server's timeout are ended automatically."
}

func (t *SessionTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["create", "end", "list", "get", "start_simulator", "device_types"],
					"description": "The operation to perform"
				},
				"session_id": {
					"type": "string",
					"description": "Session ID (required for end, get, start_simulator)"
				},
				"project_path": {
					"type": "string",
					"description": "Flutter project directory containing pubspec.yaml (required for create)"
				},
				"device_type": {
					"type": "string",
					"description": "Simulator device type for create, e.g. \"iPhone 15\""
				}
			},
			"required": ["action"]
		}`),
	}
}

type sessionParams struct {
	Action      string `json:"action"`
	SessionID   string `json:"session_id"`
	ProjectPath string `json:"project_path"`
	DeviceType  string `json:"device_type"`
}

type createdSession struct {
	SessionID   string `json:"session_id"`
	DeviceType  string `json:"device_type"`
	ProjectPath string `json:"project_path"`
}

func (t *SessionTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.session", t.logger, params,
		Dispatch(func(p sessionParams) string { return p.Action }, ActionMap[sessionParams]{
			"create":          t.handleCreate,
			"end":             t.handleEnd,
			"list":            t.handleList,
			"get":             t.handleGet,
			"start_simulator": t.handleStartSimulator,
			"device_types":    t.handleDeviceTypes,
		}),
	)
}

func (t *SessionTool) handleCreate(ctx context.Context, p sessionParams) (any, error) {
	if err := RequireField("project_path", p.ProjectPath); err != nil {
		return nil, err
	}
	info, err := t.manager.CreateSession(ctx, domain.CreateSessionParams{
		ProjectPath: p.ProjectPath,
		DeviceType:  p.DeviceType,
	})
	if err != nil {
		return nil, err
	}
	return createdSession{SessionID: info.ID, DeviceType: info.DeviceType, ProjectPath: info.ProjectPath}, nil
}

func (t *SessionTool) handleEnd(ctx context.Context, p sessionParams) (any, error) {
	if err := RequireField("session_id", p.SessionID); err != nil {
		return nil, err
	}
	if err := t.manager.EndSession(ctx, p.SessionID); err != nil {
		return nil, err
	}
	return Ack{Success: true, Message: fmt.Sprintf("session %s ended", p.SessionID)}, nil
}

func (t *SessionTool) handleList(context.Context, sessionParams) (any, error) {
	return map[string]any{"sessions": t.manager.ListSessions()}, nil
}

func (t *SessionTool) handleGet(_ context.Context, p sessionParams) (any, error) {
	sess, err := touch(t.manager, p.SessionID)
	if err != nil {
		return nil, err
	}
	return sess.Info(), nil
}

func (t *SessionTool) handleStartSimulator(ctx context.Context, p sessionParams) (any, error) {
	if _, err := touch(t.manager, p.SessionID); err != nil {
		return nil, err
	}
	id, err := t.manager.StartSimulator(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"simulator_id": id}, nil
}

func (t *SessionTool) handleDeviceTypes(ctx context.Context, _ sessionParams) (any, error) {
	types, err := t.manager.ListDeviceTypes(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"device_types": types}, nil
}

// touch validates id, looks the session up and bumps its activity.
func touch(m *session.Manager, id string) (*session.Session, error) {
	if err := RequireField("session_id", id); err != nil {
		return nil, err
	}
	sess, err := m.GetSession(id)
	if err != nil {
		return nil, err
	}
	m.UpdateSessionActivity(id)
	return sess, nil
}
