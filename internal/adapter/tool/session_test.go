package tool

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flutter-sim-mcp/internal/domain"
)

func TestSessionTool_CreateListEnd(t *testing.T) {
	f := newToolFixture(t, 2)

	var created struct {
		SessionID   string `json:"session_id"`
		DeviceType  string `json:"device_type"`
		ProjectPath string `json:"project_path"`
	}
	mustCall(t, f.session, map[string]any{"action": "create", "project_path": "app-a", "device_type": "iPhone 15 Pro"}, &created)
	assert.Equal(t, "iPhone 15 Pro", created.DeviceType)
	want, _ := filepath.EvalSymlinks(filepath.Join(f.root, "app-a"))
	assert.Equal(t, want, created.ProjectPath)

	var list struct {
		Sessions []domain.SessionInfo `json:"sessions"`
	}
	mustCall(t, f.session, map[string]any{"action": "list"}, &list)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, created.SessionID, list.Sessions[0].ID)
	assert.Empty(t, list.Sessions[0].SimulatorID)

	var ack Ack
	mustCall(t, f.session, map[string]any{"action": "end", "session_id": created.SessionID}, &ack)
	assert.True(t, ack.Success)

	res := call(t, f.session, map[string]any{"action": "end", "session_id": created.SessionID})
	require.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(res.Content, "[SESSION_NOT_FOUND]"), res.Content)
}

func TestSessionTool_Limit(t *testing.T) {
	f := newToolFixture(t, 1)
	f.create(t, "app-a")

	res := call(t, f.session, map[string]any{"action": "create", "project_path": "app-b"})
	require.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(res.Content, "[SESSION_LIMIT]"), res.Content)
}

func TestSessionTool_Errors(t *testing.T) {
	f := newToolFixture(t, 2)

	tests := []struct {
		name   string
		params map[string]any
		prefix string
	}{
		{"missing project", map[string]any{"action": "create", "project_path": "app-c"}, "[PROJECT_NOT_FOUND]"},
		{"missing path", map[string]any{"action": "create"}, "[INVALID_INPUT]"},
		{"traversal", map[string]any{"action": "create", "project_path": "../../etc"}, "[PATH_TRAVERSAL]"},
		{"missing session id", map[string]any{"action": "get"}, "[INVALID_INPUT]"},
		{"unknown session", map[string]any{"action": "get", "session_id": "nope"}, "[SESSION_NOT_FOUND]"},
		{"unknown action", map[string]any{"action": "explode"}, "[INVALID_INPUT]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, f.session, tt.params)
			require.True(t, res.IsError)
			assert.True(t, strings.HasPrefix(res.Content, tt.prefix), res.Content)
		})
	}
}

func TestSessionTool_StartSimulatorIdempotent(t *testing.T) {
	f := newToolFixture(t, 2)
	id := f.create(t, "app-a")

	var first, second map[string]string
	mustCall(t, f.session, map[string]any{"action": "start_simulator", "session_id": id}, &first)
	mustCall(t, f.session, map[string]any{"action": "start_simulator", "session_id": id}, &second)
	assert.Equal(t, "SIM-1", first["simulator_id"])
	assert.Equal(t, first, second)

	var info domain.SessionInfo
	mustCall(t, f.session, map[string]any{"action": "get", "session_id": id}, &info)
	assert.Equal(t, "SIM-1", info.SimulatorID)
}

func TestSessionTool_GetBumpsActivity(t *testing.T) {
	f := newToolFixture(t, 2)
	id := f.create(t, "app-a")

	sess, err := f.mgr.GetSession(id)
	require.NoError(t, err)
	before := sess.LastActivityAt()
	time.Sleep(5 * time.Millisecond)

	mustCall(t, f.session, map[string]any{"action": "get", "session_id": id}, nil)
	assert.True(t, sess.LastActivityAt().After(before))
}

func TestSessionTool_DeviceTypes(t *testing.T) {
	f := newToolFixture(t, 1)
	var out struct {
		DeviceTypes []domain.DeviceType `json:"device_types"`
	}
	mustCall(t, f.session, map[string]any{"action": "device_types"}, &out)
	require.Len(t, out.DeviceTypes, 1)
	assert.Equal(t, "iPhone 15", out.DeviceTypes[0].Name)
}
