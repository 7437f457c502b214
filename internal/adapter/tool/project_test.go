package tool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlutterProjectTool(t *testing.T) {
	f := newToolFixture(t, 1)
	id := f.create(t, "app-a")

	var out commandOutput
	mustCall(t, f.project, map[string]any{"action": "build", "session_id": id}, &out)
	assert.True(t, out.Success)
	assert.Equal(t, "flutter build ios --simulator", out.Command)
	assert.Contains(t, out.Stdout, "build ios --simulator")

	mustCall(t, f.project, map[string]any{"action": "build", "session_id": id, "build_args": []string{"apk"}}, &out)
	assert.Equal(t, "flutter build apk", out.Command)

	mustCall(t, f.project, map[string]any{"action": "clean", "session_id": id}, &out)
	assert.True(t, out.Success)
	assert.Contains(t, out.Stdout, "Deleting build")

	// A nonzero exit is a result, not a tool error.
	mustCall(t, f.project, map[string]any{"action": "pub_get", "session_id": id}, &out)
	assert.False(t, out.Success)
	assert.Equal(t, 66, out.ExitCode)
	assert.Contains(t, out.Stderr, "oops")

	res := call(t, f.project, map[string]any{"action": "clean", "session_id": "nope"})
	require.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(res.Content, "[SESSION_NOT_FOUND]"), res.Content)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 10))
	got := tail("line1\nline2\nline3\n", 10)
	assert.True(t, strings.HasPrefix(got, "…\n"))
	assert.NotContains(t, got, "line1")
	assert.Contains(t, got, "line3")
}
