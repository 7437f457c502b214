package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flutter-sim-mcp/internal/domain"
	"flutter-sim-mcp/internal/usecase/flutter"
	"flutter-sim-mcp/internal/usecase/scheduling"
	"flutter-sim-mcp/internal/usecase/session"
)

// fakeFlutter is a stand-in flutter binary covering the subcommands the tools use.
const fakeFlutter = `#!/bin/sh
case "$1" in
run)
	echo "Launching lib/main.dart on iPhone 15 in debug mode..."
	echo "A Dart VM Service on iPhone 15 is available at: http://127.0.0.1:50123/abc=/"
	read cmd
	echo "Application finished."
	;;
test)
	echo '{"type":"start","protocolVersion":"0.1.1"}'
	echo '{"type":"testStart","test":{"id":1,"name":"adds","metadata":{"skip":false}}}'
	echo '{"type":"testDone","testID":1,"result":"success","skipped":false,"hidden":false}'
	echo '{"type":"testStart","test":{"id":2,"name":"subtracts","metadata":{"skip":false}}}'
	echo '{"type":"print","testID":2,"message":"got 3"}'
	echo '{"type":"error","testID":2,"error":"Expected: 1","stackTrace":"at x","isFailure":true}'
	echo '{"type":"testDone","testID":2,"result":"failure","skipped":false,"hidden":false}'
	echo '{"type":"done","success":false}'
	;;
build)
	echo "Building for simulator: $*"
	;;
clean)
	echo "Deleting build..."
	;;
pub)
	echo "oops" >&2
	exit 66
	;;
esac
`

type fakeSimulator struct {
	mu    sync.Mutex
	calls []string
	next  int
}

func (f *fakeSimulator) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeSimulator) Create(_ context.Context, deviceType string) (string, error) {
	f.record("create " + deviceType)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("SIM-%d", f.next), nil
}
func (f *fakeSimulator) Boot(_ context.Context, id string) error     { f.record("boot " + id); return nil }
func (f *fakeSimulator) Shutdown(_ context.Context, id string) error { f.record("shutdown " + id); return nil }
func (f *fakeSimulator) Delete(_ context.Context, id string) error   { f.record("delete " + id); return nil }
func (f *fakeSimulator) ListDeviceTypes(context.Context) ([]domain.DeviceType, error) {
	return []domain.DeviceType{{Name: "iPhone 15", Identifier: "com.apple.CoreSimulator.SimDeviceType.iPhone-15"}}, nil
}

type toolFixture struct {
	root    string
	sim     *fakeSimulator
	mgr     *session.Manager
	session domain.Tool
	run     domain.Tool
	test    domain.Tool
	project domain.Tool
}

// newToolFixture builds every tool over one manager, projects app-a and app-b
// under root, and a fake flutter on disk. Tools go through a Registry so
// schema validation is exercised too.
func newToolFixture(t *testing.T, maxSessions int) *toolFixture {
	t.Helper()
	root := t.TempDir()
	for _, name := range []string{"app-a", "app-b"} {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "pubspec.yaml"), []byte("name: "+name+"\n"), 0o644))
	}
	bin := filepath.Join(t.TempDir(), "flutter")
	require.NoError(t, os.WriteFile(bin, []byte(fakeFlutter), 0o755))

	sim := &fakeSimulator{}
	mgr := session.NewManager(session.Deps{
		Simulator: sim,
		Scheduler: scheduling.NewScheduler(nopLogger()),
		Runner:    flutter.NewRunner(nopLogger()),
		Logger:    nopLogger(),
		Run:       flutter.RunManagerConfig{FlutterBin: bin, StopTimeout: 2 * time.Second},
		Test:      flutter.TestManagerConfig{FlutterBin: bin},
	})
	require.NoError(t, mgr.Configure(session.Policy{AllowedRoot: root, BasePath: root, MaxSessions: maxSessions}))
	t.Cleanup(func() { mgr.Cleanup(context.Background()) })

	reg := NewRegistry(nopLogger())
	for _, tl := range []domain.Tool{
		NewSessionTool(mgr, nopLogger()),
		NewFlutterRunTool(mgr, nopLogger()),
		NewFlutterTestTool(mgr, nopLogger()),
		NewFlutterProjectTool(mgr, 30*time.Second, nopLogger()),
	} {
		require.NoError(t, reg.Register(tl))
	}
	get := func(name string) domain.Tool {
		tl, err := reg.Get(name)
		require.NoError(t, err)
		return tl
	}
	return &toolFixture{
		root:    root,
		sim:     sim,
		mgr:     mgr,
		session: get("session"),
		run:     get("flutter_run"),
		test:    get("flutter_test"),
		project: get("flutter_project"),
	}
}

// call executes tl with params and returns the result.
func call(t *testing.T, tl domain.Tool, params any) *domain.ToolResult {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	res, err := tl.Execute(context.Background(), raw)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

// mustCall executes tl, requires success and decodes the JSON content into out.
func mustCall(t *testing.T, tl domain.Tool, params any, out any) {
	t.Helper()
	res := call(t, tl, params)
	require.False(t, res.IsError, "tool error: %s", res.Content)
	if out != nil {
		require.NoError(t, json.Unmarshal([]byte(res.Content), out), res.Content)
	}
}

func (f *toolFixture) create(t *testing.T, project string) string {
	t.Helper()
	var out struct {
		SessionID string `json:"session_id"`
	}
	mustCall(t, f.session, map[string]any{"action": "create", "project_path": project}, &out)
	require.NotEmpty(t, out.SessionID)
	return out.SessionID
}
