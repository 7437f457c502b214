package flutter

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"flutter-sim-mcp/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()               { return func() {} }
func (b *recordingBus) Close()                                                {}

func (b *recordingBus) Types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

// scriptCmd replaces the flutter binary with a shell script.
func scriptCmd(script string) CommandFunc {
	return func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

// fakeFlutterRun prints startup lines, waits for the quit command on stdin
// and exits cleanly.
const fakeFlutterRun = `
echo "Launching lib/main.dart on iPhone 15 in debug mode..."
echo "A Dart VM Service on iPhone 15 is available at: http://127.0.0.1:50123/abc=/"
echo "The Flutter DevTools debugger and profiler on iPhone 15 is available at: http://127.0.0.1:9100?uri=x"
read cmd
echo "Application finished."
`

func newTestRunManager(t *testing.T, script string, bus domain.EventBus) *RunManager {
	t.Helper()
	m := NewRunManager("sess-1", RunManagerConfig{
		LogBufferSize:     100,
		StopTimeout:       2 * time.Second,
		ReloadRevertDelay: 20 * time.Millisecond,
	}, bus, newTestLogger())
	m.newCmd = scriptCmd(script)
	t.Cleanup(func() { m.Cleanup(context.Background()) })
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRunManagerStartStop(t *testing.T) {
	bus := &recordingBus{}
	m := newTestRunManager(t, fakeFlutterRun, bus)

	info, err := m.Start(context.Background(), RunOptions{ProjectPath: t.TempDir(), DeviceID: "SIM-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.Status != domain.RunStatusRunning {
		t.Errorf("status = %q, want %q", info.Status, domain.RunStatusRunning)
	}
	if info.PID == 0 {
		t.Error("expected non-zero pid")
	}
	if info.DeviceID != "SIM-1" {
		t.Errorf("device id = %q", info.DeviceID)
	}

	waitFor(t, 2*time.Second, func() bool { return m.Logs(0, 100).TotalLines >= 3 })

	if !m.Stop() {
		t.Fatal("Stop returned false for a running process")
	}
	waitFor(t, 2*time.Second, func() bool {
		st, _ := m.Status()
		return st.Status == domain.RunStatusStopped
	})

	st, ok := m.Status()
	if !ok {
		t.Fatal("expected status after start")
	}
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", st.ExitCode)
	}
	if st.StoppedAt == nil {
		t.Error("expected stopped_at to be set")
	}
	if st.VMServiceURL != "http://127.0.0.1:50123/abc=/" {
		t.Errorf("vm service url = %q", st.VMServiceURL)
	}
	if !strings.HasPrefix(st.DevToolsURL, "http://127.0.0.1:9100") {
		t.Errorf("devtools url = %q", st.DevToolsURL)
	}
	if m.Running() {
		t.Error("expected no attached process after exit")
	}

	page := m.Logs(0, 100)
	last := page.Logs[len(page.Logs)-1]
	if last.Line != "Application finished." {
		t.Errorf("last line = %q", last.Line)
	}

	types := bus.Types()
	if len(types) != 2 || types[0] != domain.EventRunStarted || types[1] != domain.EventRunExited {
		t.Errorf("events = %v", types)
	}
}

func TestRunManagerStartWhileRunning(t *testing.T) {
	m := newTestRunManager(t, fakeFlutterRun, nil)
	ctx := context.Background()

	if _, err := m.Start(ctx, RunOptions{DeviceID: "SIM-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := m.Start(ctx, RunOptions{DeviceID: "SIM-1"})
	if err == nil {
		t.Fatal("expected error for second Start")
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeRunAlreadyActive {
		t.Errorf("code = %q, want %q", code, domain.CodeRunAlreadyActive)
	}
}

func TestRunManagerRestartAfterExit(t *testing.T) {
	m := newTestRunManager(t, `echo once`, nil)
	ctx := context.Background()

	if _, err := m.Start(ctx, RunOptions{DeviceID: "SIM-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !m.Running() })

	if _, err := m.Start(ctx, RunOptions{DeviceID: "SIM-1"}); err != nil {
		t.Fatalf("second Start after exit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !m.Running() })

	// Log indices keep increasing across runs of the same manager.
	page := m.Logs(0, 100)
	if page.TotalLines != 2 || page.NextIndex != 2 {
		t.Errorf("total=%d next=%d, want 2/2", page.TotalLines, page.NextIndex)
	}
}

func TestRunManagerNonZeroExit(t *testing.T) {
	m := newTestRunManager(t, `echo "Error: no device"; exit 3`, nil)

	if _, err := m.Start(context.Background(), RunOptions{DeviceID: "SIM-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !m.Running() })

	st, _ := m.Status()
	if st.Status != domain.RunStatusFailed {
		t.Errorf("status = %q, want failed", st.Status)
	}
	if st.ExitCode == nil || *st.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", st.ExitCode)
	}
}

func TestRunManagerIdleControls(t *testing.T) {
	m := newTestRunManager(t, fakeFlutterRun, nil)

	if m.Stop() {
		t.Error("Stop on idle manager should return false")
	}
	if m.HotReload() {
		t.Error("HotReload on idle manager should return false")
	}
	if m.HotRestart() {
		t.Error("HotRestart on idle manager should return false")
	}
	if _, ok := m.Status(); ok {
		t.Error("Status before Start should report false")
	}
}

func TestRunManagerHotReloadTransition(t *testing.T) {
	m := newTestRunManager(t, fakeFlutterRun, nil)

	if _, err := m.Start(context.Background(), RunOptions{DeviceID: "SIM-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.HotReload() {
		t.Fatal("HotReload returned false for a running process")
	}

	m.handleLine("Performing hot reload...")
	st, _ := m.Status()
	if st.Status != domain.RunStatusHotReloading {
		t.Fatalf("status = %q, want hot-reloading", st.Status)
	}

	waitFor(t, time.Second, func() bool {
		st, _ := m.Status()
		return st.Status == domain.RunStatusRunning
	})
}

func TestRunManagerSubscribe(t *testing.T) {
	m := newTestRunManager(t, fakeFlutterRun, nil)

	var mu sync.Mutex
	var got []string
	unsubscribe := m.Subscribe(func(e domain.LogEntry) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Line)
	})

	if _, err := m.Start(context.Background(), RunOptions{DeviceID: "SIM-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	})
	unsubscribe()

	m.handleLine("after unsubscribe")
	mu.Lock()
	defer mu.Unlock()
	for _, line := range got {
		if line == "after unsubscribe" {
			t.Error("subscriber received a line after unsubscribing")
		}
	}
}

func TestRunManagerBlankLinesSkipped(t *testing.T) {
	m := newTestRunManager(t, fakeFlutterRun, nil)

	m.handleLine("")
	m.handleLine("   ")
	m.handleLine("real line")

	page := m.Logs(0, 10)
	if page.TotalLines != 1 || page.Logs[0].Line != "real line" {
		t.Errorf("logs = %+v", page.Logs)
	}
}

func TestRunManagerCleanupKillsStubbornProcess(t *testing.T) {
	// Ignores the quit command and stdin EOF.
	m := newTestRunManager(t, `trap "" TERM; while true; do sleep 0.05; done`, nil)
	m.config.StopTimeout = 200 * time.Millisecond

	if _, err := m.Start(context.Background(), RunOptions{DeviceID: "SIM-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.handleLine("some output")

	start := time.Now()
	m.Cleanup(context.Background())
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Cleanup took %v", elapsed)
	}
	if m.Running() {
		t.Error("expected process to be gone after Cleanup")
	}
	if page := m.Logs(0, 10); page.TotalLines != 0 {
		t.Errorf("expected cleared logs, got %d lines", page.TotalLines)
	}
}

func TestRunManagerCleanupIdle(t *testing.T) {
	m := newTestRunManager(t, fakeFlutterRun, nil)
	m.Cleanup(context.Background())
	m.Cleanup(context.Background())
}

func TestRunManagerStartSpawnFailure(t *testing.T) {
	m := NewRunManager("sess-1", RunManagerConfig{FlutterBin: "/nonexistent/flutter"}, nil, newTestLogger())

	info, err := m.Start(context.Background(), RunOptions{DeviceID: "SIM-1"})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if info.Status != domain.RunStatusFailed {
		t.Errorf("status = %q, want failed", info.Status)
	}
	if m.Running() {
		t.Error("no process should be attached after a failed spawn")
	}
}

func TestRunManagerStartAfterCleanup(t *testing.T) {
	m := newTestRunManager(t, fakeFlutterRun, nil)
	m.Cleanup(context.Background())

	_, err := m.Start(context.Background(), RunOptions{DeviceID: "SIM-1"})
	if err == nil {
		t.Fatal("expected Start to fail after Cleanup")
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeSessionNotFound {
		t.Errorf("code = %q, want %q", code, domain.CodeSessionNotFound)
	}
	if m.Running() {
		t.Error("no process should be attached after Cleanup")
	}
}
