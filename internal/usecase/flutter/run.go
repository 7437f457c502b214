package flutter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"flutter-sim-mcp/internal/domain"
)

// Control bytes understood by an interactive `flutter run`.
const (
	controlQuit       = "q"
	controlHotReload  = "r"
	controlHotRestart = "R"
)

// reloadMarkers are output fragments printed while flutter applies a reload or restart.
var reloadMarkers = []string{
	"Performing hot reload",
	"Performing hot restart",
	"Reloaded ",
	"Restarted application",
}

var (
	vmServicePattern = regexp.MustCompile(`(?:Dart VM Service|Observatory debugger and profiler) on .+ is available at: (\S+)`)
	devToolsPattern  = regexp.MustCompile(`DevTools debugger and profiler on .+ is available at: (\S+)`)
)

// RunOptions describes a `flutter run` invocation.
type RunOptions struct {
	ProjectPath string
	DeviceID    string
	Target      string
	Flavor      string
	ExtraArgs   []string
}

// RunManagerConfig holds configuration for a RunManager.
type RunManagerConfig struct {
	FlutterBin        string        // default: "flutter"
	LogBufferSize     int           // retained output lines (default: 1000)
	StopTimeout       time.Duration // grace period before SIGKILL during Cleanup (default: 5s)
	ReloadRevertDelay time.Duration // hot-reloading -> running fallback (default: 1s)
	Command           CommandFunc   // process constructor (default: exec.CommandContext)
}

// RunManager owns at most one `flutter run` process for a session.
type RunManager struct {
	mu          sync.Mutex
	config      RunManagerConfig
	sessionID   string
	logs        *LogBuffer
	info        *domain.RunProcessInfo
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	done        chan struct{}
	revertTimer *time.Timer
	subscribers map[uint64]func(domain.LogEntry)
	nextSubID   uint64
	closed      bool
	newCmd      CommandFunc
	bus         domain.EventBus
	logger      *slog.Logger
}

// NewRunManager creates an idle RunManager for the given session.
func NewRunManager(sessionID string, cfg RunManagerConfig, bus domain.EventBus, logger *slog.Logger) *RunManager {
	if cfg.FlutterBin == "" {
		cfg.FlutterBin = "flutter"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.ReloadRevertDelay <= 0 {
		cfg.ReloadRevertDelay = time.Second
	}
	if cfg.Command == nil {
		cfg.Command = exec.CommandContext
	}
	return &RunManager{
		config:      cfg,
		sessionID:   sessionID,
		logs:        NewLogBuffer(cfg.LogBufferSize),
		subscribers: make(map[uint64]func(domain.LogEntry)),
		newCmd:      cfg.Command,
		bus:         bus,
		logger:      logger.With("session_id", sessionID),
	}
}

// Start launches `flutter run` and returns as soon as the process is spawned.
// It does not wait for the app to come up; readiness shows up in logs and status.
func (m *RunManager) Start(ctx context.Context, opts RunOptions) (domain.RunProcessInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.RunProcessInfo{}, domain.NewSubSystemError(domain.SubSystemSession, "RunManager.Start", domain.ErrNotFound,
			fmt.Sprintf("session %q has ended", m.sessionID))
	}
	if m.cmd != nil {
		return domain.RunProcessInfo{}, domain.NewSubSystemError(domain.SubSystemRun, "RunManager.Start", domain.ErrConflict,
			"a flutter run process is already running in this session")
	}

	args := []string{"run", "-d", opts.DeviceID}
	if opts.Target != "" {
		args = append(args, "-t", opts.Target)
	}
	if opts.Flavor != "" {
		args = append(args, "--flavor", opts.Flavor)
	}
	args = append(args, opts.ExtraArgs...)

	// Detached context: the process outlives the tool call that started it.
	cmd := m.newCmd(context.Background(), m.config.FlutterBin, args...)
	cmd.Dir = opts.ProjectPath
	cmd.WaitDelay = waitDelay
	stdout := newLineWriter(m.handleLine)
	stderr := newLineWriter(m.handleLine)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return domain.RunProcessInfo{}, domain.NewSubSystemError(domain.SubSystemRun, "RunManager.Start", domain.ErrProviderError, err.Error())
	}

	m.info = &domain.RunProcessInfo{
		Status:    domain.RunStatusStarting,
		StartedAt: time.Now(),
		DeviceID:  opts.DeviceID,
	}

	if err := cmd.Start(); err != nil {
		now := time.Now()
		m.info.Status = domain.RunStatusFailed
		m.info.StoppedAt = &now
		return *m.info, domain.NewSubSystemError(domain.SubSystemRun, "RunManager.Start", domain.ErrProviderError, err.Error())
	}

	if cmd.Process != nil {
		m.info.PID = cmd.Process.Pid
		m.info.Status = domain.RunStatusRunning
	}
	m.cmd = cmd
	m.stdin = stdin
	m.done = make(chan struct{})

	go m.waitForExit(cmd, m.done, stdout, stderr)

	snapshot := *m.info
	m.publish(ctx, domain.EventRunStarted, snapshot)
	m.logger.Info("flutter run started", "pid", snapshot.PID, "device_id", opts.DeviceID, "project", opts.ProjectPath)
	return snapshot, nil
}

// Stop asks flutter to quit and closes its input. It returns true when the
// request was delivered, not when the process has exited.
func (m *RunManager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.writeControlLocked(controlQuit) {
		return false
	}
	if err := m.stdin.Close(); err != nil {
		m.logger.Debug("close flutter stdin", "error", err)
	}
	m.stdin = nil
	return true
}

// HotReload sends the hot reload command. Returns false when no process is attached.
func (m *RunManager) HotReload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeControlLocked(controlHotReload)
}

// HotRestart sends the hot restart command. Returns false when no process is attached.
func (m *RunManager) HotRestart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeControlLocked(controlHotRestart)
}

// Kill signals the process directly, bypassing flutter's quit handling.
func (m *RunManager) Kill(sig os.Signal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd == nil || m.cmd.Process == nil {
		return false
	}
	if err := m.cmd.Process.Signal(sig); err != nil {
		m.logger.Warn("signal flutter process", "signal", sig.String(), "error", err)
		return false
	}
	return true
}

// Status returns the latest process snapshot, or false if Start was never called.
func (m *RunManager) Status() (domain.RunProcessInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil {
		return domain.RunProcessInfo{}, false
	}
	return *m.info, true
}

// Running reports whether a process is currently attached.
func (m *RunManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd != nil
}

// Logs returns buffered output starting at fromIndex.
func (m *RunManager) Logs(fromIndex, limit int) domain.LogPage {
	return domain.LogPage{
		Logs:       m.logs.Logs(fromIndex, limit),
		NextIndex:  m.logs.NextIndex(),
		TotalLines: m.logs.TotalLines(),
	}
}

// Subscribe registers fn to receive every new output line.
// Returns an unsubscribe function.
func (m *RunManager) Subscribe(fn func(domain.LogEntry)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSubID++
	id := m.nextSubID
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Cleanup stops the process (graceful quit, then SIGKILL after StopTimeout)
// and clears the log buffer. It never blocks indefinitely on the child and is
// safe to call more than once. A cleaned-up manager refuses Start.
func (m *RunManager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	clear(m.subscribers)
	attached := m.cmd != nil
	done := m.done
	m.mu.Unlock()

	if attached {
		m.Stop()
		if !m.waitDone(ctx, done) {
			m.logger.Warn("flutter run did not exit after quit, killing", "timeout", m.config.StopTimeout)
			m.Kill(os.Kill)
			if !m.waitDone(ctx, done) {
				m.logger.Error("flutter run did not exit after SIGKILL")
			}
		}
	}
	m.logs.Clear()
}

func (m *RunManager) waitDone(ctx context.Context, done <-chan struct{}) bool {
	timer := time.NewTimer(m.config.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// --- internal ---

func (m *RunManager) writeControlLocked(control string) bool {
	if m.cmd == nil || m.stdin == nil {
		return false
	}
	if _, err := io.WriteString(m.stdin, control); err != nil {
		m.logger.Warn("write flutter control", "control", control, "error", err)
		return false
	}
	return true
}

func (m *RunManager) handleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	entry := m.logs.Append(line)

	m.mu.Lock()
	m.detectTransitionLocked(line)
	subs := make([]func(domain.LogEntry), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(entry)
	}
}

func (m *RunManager) detectTransitionLocked(line string) {
	if m.info == nil || m.cmd == nil {
		return
	}
	if match := vmServicePattern.FindStringSubmatch(line); match != nil {
		m.info.VMServiceURL = match[1]
	}
	if match := devToolsPattern.FindStringSubmatch(line); match != nil {
		m.info.DevToolsURL = match[1]
	}

	if m.info.Status != domain.RunStatusRunning && m.info.Status != domain.RunStatusHotReloading {
		return
	}
	for _, marker := range reloadMarkers {
		if strings.Contains(line, marker) {
			m.info.Status = domain.RunStatusHotReloading
			if m.revertTimer != nil {
				m.revertTimer.Stop()
			}
			m.revertTimer = time.AfterFunc(m.config.ReloadRevertDelay, m.revertReload)
			return
		}
	}
}

func (m *RunManager) revertReload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info != nil && m.info.Status == domain.RunStatusHotReloading {
		m.info.Status = domain.RunStatusRunning
	}
}

func (m *RunManager) waitForExit(cmd *exec.Cmd, done chan struct{}, stdout, stderr *lineWriter) {
	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	m.mu.Lock()
	now := time.Now()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	var snapshot domain.RunProcessInfo
	if m.cmd == cmd {
		m.info.StoppedAt = &now
		m.info.ExitCode = &code
		if err == nil && code == 0 {
			m.info.Status = domain.RunStatusStopped
		} else {
			m.info.Status = domain.RunStatusFailed
		}
		if m.revertTimer != nil {
			m.revertTimer.Stop()
			m.revertTimer = nil
		}
		if m.stdin != nil {
			m.stdin.Close()
		}
		m.cmd = nil
		m.stdin = nil
		snapshot = *m.info
	}
	m.mu.Unlock()
	close(done)

	m.publish(context.Background(), domain.EventRunExited, snapshot)
	m.logger.Info("flutter run exited", "pid", snapshot.PID, "status", snapshot.Status, "exit_code", code)
}

func (m *RunManager) publish(ctx context.Context, eventType domain.EventType, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, domain.NewEvent(eventType, m.sessionID, payload))
}
