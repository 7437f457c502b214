package flutter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"flutter-sim-mcp/internal/domain"
)

const (
	// DefaultMaxTestOutputLines bounds the raw output kept per test run.
	DefaultMaxTestOutputLines = 5000

	// outputTailLines is how much raw output a progress report includes when
	// a run finished without reporting any visible tests.
	outputTailLines = 30
)

// TestOptions describes a `flutter test` invocation.
type TestOptions struct {
	ProjectPath    string
	TestNameMatch  string
	TimeoutMinutes int
	Tags           []string
}

// TestManagerConfig holds configuration for a TestManager.
type TestManagerConfig struct {
	FlutterBin     string      // default: "flutter"
	MaxOutputLines int         // raw lines kept per run (default: 5000)
	Command        CommandFunc // process constructor (default: exec.CommandContext)
}

// testRun is the state of one test invocation, keyed by reference.
type testRun struct {
	reference   int
	startedAt   time.Time
	completedAt *time.Time
	complete    bool
	success     *bool
	expected    int
	tests       map[int]*domain.TestResult
	testNames   map[int]string
	output      []string
	cmd         *exec.Cmd
	done        chan struct{}
}

func newTestRun(reference int) *testRun {
	return &testRun{
		reference: reference,
		startedAt: time.Now(),
		tests:     make(map[int]*domain.TestResult),
		testNames: make(map[int]string),
		done:      make(chan struct{}),
	}
}

// visible returns the non-hidden tests ordered by id.
func (r *testRun) visible() []*domain.TestResult {
	out := make([]*domain.TestResult, 0, len(r.tests))
	for _, t := range r.tests {
		if !t.Hidden {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b *domain.TestResult) int { return a.ID - b.ID })
	return out
}

// TestManager runs `flutter test --machine` and tracks results per reference.
// References start at 1, increase strictly and are never reused.
type TestManager struct {
	mu        sync.Mutex
	config    TestManagerConfig
	sessionID string
	runs      map[int]*testRun
	nextRef   int
	closed    bool
	newCmd    CommandFunc
	bus       domain.EventBus
	logger    *slog.Logger
}

// NewTestManager creates an empty TestManager for the given session.
func NewTestManager(sessionID string, cfg TestManagerConfig, bus domain.EventBus, logger *slog.Logger) *TestManager {
	if cfg.FlutterBin == "" {
		cfg.FlutterBin = "flutter"
	}
	if cfg.MaxOutputLines <= 0 {
		cfg.MaxOutputLines = DefaultMaxTestOutputLines
	}
	if cfg.Command == nil {
		cfg.Command = exec.CommandContext
	}
	return &TestManager{
		config:    cfg,
		sessionID: sessionID,
		runs:      make(map[int]*testRun),
		newCmd:    cfg.Command,
		bus:       bus,
		logger:    logger.With("session_id", sessionID),
	}
}

// Start allocates a reference, spawns the test process and returns without
// waiting for it. Progress is polled with Progress and Logs.
func (m *TestManager) Start(ctx context.Context, opts TestOptions) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, domain.NewSubSystemError(domain.SubSystemSession, "TestManager.Start", domain.ErrNotFound,
			fmt.Sprintf("session %q has ended", m.sessionID))
	}
	m.nextRef++
	ref := m.nextRef
	run := newTestRun(ref)

	args := []string{"test", "--machine"}
	if opts.TestNameMatch != "" {
		args = append(args, "--name", opts.TestNameMatch)
	}
	if opts.TimeoutMinutes > 0 {
		args = append(args, "--timeout", fmt.Sprintf("%dm", opts.TimeoutMinutes))
	}
	if len(opts.Tags) > 0 {
		args = append(args, "--tags", strings.Join(opts.Tags, ","))
	}

	cmd := m.newCmd(context.Background(), m.config.FlutterBin, args...)
	cmd.Dir = opts.ProjectPath
	cmd.WaitDelay = waitDelay
	stdout := newLineWriter(func(line string) { m.handleLine(run, line) })
	stderr := newLineWriter(func(line string) { m.appendOutput(run, "[stderr] "+line) })
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return 0, domain.NewSubSystemError(domain.SubSystemTest, "TestManager.Start", domain.ErrProviderError, err.Error())
	}
	run.cmd = cmd
	m.runs[ref] = run

	go m.waitForExit(run, stdout, stderr)

	m.publish(ctx, domain.EventTestStarted, map[string]any{"reference": ref, "pid": cmd.Process.Pid})
	m.logger.Info("flutter test started", "reference", ref, "pid", cmd.Process.Pid, "project", opts.ProjectPath)
	return ref, nil
}

// Progress summarises a run. Only visible tests are counted. With
// includeNames, paginated passing/failing name lists are attached.
func (m *TestManager) Progress(reference int, includeNames bool, offset, limit int) (*domain.TestProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[reference]
	if !ok {
		return nil, false
	}

	p := &domain.TestProgress{
		Reference:   reference,
		Complete:    run.complete,
		Success:     run.success,
		StartedAt:   run.startedAt,
		CompletedAt: run.completedAt,
	}
	var passing, failing []string
	for _, t := range run.visible() {
		p.TestsTotal++
		if t.Skipped || !t.Done {
			continue
		}
		p.TestsComplete++
		if t.Result == domain.TestSuccess {
			p.Passes++
			passing = append(passing, t.Name)
		} else {
			p.Fails++
			failing = append(failing, t.Name)
		}
	}

	if includeNames {
		var morePassing, moreFailing bool
		p.PassingTests, morePassing = paginate(passing, offset, limit)
		p.FailingTests, moreFailing = paginate(failing, offset, limit)
		totalPassing, totalFailing := len(passing), len(failing)
		p.TotalPassingTests = &totalPassing
		p.TotalFailingTests = &totalFailing
		p.HasMorePassing = &morePassing
		p.HasMoreFailing = &moreFailing
	}

	if run.complete && p.TestsTotal == 0 {
		p.OutputTail = slices.Clone(run.output[max(0, len(run.output)-outputTailLines):])
	}
	return p, true
}

// Logs returns per-test output. By default only failing or erroring tests
// are listed; showAll lists every visible test.
func (m *TestManager) Logs(reference int, showAll bool, offset, limit int) ([]domain.TestLog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[reference]
	if !ok {
		return nil, false
	}

	var logs []domain.TestLog
	for _, t := range run.visible() {
		if !showAll && t.Result == domain.TestSuccess {
			continue
		}
		logs = append(logs, domain.TestLog{TestName: t.Name, Output: strings.Join(t.Output, "\n")})
	}
	page, _ := paginate(logs, offset, limit)
	return page, true
}

// References lists the references this manager retains, ascending.
func (m *TestManager) References() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs := make([]int, 0, len(m.runs))
	for ref := range m.runs {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	return refs
}

// Has reports whether reference belongs to this manager.
func (m *TestManager) Has(reference int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[reference]
	return ok
}

// Discard drops one run's state, killing its process if it is still running.
func (m *TestManager) Discard(reference int) bool {
	m.mu.Lock()
	run, ok := m.runs[reference]
	delete(m.runs, reference)
	m.mu.Unlock()

	if ok {
		m.kill(run)
	}
	return ok
}

// Cleanup drops every run and force-terminates any test process still running.
func (m *TestManager) Cleanup() {
	m.mu.Lock()
	m.closed = true
	runs := make([]*testRun, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	clear(m.runs)
	m.mu.Unlock()

	for _, run := range runs {
		m.kill(run)
	}
}

// --- internal ---

func (m *TestManager) kill(run *testRun) {
	m.mu.Lock()
	cmd := run.cmd
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil {
		m.logger.Debug("kill flutter test", "reference", run.reference, "error", err)
		return
	}
	m.logger.Info("flutter test killed", "reference", run.reference)
}

func (m *TestManager) appendOutput(run *testRun, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.output = append(run.output, line)
	if over := len(run.output) - m.config.MaxOutputLines; over > 0 {
		run.output = slices.Delete(run.output, 0, over)
	}
}

func (m *TestManager) handleLine(run *testRun, line string) {
	m.appendOutput(run, line)

	ev, ok := parseTestEvent(line)
	if !ok {
		if strings.TrimSpace(line) != "" {
			m.logger.Debug("non-protocol test output", "reference", run.reference, "line", line)
		}
		return
	}

	m.mu.Lock()
	wasComplete := run.complete
	ev.apply(run)
	justCompleted := !wasComplete && run.complete
	m.mu.Unlock()

	if justCompleted {
		m.publishCompleted(run)
	}
}

func (m *TestManager) waitForExit(run *testRun, stdout, stderr *lineWriter) {
	err := run.cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	m.mu.Lock()
	justCompleted := !run.complete
	if justCompleted {
		// Exit without a done event still finalizes the run.
		now := time.Now()
		success := code == 0
		run.complete = true
		run.success = &success
		run.completedAt = &now
	}
	run.cmd = nil
	m.mu.Unlock()
	close(run.done)

	if justCompleted {
		m.publishCompleted(run)
	}
	m.logger.Info("flutter test exited", "reference", run.reference, "exit_code", code)
}

func (m *TestManager) publishCompleted(run *testRun) {
	m.mu.Lock()
	payload := map[string]any{"reference": run.reference}
	if run.success != nil {
		payload["success"] = *run.success
	}
	m.mu.Unlock()
	m.publish(context.Background(), domain.EventTestCompleted, payload)
}

func (m *TestManager) publish(ctx context.Context, eventType domain.EventType, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, domain.NewEvent(eventType, m.sessionID, payload))
}

// paginate returns items[offset:offset+limit] and whether more items follow.
func paginate[T any](items []T, offset, limit int) ([]T, bool) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	offset = max(offset, 0)
	if offset >= len(items) {
		return []T{}, false
	}
	end := min(offset+limit, len(items))
	return items[offset:end], offset+limit < len(items)
}
