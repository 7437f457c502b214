package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"flutter-sim-mcp/internal/domain"
	"flutter-sim-mcp/internal/security"
	"flutter-sim-mcp/internal/usecase/flutter"
	"flutter-sim-mcp/internal/usecase/scheduling"
)

const (
	// SweepTaskID names the inactivity sweep in the scheduler.
	SweepTaskID = "session-timeout-sweep"

	DefaultMaxSessions     = 10
	DefaultSweepInterval   = 60 * time.Second
	DefaultDeviceType      = "iPhone 15"
	DefaultScriptTimeout   = 5 * time.Minute
	DefaultTeardownTimeout = 30 * time.Second
)

// Policy is the runtime policy applied by Configure.
type Policy struct {
	AllowedRoot       string
	BasePath          string
	Manifest          string
	MaxSessions       int
	TimeoutMinutes    int           // 0 disables the inactivity sweep
	SweepInterval     cron.Schedule // default: every 60s
	PreScript         string
	PostScript        string
	ScriptTimeout     time.Duration
	DefaultDeviceType string
}

// Deps are the collaborators a Manager needs.
type Deps struct {
	Simulator domain.Simulator
	Scheduler *scheduling.Scheduler
	Runner    *flutter.Runner
	Bus       domain.EventBus
	Logger    *slog.Logger
	Run       flutter.RunManagerConfig
	Test      flutter.TestManagerConfig
}

// Manager is the orchestration facade over sessions, their simulators and
// their flutter processes.
type Manager struct {
	store     *Store
	sim       domain.Simulator
	scheduler *scheduling.Scheduler
	runner    *flutter.Runner
	bus       domain.EventBus
	logger    *slog.Logger
	runCfg    flutter.RunManagerConfig
	testCfg   flutter.TestManagerConfig
	now       func() time.Time

	// teardownTimeout bounds each EndSession phase separately.
	teardownTimeout time.Duration

	mu      sync.RWMutex
	policy  Policy
	sandbox *security.Sandbox
}

// NewManager creates a Manager. Configure must be called before sessions
// can be created.
func NewManager(deps Deps) *Manager {
	return &Manager{
		store:     NewStore(),
		sim:       deps.Simulator,
		scheduler: deps.Scheduler,
		runner:    deps.Runner,
		bus:       deps.Bus,
		logger:    deps.Logger,
		runCfg:    deps.Run,
		testCfg:   deps.Test,
		now:       time.Now,

		teardownTimeout: DefaultTeardownTimeout,
	}
}

// Configure sets the runtime policy. It may be called repeatedly; each call
// clears any prior sweep and starts a new one when TimeoutMinutes is set.
func (m *Manager) Configure(p Policy) error {
	sandbox, err := security.NewSandbox(p.AllowedRoot, p.BasePath, p.Manifest)
	if err != nil {
		return domain.WrapOp("SessionManager.Configure", err)
	}
	if p.MaxSessions <= 0 {
		p.MaxSessions = DefaultMaxSessions
	}
	if p.SweepInterval == nil {
		p.SweepInterval = scheduling.NewConstantDelay(DefaultSweepInterval)
	}
	if p.ScriptTimeout <= 0 {
		p.ScriptTimeout = DefaultScriptTimeout
	}
	if p.DefaultDeviceType == "" {
		p.DefaultDeviceType = DefaultDeviceType
	}

	m.mu.Lock()
	m.policy = p
	m.sandbox = sandbox
	m.mu.Unlock()

	if m.scheduler != nil {
		if p.TimeoutMinutes > 0 {
			m.scheduler.Replace(SweepTaskID, p.SweepInterval, m.sweep)
		} else if m.scheduler.Has(SweepTaskID) {
			_ = m.scheduler.Remove(SweepTaskID)
		}
	}

	m.logger.Info("session policy configured",
		"allowed_root", sandbox.AllowedRoot(),
		"base_path", sandbox.BasePath(),
		"max_sessions", p.MaxSessions,
		"timeout_minutes", p.TimeoutMinutes,
	)
	return nil
}

// Policy returns the active policy.
func (m *Manager) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// ResolveProjectPath applies the base-path and allowed-root checks and
// validates the project layout.
func (m *Manager) ResolveProjectPath(requested string) (string, error) {
	m.mu.RLock()
	sandbox := m.sandbox
	m.mu.RUnlock()

	if sandbox == nil {
		return "", domain.NewSubSystemError(domain.SubSystemProject, "SessionManager.ResolveProjectPath",
			domain.ErrPermissionDenied, "no allowed root configured")
	}
	return sandbox.ResolveProject(requested)
}

// CreateSession validates the project and registers a new session. The
// simulator is not created until first use.
func (m *Manager) CreateSession(ctx context.Context, params domain.CreateSessionParams) (*domain.SessionInfo, error) {
	const op = "SessionManager.CreateSession"
	policy := m.Policy()

	if m.store.Len() >= policy.MaxSessions {
		return nil, m.limitError(op, policy.MaxSessions)
	}
	path, err := m.ResolveProjectPath(params.ProjectPath)
	if err != nil {
		return nil, err
	}

	deviceType := params.DeviceType
	if deviceType == "" {
		deviceType = policy.DefaultDeviceType
	}
	sess := newSession(ulid.Make().String(), path, deviceType, m.now())
	if !m.store.AddIfBelow(sess, policy.MaxSessions) {
		return nil, m.limitError(op, policy.MaxSessions)
	}

	if policy.PreScript != "" {
		if err := m.runScript(domain.ContextWithSessionID(ctx, sess.id), path, policy.PreScript, policy.ScriptTimeout); err != nil {
			m.store.Remove(sess.id)
			return nil, domain.WrapOp(op, fmt.Errorf("pre-session script: %w", err))
		}
	}

	info := sess.Info()
	m.publish(ctx, domain.EventSessionCreated, sess.id, map[string]string{
		"project_path": path,
		"device_type":  deviceType,
	})
	m.logger.Info("session created", "session_id", sess.id, "project", path, "device_type", deviceType)
	return &info, nil
}

func (m *Manager) limitError(op string, limit int) error {
	return domain.NewSubSystemError(domain.SubSystemSession, op, domain.ErrLimitReached,
		fmt.Sprintf("maximum number of sessions (%d) reached; end an existing session first", limit))
}

// GetSession returns a live session.
func (m *Manager) GetSession(id string) (*Session, error) {
	sess, ok := m.store.Get(id)
	if !ok || sess.isEnding() {
		return nil, domain.NewSubSystemError(domain.SubSystemSession, "SessionManager.GetSession", domain.ErrNotFound,
			fmt.Sprintf("session %q not found", id))
	}
	return sess, nil
}

// ListSessions returns every live session, oldest first.
func (m *Manager) ListSessions() []domain.SessionInfo {
	sessions := m.store.All()
	out := make([]domain.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		if s.isEnding() {
			continue
		}
		out = append(out, s.Info())
	}
	return out
}

// UpdateSessionActivity bumps a session's last activity time. Unknown ids
// are ignored.
func (m *Manager) UpdateSessionActivity(id string) {
	if sess, ok := m.store.Get(id); ok {
		sess.touch(m.now())
	}
}

// StartSimulator provisions and boots the session's simulator. It is
// idempotent: once assigned, the same id is returned for the session's lifetime.
func (m *Manager) StartSimulator(ctx context.Context, id string) (string, error) {
	const op = "SessionManager.StartSimulator"
	sess, err := m.GetSession(id)
	if err != nil {
		return "", err
	}

	sess.simMu.Lock()
	defer sess.simMu.Unlock()

	// EndSession may have started while this call waited for simMu.
	if sess.isEnding() {
		return "", endedError(op, id)
	}
	if simID := sess.SimulatorID(); simID != "" {
		return simID, nil
	}
	if m.sim == nil {
		return "", domain.NewSubSystemError(domain.SubSystemSimulator, op, domain.ErrProviderError, "no simulator backend configured")
	}

	simID, err := m.sim.Create(ctx, sess.deviceType)
	if err != nil {
		return "", simulatorError(op, "create", err)
	}
	if err := m.sim.Boot(ctx, simID); err != nil {
		if delErr := m.sim.Delete(context.WithoutCancel(ctx), simID); delErr != nil {
			m.logger.Warn("delete simulator after failed boot", "session_id", id, "simulator_id", simID, "error", delErr)
		}
		return "", simulatorError(op, "boot", err)
	}
	sess.setSimulator(simID)

	m.publish(ctx, domain.EventSimulatorBooted, id, map[string]string{"simulator_id": simID, "device_type": sess.deviceType})
	m.logger.Info("simulator booted", "session_id", id, "simulator_id", simID, "device_type", sess.deviceType)
	return simID, nil
}

func endedError(op, id string) error {
	return domain.NewSubSystemError(domain.SubSystemSession, op, domain.ErrNotFound,
		fmt.Sprintf("session %q not found", id))
}

func simulatorError(op, step string, err error) error {
	var de *domain.DomainError
	if errors.As(err, &de) {
		return err
	}
	return domain.NewSubSystemError(domain.SubSystemSimulator, op, domain.ErrProviderError,
		fmt.Sprintf("%s simulator: %v", step, err))
}

// RunManager returns the session's run manager, creating it on first use.
func (m *Manager) RunManager(id string) (*flutter.RunManager, error) {
	sess, err := m.GetSession(id)
	if err != nil {
		return nil, err
	}
	rm := sess.ensureRun(func() *flutter.RunManager {
		return flutter.NewRunManager(sess.id, m.runCfg, m.bus, m.logger)
	})
	if rm == nil {
		return nil, endedError("SessionManager.RunManager", id)
	}
	return rm, nil
}

// TestManager returns the session's test manager, creating it on first use.
func (m *Manager) TestManager(id string) (*flutter.TestManager, error) {
	sess, err := m.GetSession(id)
	if err != nil {
		return nil, err
	}
	tm := sess.ensureTests(func() *flutter.TestManager {
		return flutter.NewTestManager(sess.id, m.testCfg, m.bus, m.logger)
	})
	if tm == nil {
		return nil, endedError("SessionManager.TestManager", id)
	}
	return tm, nil
}

// StartRun boots the simulator if needed and launches `flutter run` on it.
func (m *Manager) StartRun(ctx context.Context, id string, opts flutter.RunOptions) (domain.RunProcessInfo, error) {
	sess, err := m.GetSession(id)
	if err != nil {
		return domain.RunProcessInfo{}, err
	}
	if rm := sess.RunManager(); rm != nil && rm.Running() {
		return domain.RunProcessInfo{}, domain.NewSubSystemError(domain.SubSystemRun, "SessionManager.StartRun", domain.ErrConflict,
			"a flutter run process is already running in this session")
	}
	simID, err := m.StartSimulator(ctx, id)
	if err != nil {
		return domain.RunProcessInfo{}, err
	}
	rm, err := m.RunManager(id)
	if err != nil {
		return domain.RunProcessInfo{}, err
	}
	opts.ProjectPath = sess.projectPath
	opts.DeviceID = simID
	return rm.Start(ctx, opts)
}

// StartTests launches `flutter test` in the session's project.
func (m *Manager) StartTests(ctx context.Context, id string, opts flutter.TestOptions) (int, error) {
	sess, err := m.GetSession(id)
	if err != nil {
		return 0, err
	}
	tm, err := m.TestManager(id)
	if err != nil {
		return 0, err
	}
	opts.ProjectPath = sess.projectPath
	return tm.Start(ctx, opts)
}

// RunProjectCommand runs a one-shot flutter command in the session's project.
func (m *Manager) RunProjectCommand(ctx context.Context, id string, timeout time.Duration, args ...string) (*domain.CommandResult, error) {
	sess, err := m.GetSession(id)
	if err != nil {
		return nil, err
	}
	bin := m.runCfg.FlutterBin
	if bin == "" {
		bin = "flutter"
	}
	return m.runner.Run(domain.ContextWithSessionID(ctx, id), sess.projectPath, timeout, bin, args...)
}

// FindTestReference locates the session whose test manager issued ref.
// References are only unique per session, so sessionID narrows the search
// when given; otherwise the oldest session holding ref wins.
func (m *Manager) FindTestReference(ref int, sessionID string) (*Session, *flutter.TestManager, error) {
	notFound := domain.NewSubSystemError(domain.SubSystemTest, "SessionManager.FindTestReference", domain.ErrNotFound,
		fmt.Sprintf("test reference %d not found", ref))

	if sessionID != "" {
		sess, err := m.GetSession(sessionID)
		if err != nil {
			return nil, nil, err
		}
		if tm := sess.TestManager(); tm != nil && tm.Has(ref) {
			return sess, tm, nil
		}
		return nil, nil, notFound
	}

	for _, sess := range m.store.All() {
		if sess.isEnding() {
			continue
		}
		if tm := sess.TestManager(); tm != nil && tm.Has(ref) {
			return sess, tm, nil
		}
	}
	return nil, nil, notFound
}

// ListDeviceTypes reports the device types the simulator backend offers.
func (m *Manager) ListDeviceTypes(ctx context.Context) ([]domain.DeviceType, error) {
	if m.sim == nil {
		return nil, domain.NewSubSystemError(domain.SubSystemSimulator, "SessionManager.ListDeviceTypes", domain.ErrProviderError, "no simulator backend configured")
	}
	types, err := m.sim.ListDeviceTypes(ctx)
	if err != nil {
		return nil, simulatorError("SessionManager.ListDeviceTypes", "list device types", err)
	}
	return types, nil
}

// EndSession tears a session down: run process, test processes, post
// script, simulator shutdown, simulator delete, store removal. Each step's
// failure is logged and the next step still runs.
func (m *Manager) EndSession(ctx context.Context, id string) error {
	sess, ok := m.store.Get(id)
	if !ok || !sess.beginEnd() {
		return endedError("SessionManager.EndSession", id)
	}
	// Teardown runs to completion even if the caller goes away.
	base := context.WithoutCancel(ctx)
	logger := m.logger.With("session_id", id)

	if rm := sess.RunManager(); rm != nil {
		runCtx, cancel := context.WithTimeout(base, m.teardownTimeout)
		rm.Cleanup(runCtx)
		cancel()
	}
	if tm := sess.TestManager(); tm != nil {
		tm.Cleanup()
	}

	// The script is bounded by ScriptTimeout alone.
	policy := m.Policy()
	if policy.PostScript != "" {
		if err := m.runScript(domain.ContextWithSessionID(base, sess.id), sess.projectPath, policy.PostScript, policy.ScriptTimeout); err != nil {
			logger.Warn("post-session script failed", "error", err)
		}
	}

	// Acquire simMu so an in-flight StartSimulator finishes before teardown.
	sess.simMu.Lock()
	simID := sess.SimulatorID()
	sess.simMu.Unlock()
	if simID != "" && m.sim != nil {
		shutdownCtx, cancel := context.WithTimeout(base, m.teardownTimeout)
		if err := m.sim.Shutdown(shutdownCtx, simID); err != nil {
			logger.Warn("shutdown simulator", "simulator_id", simID, "error", err)
		}
		cancel()
		deleteCtx, cancel := context.WithTimeout(base, m.teardownTimeout)
		if err := m.sim.Delete(deleteCtx, simID); err != nil {
			logger.Warn("delete simulator", "simulator_id", simID, "error", err)
		}
		cancel()
	}

	m.store.Remove(id)
	m.publish(base, domain.EventSessionEnded, id, map[string]string{"simulator_id": simID})
	logger.Info("session ended", "simulator_id", simID)
	return nil
}

// sweep ends every session idle for longer than the configured timeout.
func (m *Manager) sweep(ctx context.Context) error {
	timeout := time.Duration(m.Policy().TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		return nil
	}
	now := m.now()

	var ended int
	for _, sess := range m.store.All() {
		idle := now.Sub(sess.LastActivityAt())
		if idle <= timeout {
			continue
		}
		m.logger.Info("session idle timeout", "session_id", sess.id, "idle", idle.Round(time.Second))
		if err := m.EndSession(ctx, sess.id); err != nil {
			m.logger.Warn("end idle session", "session_id", sess.id, "error", err)
			continue
		}
		ended++
	}
	if ended > 0 {
		m.logger.Info("session sweep finished", "ended", ended)
	}
	return nil
}

// Cleanup stops the sweep and ends every remaining session. Used at shutdown.
func (m *Manager) Cleanup(ctx context.Context) {
	if m.scheduler != nil && m.scheduler.Has(SweepTaskID) {
		_ = m.scheduler.Remove(SweepTaskID)
	}
	for _, sess := range m.store.All() {
		if err := m.EndSession(ctx, sess.id); err != nil {
			m.logger.Warn("end session during cleanup", "session_id", sess.id, "error", err)
		}
	}
}

func (m *Manager) runScript(ctx context.Context, dir, script string, timeout time.Duration) error {
	if m.runner == nil {
		return fmt.Errorf("no command runner configured")
	}
	res, err := m.runner.RunScript(ctx, dir, timeout, script)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return domain.NewSubSystemError(domain.SubSystemCommand, "SessionManager.runScript", domain.ErrProviderError,
			fmt.Sprintf("script exited with code %d: %s", res.ExitCode, lastLine(res.Stderr)))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	return s[strings.LastIndexByte(s, '\n')+1:]
}

func (m *Manager) publish(ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, domain.NewEvent(eventType, sessionID, payload))
}
