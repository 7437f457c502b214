package session

import (
	"sync"
	"time"

	"flutter-sim-mcp/internal/domain"
	"flutter-sim-mcp/internal/usecase/flutter"
)

// Session binds one validated project directory to at most one simulator
// and its run/test processes. The simulator and both process managers are
// created on first use.
type Session struct {
	id          string
	projectPath string
	deviceType  string
	createdAt   time.Time

	// simMu serializes simulator provisioning so concurrent callers never
	// create two devices for one session.
	simMu sync.Mutex

	mu             sync.Mutex
	simulatorID    string
	lastActivityAt time.Time
	run            *flutter.RunManager
	tests          *flutter.TestManager
	ending         bool
}

func newSession(id, projectPath, deviceType string, now time.Time) *Session {
	return &Session{
		id:             id,
		projectPath:    projectPath,
		deviceType:     deviceType,
		createdAt:      now,
		lastActivityAt: now,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) ProjectPath() string  { return s.projectPath }
func (s *Session) DeviceType() string   { return s.deviceType }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// SimulatorID returns the assigned simulator, or "" before provisioning.
func (s *Session) SimulatorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.simulatorID
}

// LastActivityAt returns the time of the last session-scoped call.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// RunManager returns the attached run manager, or nil if none was created yet.
func (s *Session) RunManager() *flutter.RunManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// TestManager returns the attached test manager, or nil if none was created yet.
func (s *Session) TestManager() *flutter.TestManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tests
}

// Info returns the listing view merged with live run status.
func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	info := domain.SessionInfo{
		ID:             s.id,
		ProjectPath:    s.projectPath,
		SimulatorID:    s.simulatorID,
		DeviceType:     s.deviceType,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
	}
	run, tests := s.run, s.tests
	s.mu.Unlock()

	if run != nil {
		if st, ok := run.Status(); ok {
			info.RunProcessInfo = &st
		}
	}
	if tests != nil {
		info.TestReferences = tests.References()
	}
	return info
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
}

func (s *Session) setSimulator(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simulatorID = id
}

// ensureRun returns nil once the session is ending and has no manager yet.
func (s *Session) ensureRun(create func() *flutter.RunManager) *flutter.RunManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil && !s.ending {
		s.run = create()
	}
	return s.run
}

// ensureTests returns nil once the session is ending and has no manager yet.
func (s *Session) ensureTests(create func() *flutter.TestManager) *flutter.TestManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tests == nil && !s.ending {
		s.tests = create()
	}
	return s.tests
}

// beginEnd marks the session as ending. Only the first caller gets true.
func (s *Session) beginEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ending {
		return false
	}
	s.ending = true
	return true
}

func (s *Session) isEnding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ending
}
