package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTaskTimeout bounds a single task invocation.
const DefaultTaskTimeout = 5 * time.Minute

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

// Scheduler runs named background tasks on cron or fixed-interval schedules.
// A task never overlaps with its own previous invocation.
type Scheduler struct {
	cron        *cron.Cron
	entries     map[string]cron.EntryID
	taskTimeout time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		entries:     make(map[string]cron.EntryID),
		taskTimeout: DefaultTaskTimeout,
		logger:      logger,
	}
}

// Add registers a task under id. It fails if id is already registered.
func (s *Scheduler) Add(id string, schedule cron.Schedule, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("scheduler: task %q already exists", id)
	}
	s.addLocked(id, schedule, fn)
	return nil
}

// Replace registers a task under id, removing any task previously registered
// under the same id.
func (s *Scheduler) Replace(id string, schedule cron.Schedule, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.addLocked(id, schedule, fn)
}

func (s *Scheduler) addLocked(id string, schedule cron.Schedule, fn TaskFunc) {
	logger := s.logger
	s.entries[id] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		timeout := s.taskTimeout
		s.mu.Unlock()

		if ctx == nil {
			logger.Debug("scheduler stopped, skipping task", "id", id)
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		if err := fn(taskCtx); err != nil {
			logger.Warn("scheduled task failed", "id", id, "error", err, "duration", time.Since(start))
			return
		}
		logger.Debug("scheduled task completed", "id", id, "duration", time.Since(start))
	}))
	logger.Debug("task scheduled", "id", id)
}

// Remove unregisters a task by id.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", id)
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	s.logger.Debug("task removed", "id", id)
	return nil
}

// Has reports whether a task is registered under id.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// NextRun returns the next scheduled run of a task, or nil if it is unknown
// or the scheduler has not been started.
func (s *Scheduler) NextRun(id string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	// Jobs read s.ctx under the lock, so wait without holding it.
	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule accepts a cron expression ("*/5 * * * *", "@every 1m") or a
// Go duration ("60s").
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return NewConstantDelay(dur), nil
}

// NewConstantDelay returns a cron.Schedule that fires at a fixed interval.
func NewConstantDelay(d time.Duration) cron.Schedule {
	return &constantDelay{delay: d}
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
