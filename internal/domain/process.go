package domain

import "time"

// RunStatus represents the lifecycle state of a flutter run process.
type RunStatus string

const (
	RunStatusStarting     RunStatus = "starting"
	RunStatusRunning      RunStatus = "running"
	RunStatusHotReloading RunStatus = "hot-reloading"
	RunStatusStopped      RunStatus = "stopped"
	RunStatusFailed       RunStatus = "failed"
)

// Active reports whether the status belongs to a process that is still attached.
func (s RunStatus) Active() bool {
	return s == RunStatusStarting || s == RunStatusRunning || s == RunStatusHotReloading
}

// RunProcessInfo is a snapshot of a run process.
type RunProcessInfo struct {
	PID          int        `json:"pid"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	DeviceID     string     `json:"device_id"`
	VMServiceURL string     `json:"vm_service_url,omitempty"`
	DevToolsURL  string     `json:"devtools_url,omitempty"`
}

// LogEntry is one captured output line.
type LogEntry struct {
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
	Index     int       `json:"index"`
}

// LogPage is the result of a cursor-based log poll.
// Callers pass NextIndex back as the next fromIndex.
type LogPage struct {
	Logs       []LogEntry `json:"logs"`
	NextIndex  int        `json:"next_index"`
	TotalLines int        `json:"total_lines"`
}

// TestOutcome is the terminal result reported for a single test.
type TestOutcome string

const (
	TestSuccess TestOutcome = "success"
	TestFailure TestOutcome = "failure"
	TestError   TestOutcome = "error"
)

// TestResult tracks one test within a test run.
type TestResult struct {
	ID      int         `json:"id"`
	Name    string      `json:"name"`
	Result  TestOutcome `json:"result"`
	Skipped bool        `json:"skipped"`
	Hidden  bool        `json:"hidden"`
	Done    bool        `json:"done"`
	Output  []string    `json:"output,omitempty"`
}

// TestProgress summarises a test run. Counts cover visible tests only.
type TestProgress struct {
	Reference     int        `json:"reference"`
	TestsComplete int        `json:"tests_complete"`
	TestsTotal    int        `json:"tests_total"`
	Passes        int        `json:"passes"`
	Fails         int        `json:"fails"`
	Complete      bool       `json:"complete"`
	Success       *bool      `json:"success,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	PassingTests      []string `json:"passing_tests,omitempty"`
	FailingTests      []string `json:"failing_tests,omitempty"`
	TotalPassingTests *int     `json:"total_passing_tests,omitempty"`
	TotalFailingTests *int     `json:"total_failing_tests,omitempty"`
	HasMorePassing    *bool    `json:"has_more_passing,omitempty"`
	HasMoreFailing    *bool    `json:"has_more_failing,omitempty"`

	// OutputTail holds the last raw output lines of a run that completed
	// without reporting any visible tests, typically a compile error.
	OutputTail []string `json:"output_tail,omitempty"`
}

// TestLog is the captured output of one test.
type TestLog struct {
	TestName string `json:"test_name"`
	Output   string `json:"output"`
}

// CommandResult is the outcome of a one-shot command.
type CommandResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}
