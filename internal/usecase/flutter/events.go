package flutter

import (
	"encoding/json"
	"strings"
	"time"

	"flutter-sim-mcp/internal/domain"
)

// testEvent is one decoded line of the `flutter test --machine` event stream.
// Each variant knows how to fold itself into a run's state.
type testEvent interface {
	apply(run *testRun)
}

type (
	startEvent struct{}

	allSuitesEvent struct {
		Count int `json:"count"`
	}

	testStartEvent struct {
		Test struct {
			ID       int    `json:"id"`
			Name     string `json:"name"`
			Metadata struct {
				Skip bool `json:"skip"`
			} `json:"metadata"`
		} `json:"test"`
	}

	testDoneEvent struct {
		TestID  int    `json:"testID"`
		Result  string `json:"result"`
		Skipped bool   `json:"skipped"`
		Hidden  bool   `json:"hidden"`
	}

	errorEvent struct {
		TestID     int    `json:"testID"`
		Error      string `json:"error"`
		StackTrace string `json:"stackTrace"`
		IsFailure  bool   `json:"isFailure"`
	}

	printEvent struct {
		TestID  int    `json:"testID"`
		Message string `json:"message"`
	}

	doneEvent struct {
		Success *bool `json:"success"`
	}

	// ignoredEvent covers protocol events this server does not track
	// (suite, group, debug and anything added to the protocol later).
	ignoredEvent struct{}
)

// parseTestEvent decodes a line into a testEvent. It returns false for lines
// that are not JSON objects; those are ordinary console output.
func parseTestEvent(line string) (testEvent, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return nil, false
	}

	var ev testEvent
	switch envelope.Type {
	case "start":
		return startEvent{}, true
	case "allSuites":
		ev = &allSuitesEvent{}
	case "testStart":
		ev = &testStartEvent{}
	case "testDone":
		ev = &testDoneEvent{}
	case "error":
		ev = &errorEvent{}
	case "print":
		ev = &printEvent{}
	case "done":
		ev = &doneEvent{}
	default:
		return ignoredEvent{}, true
	}
	if err := json.Unmarshal([]byte(trimmed), ev); err != nil {
		return nil, false
	}
	return ev, true
}

func (startEvent) apply(*testRun)   {}
func (ignoredEvent) apply(*testRun) {}

func (e *allSuitesEvent) apply(run *testRun) {
	run.expected = e.Count
}

func (e *testStartEvent) apply(run *testRun) {
	run.testNames[e.Test.ID] = e.Test.Name
	run.tests[e.Test.ID] = &domain.TestResult{
		ID:     e.Test.ID,
		Name:   e.Test.Name,
		Result: domain.TestSuccess,
		Hidden: e.Test.Metadata.Skip,
	}
}

func (e *testDoneEvent) apply(run *testRun) {
	result, ok := run.tests[e.TestID]
	if !ok {
		return
	}
	switch domain.TestOutcome(e.Result) {
	case domain.TestSuccess, domain.TestFailure, domain.TestError:
		result.Result = domain.TestOutcome(e.Result)
	}
	result.Skipped = e.Skipped
	result.Hidden = e.Hidden
	result.Done = true
}

func (e *errorEvent) apply(run *testRun) {
	result, ok := run.tests[e.TestID]
	if !ok {
		return
	}
	result.Output = append(result.Output, e.Error)
	if e.StackTrace != "" {
		result.Output = append(result.Output, e.StackTrace)
	}
	if e.IsFailure {
		result.Result = domain.TestFailure
	} else {
		result.Result = domain.TestError
	}
}

func (e *printEvent) apply(run *testRun) {
	result, ok := run.tests[e.TestID]
	if !ok {
		return
	}
	result.Output = append(result.Output, e.Message)
}

func (e *doneEvent) apply(run *testRun) {
	now := time.Now()
	success := e.Success != nil && *e.Success
	run.complete = true
	run.success = &success
	run.completedAt = &now
}
