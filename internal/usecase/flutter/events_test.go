package flutter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTestEvent(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		wantOK bool
		want   testEvent
	}{
		{"plain output", "00:01 +1: loading", false, nil},
		{"blank", "", false, nil},
		{"malformed json", `{"type":`, false, nil},
		{"start", `{"type":"start","protocolVersion":"0.1.1"}`, true, startEvent{}},
		{"all suites", `{"type":"allSuites","count":3}`, true, &allSuitesEvent{Count: 3}},
		{"suite ignored", `{"type":"suite","suite":{"id":0}}`, true, ignoredEvent{}},
		{"future type ignored", `{"type":"somethingNew"}`, true, ignoredEvent{}},
		{"leading whitespace", `  {"type":"done","success":null}`, true, &doneEvent{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseTestEvent(tt.line)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTestEventApply(t *testing.T) {
	run := newTestRun(1)

	apply := func(line string) {
		t.Helper()
		ev, ok := parseTestEvent(line)
		require.True(t, ok, line)
		ev.apply(run)
	}

	apply(`{"type":"allSuites","count":2}`)
	assert.Equal(t, 2, run.expected)

	apply(`{"type":"testStart","test":{"id":7,"name":"skipped by metadata","metadata":{"skip":true}}}`)
	require.Contains(t, run.tests, 7)
	assert.True(t, run.tests[7].Hidden)
	assert.False(t, run.tests[7].Done)
	assert.Equal(t, "skipped by metadata", run.testNames[7])

	apply(`{"type":"testStart","test":{"id":8,"name":"ok","metadata":{"skip":false}}}`)
	apply(`{"type":"testDone","testID":8,"result":"bogus","skipped":false,"hidden":false}`)
	assert.Equal(t, "success", string(run.tests[8].Result))
	assert.True(t, run.tests[8].Done)

	apply(`{"type":"testDone","testID":404,"result":"failure"}`)
	assert.Len(t, run.tests, 2)

	apply(`{"type":"done"}`)
	assert.True(t, run.complete)
	require.NotNil(t, run.success)
	assert.False(t, *run.success)
	assert.NotNil(t, run.completedAt)
}
