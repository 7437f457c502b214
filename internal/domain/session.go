package domain

import "time"

// SessionInfo is the listing view of a session, merged with live run status.
type SessionInfo struct {
	ID             string          `json:"id"`
	ProjectPath    string          `json:"project_path"`
	SimulatorID    string          `json:"simulator_id,omitempty"`
	DeviceType     string          `json:"device_type"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	RunProcessInfo *RunProcessInfo `json:"run_process_info,omitempty"`
	TestReferences []int           `json:"test_references,omitempty"`
}

// CreateSessionParams are the caller-supplied inputs for a new session.
type CreateSessionParams struct {
	ProjectPath string
	DeviceType  string
}
