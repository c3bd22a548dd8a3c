package model

import (
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// IsTerminal reports whether the status is final. Terminal runs are never
// mutated again, only read.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

// Metadata keys recorded on delegated runs.
const (
	MetaTaskDescription = "task_description"
	MetaParentThreadID  = "parent_thread_id"
)

// Run is the durable record of a single execution instance. It is created in
// pending state by the caller or by the delegation service and mutated only by
// the orchestrator (status, error, timestamps) and by stop-signal resolution.
// Runs are never deleted, only marked terminal.
type Run struct {
	ID          string            `json:"id"`
	ThreadID    string            `json:"threadId"`
	ProjectID   string            `json:"projectId,omitempty"`
	Model       string            `json:"model,omitempty"`
	Status      RunStatus         `json:"status"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// SetMeta stores a metadata value, allocating the map on first use.
func (r *Run) SetMeta(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// Meta returns a metadata value or empty string.
func (r *Run) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}
