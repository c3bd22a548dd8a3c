package store

import "fmt"

// Key and channel naming is a wire contract shared with external dashboards
// and must be preserved bit-for-bit.

// Pub/sub payload literals.
const (
	// PayloadNew is published on the new-response channel for every appended
	// log entry.
	PayloadNew = "new"

	// Control channel payloads.
	ControlStop      = "STOP"
	ControlEndStream = "END_STREAM"
	ControlError     = "ERROR"
)

// StreamKey returns the append-only event-log key for a run.
func StreamKey(runID string) string {
	return fmt.Sprintf("run:%s:stream", runID)
}

// NewResponseChannel returns the new-data notification channel for a run.
func NewResponseChannel(runID string) string {
	return fmt.Sprintf("run:%s:new_response", runID)
}

// ControlChannel returns the control-signal channel for a run.
func ControlChannel(runID string) string {
	return fmt.Sprintf("run:%s:control", runID)
}

// ActiveRunKey returns the transient liveness marker for a workflow instance
// executing a run.
func ActiveRunKey(instanceID, runID string) string {
	return fmt.Sprintf("active_run:%s:%s", instanceID, runID)
}

// IsControlPayload reports whether payload is one of the terminal control
// literals.
func IsControlPayload(payload string) bool {
	switch payload {
	case ControlStop, ControlEndStream, ControlError:
		return true
	}
	return false
}
