package model

import (
	"encoding/json"
	"fmt"
)

// EntryKind classifies a single event-log payload.
type EntryKind string

const (
	// EntryKindMessage carries agent output text.
	EntryKindMessage EntryKind = "message"
	// EntryKindToolCall records a tool invocation emitted by the agent.
	EntryKindToolCall EntryKind = "tool_call"
	// EntryKindStatus marks a run status transition; a terminal status entry
	// is always the last entry appended on the normal completion path.
	EntryKindStatus EntryKind = "status"
)

// TerminatingTool is the tool name the agent uses to ask for its own run to
// end. Observing it terminates the production loop like a completed status.
const TerminatingTool = "finish_run"

// Entry is the payload of a single event-log record. Ordering and retention
// are owned by the store; Entry only describes content.
type Entry struct {
	Kind   EntryKind `json:"kind"`
	Role   string    `json:"role,omitempty"`
	Text   string    `json:"text,omitempty"`
	Tool   string    `json:"tool,omitempty"`
	Status string    `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// StatusEntry builds a status entry for the supplied run status.
func StatusEntry(status RunStatus, errMsg string) *Entry {
	return &Entry{Kind: EntryKindStatus, Status: string(status), Error: errMsg}
}

// TerminalStatus maps a status entry payload onto a terminal run status.
// The literal "error" is accepted as an alias for failed. The second return
// is false when the entry does not end the run.
func (e *Entry) TerminalStatus() (RunStatus, bool) {
	if e.Kind != EntryKindStatus {
		return "", false
	}
	switch e.Status {
	case string(RunStatusCompleted):
		return RunStatusCompleted, true
	case string(RunStatusFailed), "error":
		return RunStatusFailed, true
	case string(RunStatusStopped):
		return RunStatusStopped, true
	}
	return "", false
}

// IsTerminatingToolCall reports whether the entry is the agent's own request
// to stop producing.
func (e *Entry) IsTerminatingToolCall() bool {
	return e.Kind == EntryKindToolCall && e.Tool == TerminatingTool
}

// Marshal encodes the entry as its wire payload.
func (e *Entry) Marshal() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode entry: %w", err)
	}
	return string(data), nil
}

// UnmarshalEntry decodes a wire payload back into an Entry.
func UnmarshalEntry(payload string) (*Entry, error) {
	entry := &Entry{}
	if err := json.Unmarshal([]byte(payload), entry); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	return entry, nil
}
