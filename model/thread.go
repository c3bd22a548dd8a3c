package model

import "time"

// Thread is the workspace context a run executes within. Threads form a tree
// via ParentThreadID; DepthLevel is always exactly parent.DepthLevel+1 and 0
// for top-level threads. A thread at the configured maximum depth must not
// spawn further children.
type Thread struct {
	ID             string    `json:"id"`
	ParentThreadID string    `json:"parentThreadId,omitempty"`
	AccountID      string    `json:"accountId,omitempty"`
	ProjectID      string    `json:"projectId,omitempty"`
	DepthLevel     int       `json:"depthLevel"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewChildThread derives a child thread sharing the parent's account and
// project (same workspace), one level deeper.
func NewChildThread(id string, parent *Thread, now time.Time) *Thread {
	return &Thread{
		ID:             id,
		ParentThreadID: parent.ID,
		AccountID:      parent.AccountID,
		ProjectID:      parent.ProjectID,
		DepthLevel:     parent.DepthLevel + 1,
		CreatedAt:      now,
	}
}
