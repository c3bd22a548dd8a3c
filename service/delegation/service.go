// Package delegation implements the spawn/monitor/await contract that lets a
// running task create bounded-depth child runs sharing the same workspace.
package delegation

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/runfold/runfold/internal/clock"
	"github.com/runfold/runfold/internal/idgen"
	"github.com/runfold/runfold/model"
	"github.com/runfold/runfold/policy"
	"github.com/runfold/runfold/service/dao"
	"github.com/runfold/runfold/service/store"
	"github.com/runfold/runfold/tracing"
)

// Starter is the minimal scheduling contract delegation needs from the
// orchestrator: enqueue a pending run for execution.
type Starter interface {
	Enqueue(ctx context.Context, run *model.Run) error
}

// Config for the delegation service.
type Config struct {
	// MaxDepth is the strict nesting cap: a thread whose depth level is
	// already at MaxDepth must not spawn children. The default of 1 lets only
	// top-level threads delegate.
	MaxDepth int `json:"maxDepth" yaml:"maxDepth"`

	// WaitPollInterval is the fixed sleep between wait polls.
	WaitPollInterval time.Duration `json:"waitPollInterval" yaml:"waitPollInterval"`

	// WaitDefault/WaitMin/WaitMax bound the wait timeout.
	WaitDefault time.Duration `json:"waitDefault" yaml:"waitDefault"`
	WaitMin     time.Duration `json:"waitMin" yaml:"waitMin"`
	WaitMax     time.Duration `json:"waitMax" yaml:"waitMax"`

	// ResultTailEntries is how many trailing assistant entries get
	// concatenated into a child's result text.
	ResultTailEntries int `json:"resultTailEntries" yaml:"resultTailEntries"`
}

// DefaultConfig returns the default delegation configuration.
func DefaultConfig() Config {
	return Config{
		MaxDepth:          1,
		WaitPollInterval:  2 * time.Second,
		WaitDefault:       300 * time.Second,
		WaitMin:           10 * time.Second,
		WaitMax:           600 * time.Second,
		ResultTailEntries: 5,
	}
}

// Service implements the delegation protocol over the run/thread DAOs, the
// shared store (for result text) and the orchestrator.
type Service struct {
	config  Config
	runs    dao.Service[string, model.Run]
	threads dao.Service[string, model.Thread]
	store   store.Store
	starter Starter
}

// New creates a delegation service.
func New(config Config, runs dao.Service[string, model.Run], threads dao.Service[string, model.Thread], s store.Store, starter Starter) (*Service, error) {
	if runs == nil || threads == nil {
		return nil, fmt.Errorf("run and thread DAOs are required")
	}
	if starter == nil {
		return nil, fmt.Errorf("starter is required")
	}
	defaults := DefaultConfig()
	if config.MaxDepth <= 0 {
		config.MaxDepth = defaults.MaxDepth
	}
	if config.WaitPollInterval <= 0 {
		config.WaitPollInterval = defaults.WaitPollInterval
	}
	if config.WaitDefault <= 0 {
		config.WaitDefault = defaults.WaitDefault
	}
	if config.WaitMin <= 0 {
		config.WaitMin = defaults.WaitMin
	}
	if config.WaitMax <= 0 {
		config.WaitMax = defaults.WaitMax
	}
	if config.ResultTailEntries <= 0 {
		config.ResultTailEntries = defaults.ResultTailEntries
	}
	return &Service{config: config, runs: runs, threads: threads, store: s, starter: starter}, nil
}

// Spawned identifies a newly delegated child.
type Spawned struct {
	ChildRunID    string `json:"childRunId"`
	ChildThreadID string `json:"childThreadId"`
}

// Spawn creates a child thread and pending run for the task and enqueues it
// for execution. It fails with model.ErrDepthExceeded when the calling thread
// is already at the maximum depth, and rolls the created records back when
// enqueueing fails, so a failed spawn leaves no orphaned children behind.
func (s *Service) Spawn(ctx context.Context, parentThreadID, task, taskContext string) (spawned *Spawned, err error) {
	ctx, span := tracing.StartSpan(ctx, "delegation.Spawn", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"thread.id": parentThreadID})

	parent, err := s.threads.Load(ctx, parentThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", parentThreadID, err)
	}
	if parent.DepthLevel >= s.config.MaxDepth {
		return nil, fmt.Errorf("thread %s at depth %d: %w", parentThreadID, parent.DepthLevel, model.ErrDepthExceeded)
	}
	if guard := policy.FromContext(ctx); !guard.IsAllowed(task) {
		return nil, fmt.Errorf("task blocked by delegation policy")
	}

	now := clock.Now()
	child := model.NewChildThread(idgen.New(), parent, now)
	if err := s.threads.Save(ctx, child); err != nil {
		return nil, fmt.Errorf("failed to create child thread: %w", err)
	}

	run := &model.Run{
		ID:        idgen.New(),
		ThreadID:  child.ID,
		ProjectID: child.ProjectID,
		Status:    model.RunStatusPending,
		CreatedAt: now,
	}
	run.SetMeta(model.MetaTaskDescription, task)
	run.SetMeta(model.MetaParentThreadID, parentThreadID)
	if taskContext != "" {
		run.SetMeta("task_context", taskContext)
	}
	if err := s.runs.Save(ctx, run); err != nil {
		s.rollback(ctx, child.ID, "")
		return nil, fmt.Errorf("failed to create child run: %w", err)
	}

	if err := s.starter.Enqueue(ctx, run); err != nil {
		s.rollback(ctx, child.ID, run.ID)
		return nil, fmt.Errorf("failed to enqueue child run: %w", err)
	}
	return &Spawned{ChildRunID: run.ID, ChildThreadID: child.ID}, nil
}

// rollback removes partially created spawn records.
func (s *Service) rollback(ctx context.Context, threadID, runID string) {
	if runID != "" {
		if err := s.runs.Delete(ctx, runID); err != nil {
			log.Printf("delegation: rollback of run %s failed: %v", runID, err)
		}
	}
	if err := s.threads.Delete(ctx, threadID); err != nil {
		log.Printf("delegation: rollback of thread %s failed: %v", threadID, err)
	}
}

// Child is one row of a delegation snapshot.
type Child struct {
	RunID       string          `json:"runId"`
	ThreadID    string          `json:"threadId"`
	Task        string          `json:"task"`
	Status      model.RunStatus `json:"status"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Snapshot is the result of List: per-child rows plus an aggregate count by
// status.
type Snapshot struct {
	Children []Child                 `json:"children"`
	Counts   map[model.RunStatus]int `json:"counts"`
}

// List reads all child threads of the caller and their latest run.
func (s *Service) List(ctx context.Context, parentThreadID string) (*Snapshot, error) {
	children, err := s.childRuns(ctx, parentThreadID)
	if err != nil {
		return nil, err
	}
	snapshot := &Snapshot{Counts: map[model.RunStatus]int{}}
	for _, child := range children {
		snapshot.Children = append(snapshot.Children, child)
		snapshot.Counts[child.Status]++
	}
	return snapshot, nil
}

// childRuns returns the latest run per child thread, ordered by creation.
func (s *Service) childRuns(ctx context.Context, parentThreadID string) ([]Child, error) {
	threads, err := s.threads.List(ctx, dao.NewParameter(dao.ParamParentThreadID, parentThreadID))
	if err != nil {
		return nil, fmt.Errorf("failed to list child threads: %w", err)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].CreatedAt.Before(threads[j].CreatedAt) })

	var out []Child
	for _, thread := range threads {
		runs, err := s.runs.List(ctx, dao.NewParameter(dao.ParamThreadID, thread.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to list runs of thread %s: %w", thread.ID, err)
		}
		latest := latestRun(runs)
		if latest == nil {
			continue
		}
		out = append(out, Child{
			RunID:       latest.ID,
			ThreadID:    thread.ID,
			Task:        latest.Meta(model.MetaTaskDescription),
			Status:      latest.Status,
			StartedAt:   latest.StartedAt,
			CompletedAt: latest.CompletedAt,
			Error:       latest.Error,
		})
	}
	return out, nil
}

func latestRun(runs []*model.Run) *model.Run {
	var latest *model.Run
	for _, run := range runs {
		if latest == nil {
			latest = run
			continue
		}
		current, candidate := latest.CreatedAt, run.CreatedAt
		if latest.StartedAt != nil {
			current = *latest.StartedAt
		}
		if run.StartedAt != nil {
			candidate = *run.StartedAt
		}
		if candidate.After(current) {
			latest = run
		}
	}
	return latest
}

// Result is the outcome of a single delegated child.
type Result struct {
	RunID  string          `json:"runId"`
	Status model.RunStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
	Text   string          `json:"text,omitempty"`
}

// GetResult returns the delegated result of a child run: its status, error
// and a best-effort concatenation of the trailing assistant output. It fails
// with model.ErrNotAChild when the run does not belong to a child thread of
// the caller.
func (s *Service) GetResult(ctx context.Context, parentThreadID, childRunID string) (*Result, error) {
	run, err := s.runs.Load(ctx, childRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", childRunID, err)
	}
	thread, err := s.threads.Load(ctx, run.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", run.ThreadID, err)
	}
	if thread.ParentThreadID != parentThreadID {
		return nil, fmt.Errorf("run %s: %w", childRunID, model.ErrNotAChild)
	}
	return &Result{
		RunID:  run.ID,
		Status: run.Status,
		Error:  run.Error,
		Text:   s.resultText(ctx, run.ID),
	}, nil
}

// resultText concatenates the last few assistant message entries from the
// child's event log. The log may have expired or been trimmed; missing text
// is not an error.
func (s *Service) resultText(ctx context.Context, runID string) string {
	entries, err := s.store.ReadRange(ctx, store.StreamKey(runID))
	if err != nil {
		log.Printf("delegation: failed to read event log of run %s: %v", runID, err)
		return ""
	}
	var texts []string
	for i := len(entries) - 1; i >= 0 && len(texts) < s.config.ResultTailEntries; i-- {
		entry, err := model.UnmarshalEntry(entries[i].Payload)
		if err != nil {
			continue
		}
		if entry.Kind == model.EntryKindMessage && entry.Role == "assistant" && entry.Text != "" {
			texts = append(texts, entry.Text)
		}
	}
	// collected newest-first, emit in log order
	for i, j := 0, len(texts)-1; i < j; i, j = i+1, j-1 {
		texts[i], texts[j] = texts[j], texts[i]
	}
	return strings.Join(texts, "\n")
}

// WaitOutcome is the result of Wait: per-child results plus a timeout flag.
// On timeout the partial results collected so far are returned, never an
// error.
type WaitOutcome struct {
	TimedOut bool     `json:"timedOut"`
	Results  []Result `json:"results"`
}

// Wait polls the targeted children at a fixed interval until every one is
// terminal or the timeout elapses. When runIDs is empty all current children
// of the caller are awaited. The timeout is clamped to the configured bounds;
// the caller's own cancellation is honoured between polls. Wait has no side
// effects and may be retried freely.
func (s *Service) Wait(ctx context.Context, parentThreadID string, runIDs []string, timeout time.Duration) (*WaitOutcome, error) {
	if timeout <= 0 {
		timeout = s.config.WaitDefault
	}
	if timeout < s.config.WaitMin {
		timeout = s.config.WaitMin
	}
	if timeout > s.config.WaitMax {
		timeout = s.config.WaitMax
	}

	targets := append([]string(nil), runIDs...)
	if len(targets) == 0 {
		children, err := s.childRuns(ctx, parentThreadID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			targets = append(targets, child.RunID)
		}
	}

	deadline := clock.Now().Add(timeout)
	for {
		results, done, err := s.poll(ctx, parentThreadID, targets)
		if err != nil {
			return nil, err
		}
		if done {
			return &WaitOutcome{Results: results}, nil
		}
		if clock.Now().After(deadline) {
			return &WaitOutcome{TimedOut: true, Results: results}, nil
		}
		select {
		case <-time.After(s.config.WaitPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// poll snapshots the targets' current state; done is true when every target
// is terminal.
func (s *Service) poll(ctx context.Context, parentThreadID string, targets []string) ([]Result, bool, error) {
	results := make([]Result, 0, len(targets))
	done := true
	for _, runID := range targets {
		result, err := s.GetResult(ctx, parentThreadID, runID)
		if err != nil {
			return nil, false, err
		}
		if !result.Status.IsTerminal() {
			done = false
		}
		results = append(results, *result)
	}
	return results, done, nil
}
