// Package archive snapshots a finished run's event log to durable storage
// before the store's retention window trims or expires it.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/runfold/runfold/internal/clock"
	"github.com/runfold/runfold/model"
	"github.com/runfold/runfold/service/store"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

// Snapshot is the archived form of a run's event log.
type Snapshot struct {
	RunID      string         `json:"runId"`
	ArchivedAt time.Time      `json:"archivedAt"`
	Entries    []*model.Entry `json:"entries"`
}

// Service archives event logs as JSON documents under a base URL. Any scheme
// afs understands works (file://, mem://, s3://, gs://).
type Service struct {
	baseURL string
	fs      afs.Service
	store   store.Store
}

// New creates an archiver rooted at baseURL.
func New(baseURL string, s store.Store) *Service {
	return &Service{baseURL: baseURL, fs: afs.New(), store: s}
}

// Archive reads the run's full retained event log and uploads it as a JSON
// snapshot. The log may already be partially trimmed; whatever remains is
// archived.
func (s *Service) Archive(ctx context.Context, runID string) error {
	records, err := s.store.ReadRange(ctx, store.StreamKey(runID))
	if err != nil {
		return fmt.Errorf("failed to read event log of run %s: %w", runID, err)
	}
	snapshot := &Snapshot{RunID: runID, ArchivedAt: clock.Now()}
	for _, record := range records {
		entry, err := model.UnmarshalEntry(record.Payload)
		if err != nil {
			continue
		}
		snapshot.Entries = append(snapshot.Entries, entry)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot of run %s: %w", runID, err)
	}
	dest := url.Join(s.baseURL, runID+".json")
	if err := s.fs.Upload(ctx, dest, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload snapshot to %s: %w", dest, err)
	}
	return nil
}

// Load reads a previously archived snapshot back.
func (s *Service) Load(ctx context.Context, runID string) (*Snapshot, error) {
	dest := url.Join(s.baseURL, runID+".json")
	data, err := s.fs.DownloadWithURL(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", dest, err)
	}
	snapshot := &Snapshot{}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", dest, err)
	}
	return snapshot, nil
}
