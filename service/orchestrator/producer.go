package orchestrator

import (
	"context"

	"github.com/runfold/runfold/model"
)

// Producer is the external agent collaborator: it yields the run's output one
// entry at a time. Next blocks until output is available and returns io.EOF
// once the agent has nothing more to say. Implementations must honour ctx
// cancellation promptly; producers that also implement io.Closer are closed
// when the activity exits.
type Producer interface {
	Next(ctx context.Context) (*model.Entry, error)
}

// ProducerFactory builds the producer for a run when its activity starts.
type ProducerFactory func(ctx context.Context, run *model.Run) (Producer, error)

// Archiver exports a terminal run's event log to durable storage. Archive
// failures never fail the run.
type Archiver interface {
	Archive(ctx context.Context, runID string) error
}
