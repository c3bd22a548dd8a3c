package memory

import (
	"context"
	"sync"

	"github.com/runfold/runfold/model"
	"github.com/runfold/runfold/service/dao"
)

// Service implements an in-memory, thread-safe store for run records. Save
// replaces the stored copy wholesale; callers own the entity between Load and
// Save.
type Service struct {
	runs map[string]*model.Run
	mux  sync.RWMutex
}

var _ dao.Service[string, model.Run] = (*Service)(nil)

func New() *Service {
	return &Service{runs: map[string]*model.Run{}}
}

func (s *Service) Save(_ context.Context, run *model.Run) error {
	if run == nil {
		return dao.ErrNilEntity
	}
	if run.ID == "" {
		return dao.ErrInvalidID
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

func (s *Service) Load(_ context.Context, id string) (*model.Run, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}
	s.mux.RLock()
	defer s.mux.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, dao.ErrNotFound
	}
	clone := *run
	return &clone, nil
}

func (s *Service) Delete(_ context.Context, id string) error {
	if id == "" {
		return dao.ErrInvalidID
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.runs[id]; !ok {
		return dao.ErrNotFound
	}
	delete(s.runs, id)
	return nil
}

func (s *Service) List(_ context.Context, parameters ...*dao.Parameter) ([]*model.Run, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	out := make([]*model.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if !matches(run, parameters) {
			continue
		}
		clone := *run
		out = append(out, &clone)
	}
	return out, nil
}

func matches(run *model.Run, parameters []*dao.Parameter) bool {
	for _, parameter := range parameters {
		if parameter == nil {
			continue
		}
		switch parameter.Name {
		case dao.ParamStatus:
			if string(run.Status) != parameter.Value {
				return false
			}
		case dao.ParamThreadID:
			if run.ThreadID != parameter.Value {
				return false
			}
		}
	}
	return true
}
