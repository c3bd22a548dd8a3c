package memory

import (
	"context"
	"sync"

	"github.com/runfold/runfold/model"
	"github.com/runfold/runfold/service/dao"
)

// Service implements an in-memory, thread-safe store for thread records.
type Service struct {
	threads map[string]*model.Thread
	mux     sync.RWMutex
}

var _ dao.Service[string, model.Thread] = (*Service)(nil)

func New() *Service {
	return &Service{threads: map[string]*model.Thread{}}
}

func (s *Service) Save(_ context.Context, thread *model.Thread) error {
	if thread == nil {
		return dao.ErrNilEntity
	}
	if thread.ID == "" {
		return dao.ErrInvalidID
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	clone := *thread
	s.threads[thread.ID] = &clone
	return nil
}

func (s *Service) Load(_ context.Context, id string) (*model.Thread, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}
	s.mux.RLock()
	defer s.mux.RUnlock()
	thread, ok := s.threads[id]
	if !ok {
		return nil, dao.ErrNotFound
	}
	clone := *thread
	return &clone, nil
}

func (s *Service) Delete(_ context.Context, id string) error {
	if id == "" {
		return dao.ErrInvalidID
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.threads[id]; !ok {
		return dao.ErrNotFound
	}
	delete(s.threads, id)
	return nil
}

func (s *Service) List(_ context.Context, parameters ...*dao.Parameter) ([]*model.Thread, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	out := make([]*model.Thread, 0, len(s.threads))
	for _, thread := range s.threads {
		if !matches(thread, parameters) {
			continue
		}
		clone := *thread
		out = append(out, &clone)
	}
	return out, nil
}

func matches(thread *model.Thread, parameters []*dao.Parameter) bool {
	for _, parameter := range parameters {
		if parameter == nil {
			continue
		}
		switch parameter.Name {
		case dao.ParamParentThreadID:
			if thread.ParentThreadID != parameter.Value {
				return false
			}
		}
	}
	return true
}
