package runstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/hochfrequenz/fishqueue/internal/domain"
)

// MemoryStore keeps runs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*domain.Run
	locks *keyedMutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*domain.Run),
		locks: newKeyedMutex(),
	}
}

func (s *MemoryStore) Create(ctx context.Context, run *domain.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, notFound(id)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var runs []*domain.Run
	for _, run := range s.runs {
		if opts.match(run) {
			runs = append(runs, run.Clone())
		}
	}
	s.mu.RUnlock()

	SortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*domain.Run, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	current, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.runs[id] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
