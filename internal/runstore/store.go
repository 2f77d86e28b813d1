// Package runstore persists runs and serializes every mutation of a single run.
//
// Callers never touch stored runs directly: Get and List hand out deep copies,
// and Update runs a mutation against a private copy that is committed only when
// the mutation returns nil. Updates to one run are serialized; updates to
// different runs proceed in parallel.
package runstore

import (
	"context"
	"errors"
	"sort"

	"github.com/hochfrequenz/fishqueue/internal/domain"
)

// ErrExists is returned by Create when the run id is already taken.
var ErrExists = errors.New("run already exists")

// UpdateFunc mutates a run in place. Returning an error discards the mutation.
type UpdateFunc func(run *domain.Run) error

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status   domain.RunStatus
	Username string
	// Unfinished excludes runs in the finished state.
	Unfinished bool
}

func (o ListOptions) match(r *domain.Run) bool {
	if o.Status != "" && r.Status != o.Status {
		return false
	}
	if o.Username != "" && r.Config.Username != o.Username {
		return false
	}
	if o.Unfinished && r.Status == domain.RunFinished {
		return false
	}
	return true
}

// Store is the durable mapping from run id to run.
type Store interface {
	Create(ctx context.Context, run *domain.Run) error
	Get(ctx context.Context, id string) (*domain.Run, error)
	// List returns matching runs in scheduling order: priority descending,
	// then creation time ascending.
	List(ctx context.Context, opts ListOptions) ([]*domain.Run, error)
	// Update applies fn to a copy of the run and commits it atomically.
	// The committed run is returned.
	Update(ctx context.Context, id string, fn UpdateFunc) (*domain.Run, error)
	Close() error
}

// SortRuns orders runs for scheduling.
func SortRuns(runs []*domain.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if a.Config.Priority != b.Config.Priority {
			return a.Config.Priority > b.Config.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func notFound(id string) error {
	return &domain.NotFoundError{Kind: "run", ID: id}
}
