// Package scheduler picks the next slice of games to hand to a worker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/lease"
	"github.com/hochfrequenz/fishqueue/internal/logging"
	"github.com/hochfrequenz/fishqueue/internal/runstore"
)

// Limits bound the slices handed out.
type Limits struct {
	// MaxSliceGames caps a single task so one worker cannot claim a whole run.
	MaxSliceGames int `toml:"max_slice_games" json:"max_slice_games"`
	// GamesPerCore is how many games each concurrent game slot gets per task.
	GamesPerCore int `toml:"games_per_core" json:"games_per_core"`
	// MinWorkerVersion rejects older workers when positive.
	MinWorkerVersion int `toml:"min_worker_version" json:"min_worker_version"`
}

// DefaultLimits returns the limits used when none are configured
func DefaultLimits() Limits {
	return Limits{
		MaxSliceGames: 1000,
		GamesPerCore:  32,
	}
}

func (l Limits) normalized() Limits {
	d := DefaultLimits()
	if l.MaxSliceGames <= 0 {
		l.MaxSliceGames = d.MaxSliceGames
	}
	if l.GamesPerCore <= 0 {
		l.GamesPerCore = d.GamesPerCore
	}
	return l
}

// Assignment is a task leased to a worker.
type Assignment struct {
	// Run is the committed state right after the lease was taken.
	Run   *domain.Run
	Task  *domain.Task
	Lease lease.Lease
	// Games is how many games the worker should play.
	Games  int
	Reused bool
}

// errSkip aborts a store update without it being an error for the caller.
var errSkip = errors.New("skip run")

// Scheduler determines which run and task a worker should work on
type Scheduler struct {
	store  runstore.Store
	leases *lease.Manager
	logger *slog.Logger

	mu     sync.RWMutex
	limits Limits
}

// New creates a new Scheduler
func New(store runstore.Store, leases *lease.Manager, limits Limits, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		leases: leases,
		limits: limits.normalized(),
		logger: logging.OrDefault(logger),
	}
}

// Limits returns the current slice limits
func (s *Scheduler) Limits() Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// SetLimits replaces the slice limits; used on config reload.
func (s *Scheduler) SetLimits(l Limits) {
	s.mu.Lock()
	s.limits = l.normalized()
	s.mu.Unlock()
}

// Candidates returns the runs that may receive work, in scheduling order:
// active runs with games left, highest priority first, oldest first within a
// priority.
func Candidates(runs []*domain.Run) []*domain.Run {
	var out []*domain.Run
	for _, r := range runs {
		if r.Status == domain.RunActive && r.Remaining() > 0 {
			out = append(out, r)
		}
	}
	runstore.SortRuns(out)
	return out
}

// Next leases a slice of games to the worker. It returns nil and no error when
// there is no work.
func (s *Scheduler) Next(ctx context.Context, w domain.WorkerInfo) (*Assignment, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	limits := s.Limits()
	if limits.MinWorkerVersion > 0 && w.Version < limits.MinWorkerVersion {
		return nil, &domain.ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("worker version %d too old, need %d", w.Version, limits.MinWorkerVersion),
		}
	}

	runs, err := s.store.List(ctx, runstore.ListOptions{Status: domain.RunActive})
	if err != nil {
		return nil, fmt.Errorf("listing active runs: %w", err)
	}

	for _, run := range Candidates(runs) {
		a, err := s.assign(ctx, run.ID, w, limits)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if domain.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

// assign tries to lease a slice of one run. A capacity violation discards the
// attempt and retries once against the capacity then left.
func (s *Scheduler) assign(ctx context.Context, runID string, w domain.WorkerInfo, limits Limits) (*Assignment, error) {
	const attempts = 2
	for i := 0; i < attempts; i++ {
		a, err := s.tryAssign(ctx, runID, w, limits)
		var capErr *domain.CapacityExceededError
		if errors.As(err, &capErr) {
			s.logger.Warn("allocation rejected",
				"run_id", runID,
				"requested", capErr.Requested,
				"available", capErr.Available,
			)
			continue
		}
		return a, err
	}
	return nil, nil
}

func (s *Scheduler) tryAssign(ctx context.Context, runID string, w domain.WorkerInfo, limits Limits) (*Assignment, error) {
	var (
		l      lease.Lease
		index  = -1
		reused bool
	)

	committed, err := s.store.Update(ctx, runID, func(run *domain.Run) error {
		// stopped or decided runs get no new work even before they drain
		if run.Status != domain.RunActive {
			return errSkip
		}

		reclaimed := s.leases.ReclaimExpired(run)
		now := s.leases.Now()

		bound := SliceBound(run, w, limits)
		task, games := pickTask(run, bound)
		if task == nil {
			if len(reclaimed) > 0 {
				run.UpdatedAt = now
				return nil
			}
			return errSkip
		}

		if task.Index == len(run.Tasks) {
			run.Tasks = append(run.Tasks, task)
		} else {
			reused = true
		}
		task.NumGames = games

		if allocated := run.Allocated(); allocated > run.Config.NumGames {
			return &domain.CapacityExceededError{
				RunID:     run.ID,
				Requested: allocated,
				Available: run.Config.NumGames,
			}
		}

		var err error
		l, err = s.leases.Acquire(run, task.Index, w)
		if err != nil {
			return err
		}
		index = task.Index
		run.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if index < 0 {
		return nil, nil
	}

	task := committed.Tasks[index]
	s.logger.Debug("task assigned",
		"run_id", runID,
		"task", index,
		"worker", task.WorkerName,
		"games", task.Unfilled(),
		"reused", reused,
	)
	return &Assignment{
		Run:    committed,
		Task:   task,
		Lease:  l,
		Games:  task.Unfilled(),
		Reused: reused,
	}, nil
}

// pickTask returns the task to lease and its new game count. Idle tasks with
// unfilled games are reused before new tasks are created; a new task carries
// the next free index and is not yet part of run.Tasks.
func pickTask(run *domain.Run, bound int) (*domain.Task, int) {
	if bound < 2 {
		return nil, 0
	}
	for _, t := range run.Tasks {
		if t.Active || t.Unfilled() < 2 {
			continue
		}
		return t, t.Played() + min(t.Unfilled()-t.Unfilled()%2, bound)
	}

	games := min(run.Unallocated(), bound)
	games -= games % 2
	if games <= 0 {
		return nil, 0
	}
	return &domain.Task{Index: len(run.Tasks)}, games
}

// SliceBound returns the largest slice a worker may take from the run: enough
// games to keep each of its game slots busy for GamesPerCore games, capped by
// MaxSliceGames and by what the run still needs. Slices are whole rounds of
// game pairs across all slots where possible and always whole pairs.
func SliceBound(run *domain.Run, w domain.WorkerInfo, limits Limits) int {
	limits = limits.normalized()

	slots := w.Concurrency / run.Config.CoresPerGame()
	if slots < 1 {
		slots = 1
	}

	bound := slots * limits.GamesPerCore
	if bound > limits.MaxSliceGames {
		bound = limits.MaxSliceGames
	}
	if unit := 2 * slots; bound >= unit {
		bound -= bound % unit
	} else {
		bound -= bound % 2
	}
	if bound < 2 {
		bound = 2
	}

	if rem := run.Remaining(); bound > rem {
		bound = rem - rem%2
	}
	return bound
}
