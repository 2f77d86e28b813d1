package domain

import (
	"fmt"
	"time"
)

// Task is a leased slice of a run's game budget. Index is assigned at
// creation and never reused.
type Task struct {
	Index    int   `json:"index"`
	NumGames int   `json:"num_games"`
	Stats    Stats `json:"stats"`

	// Lease annotation. Active is false when no lease is outstanding.
	Active      bool      `json:"active"`
	WorkerKey   string    `json:"worker_key,omitempty"`
	WorkerName  string    `json:"worker_name,omitempty"`
	LeaseID     string    `json:"lease_id,omitempty"`
	LeaseExpiry time.Time `json:"lease_expiry,omitempty"`

	// Seq is the highest result sequence number applied to Stats
	Seq         uint64    `json:"seq"`
	LastUpdated time.Time `json:"last_updated"`
}

// Played returns the committed number of games
func (t *Task) Played() int {
	return t.Stats.Games()
}

// Unfilled returns how many games of the slice are not yet committed
func (t *Task) Unfilled() int {
	if n := t.NumGames - t.Played(); n > 0 {
		return n
	}
	return 0
}

// Leased reports whether the task holds a lease that has not expired at now
func (t *Task) Leased(now time.Time) bool {
	return t.Active && now.Before(t.LeaseExpiry)
}

// ClearLease unbinds the worker and marks the task inactive
func (t *Task) ClearLease() {
	t.Active = false
	t.WorkerKey = ""
	t.WorkerName = ""
	t.LeaseID = ""
	t.LeaseExpiry = time.Time{}
}

// TaskRef identifies the lease a worker holds on a task
type TaskRef struct {
	RunID   string `json:"run_id"`
	Index   int    `json:"task_id"`
	LeaseID string `json:"lease_id"`
}

// String returns the canonical run/task form
func (r TaskRef) String() string {
	return fmt.Sprintf("%s/%d", r.RunID, r.Index)
}
