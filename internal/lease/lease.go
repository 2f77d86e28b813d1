// Package lease tracks time-bounded claims of workers on tasks.
//
// The manager keeps no state of its own: it annotates the Task records of the
// run it is handed, so callers must invoke it from inside a run store update.
package lease

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/idgen"
	"github.com/hochfrequenz/fishqueue/internal/logging"
)

// DefaultTTL is how long a lease lives without a heartbeat or result.
const DefaultTTL = 60 * time.Minute

// ErrTaskLeased is returned when acquiring a task that is still held.
var ErrTaskLeased = errors.New("task already leased")

// Outcome is the terminal result of a lease.
type Outcome int

const (
	// Success ends the lease after the worker finished its slice.
	Success Outcome = iota
	// Failure ends the lease because the worker cannot continue.
	Failure
)

func (o Outcome) String() string {
	if o == Failure {
		return "failure"
	}
	return "success"
}

// Lease is a worker's claim on one task.
type Lease struct {
	Ref    domain.TaskRef `json:"ref"`
	Worker string         `json:"worker"`
	Expiry time.Time      `json:"expiry"`
}

// Manager hands out, renews and reclaims leases.
type Manager struct {
	ttl    time.Duration
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDs replaces the lease id generator.
func WithIDs(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager. A non-positive ttl means DefaultTTL.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		ttl:   ttl,
		now:   time.Now,
		newID: idgen.New,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger)
	return m
}

// TTL returns the lease lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Acquire binds the task to the worker. The task's result sequence restarts,
// since sequence numbers are scoped to a lease.
func (m *Manager) Acquire(run *domain.Run, index int, w domain.WorkerInfo) (Lease, error) {
	task, err := run.Task(index)
	if err != nil {
		return Lease{}, err
	}
	now := m.now()
	if task.Leased(now) {
		return Lease{}, fmt.Errorf("%s/%d: %w", run.ID, index, ErrTaskLeased)
	}

	task.Active = true
	task.WorkerKey = w.UniqueKey
	task.WorkerName = w.String()
	task.LeaseID = m.newID()
	task.LeaseExpiry = now.Add(m.ttl)
	task.Seq = 0
	task.LastUpdated = now

	return m.leaseOf(run, task), nil
}

// Check returns the task held under ref, or a LeaseExpiredError when the lease
// is gone, replaced or past its expiry.
func (m *Manager) Check(run *domain.Run, ref domain.TaskRef) (*domain.Task, error) {
	task, err := run.Task(ref.Index)
	if err != nil {
		return nil, err
	}
	if !task.Active || task.LeaseID == "" || task.LeaseID != ref.LeaseID {
		return nil, &domain.LeaseExpiredError{Ref: ref}
	}
	if !m.now().Before(task.LeaseExpiry) {
		return nil, &domain.LeaseExpiredError{Ref: ref}
	}
	return task, nil
}

// Renew pushes the lease expiry to now + ttl.
func (m *Manager) Renew(run *domain.Run, ref domain.TaskRef) (Lease, error) {
	task, err := m.Check(run, ref)
	if err != nil {
		return Lease{}, err
	}
	now := m.now()
	task.LeaseExpiry = now.Add(m.ttl)
	task.LastUpdated = now
	return m.leaseOf(run, task), nil
}

// Commit merges a result delta reported under ref into the task and renews the
// lease. Sequence numbers at or below the applied one are rejected as stale,
// and deltas that overflow the task's slice are rejected whole.
func (m *Manager) Commit(run *domain.Run, ref domain.TaskRef, seq uint64, delta domain.Stats) (*domain.Task, error) {
	task, err := m.Check(run, ref)
	if err != nil {
		return nil, err
	}
	if seq <= task.Seq {
		return nil, &domain.StaleResultError{Ref: ref, Seq: seq, Applied: task.Seq}
	}
	if err := delta.Validate(); err != nil {
		return nil, err
	}
	if games := delta.Games(); games > task.Unfilled() {
		return nil, &domain.CapacityExceededError{RunID: run.ID, Requested: games, Available: task.Unfilled()}
	}

	now := m.now()
	task.Stats = task.Stats.Add(delta)
	task.Seq = seq
	task.LeaseExpiry = now.Add(m.ttl)
	task.LastUpdated = now
	return task, nil
}

// Release ends the lease under ref. Committed counters stay with the task
// either way; a released task with unfilled games is schedulable again.
func (m *Manager) Release(run *domain.Run, ref domain.TaskRef, outcome Outcome) error {
	task, err := m.Check(run, ref)
	if err != nil {
		return err
	}
	task.ClearLease()
	task.LastUpdated = m.now()
	if outcome == Failure {
		m.logger.Info("lease released on failure", "task", ref.String(), "played", task.Played(), "unfilled", task.Unfilled())
	}
	return nil
}

// ReclaimExpired unbinds every task of the run whose lease has run out and
// returns their indices. Games that were never reported are simply not there:
// only committed counters survive.
func (m *Manager) ReclaimExpired(run *domain.Run) []int {
	now := m.now()
	var reclaimed []int
	for _, task := range run.Tasks {
		if !task.Active || now.Before(task.LeaseExpiry) {
			continue
		}
		m.logger.Info("lease expired",
			"run_id", run.ID,
			"task", task.Index,
			"worker", task.WorkerName,
			"expired_at", task.LeaseExpiry,
		)
		task.ClearLease()
		task.LastUpdated = now
		reclaimed = append(reclaimed, task.Index)
	}
	return reclaimed
}

func (m *Manager) leaseOf(run *domain.Run, task *domain.Task) Lease {
	return Lease{
		Ref:    domain.TaskRef{RunID: run.ID, Index: task.Index, LeaseID: task.LeaseID},
		Worker: task.WorkerKey,
		Expiry: task.LeaseExpiry,
	}
}
