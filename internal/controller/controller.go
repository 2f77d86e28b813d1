// Package controller drives the run lifecycle. It is the single entry point
// for operator and worker operations: it validates input, runs every mutation
// of a run inside one store update, folds results into the run counters,
// evaluates the SPRT and applies the resulting state transition.
package controller

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/idgen"
	"github.com/hochfrequenz/fishqueue/internal/lease"
	"github.com/hochfrequenz/fishqueue/internal/logging"
	"github.com/hochfrequenz/fishqueue/internal/runstore"
	"github.com/hochfrequenz/fishqueue/internal/scheduler"
	"github.com/hochfrequenz/fishqueue/internal/sprt"
)

// StopReasonBudget is recorded when a run played all its games without a
// statistical decision.
const StopReasonBudget = "game budget exhausted"

// Options configures a Controller. Store, Leases and Scheduler are required.
type Options struct {
	Store     runstore.Store
	Leases    *lease.Manager
	Scheduler *scheduler.Scheduler
	// Engine defaults to the pentanomial SPRT.
	Engine *sprt.Engine
	Logger *slog.Logger
	// NewID generates run ids; defaults to idgen.New.
	NewID func() string
}

// Controller orchestrates runs.
type Controller struct {
	store  runstore.Store
	leases *lease.Manager
	sched  *scheduler.Scheduler
	engine *sprt.Engine
	logger *slog.Logger
	newID  func() string

	mu        sync.RWMutex
	listeners []Listener
}

// New creates a Controller
func New(opts Options) *Controller {
	c := &Controller{
		store:  opts.Store,
		leases: opts.Leases,
		sched:  opts.Scheduler,
		engine: opts.Engine,
		logger: logging.OrDefault(opts.Logger),
		newID:  opts.NewID,
	}
	if c.engine == nil {
		c.engine = sprt.New(nil)
	}
	if c.newID == nil {
		c.newID = idgen.New
	}
	return c
}

// Engine returns the statistics engine in use.
func (c *Controller) Engine() *sprt.Engine {
	return c.engine
}

func (c *Controller) now() time.Time {
	return c.leases.Now()
}

// EventType names what happened to a run.
type EventType string

const (
	EventRunSubmitted  EventType = "run_submitted"
	EventTaskAssigned  EventType = "task_assigned"
	EventResult        EventType = "result"
	EventTaskReleased  EventType = "task_released"
	EventLeaseReclaim  EventType = "lease_reclaimed"
	EventStatusChanged EventType = "status_changed"
	EventRunUpdated    EventType = "run_updated"
)

// Event is published after a run change has been committed.
type Event struct {
	Type    EventType        `json:"type"`
	RunID   string           `json:"run_id"`
	Task    int              `json:"task"`
	Worker  string           `json:"worker,omitempty"`
	Games   int              `json:"games,omitempty"`
	Status  domain.RunStatus `json:"status,omitempty"`
	Message string           `json:"message,omitempty"`
	Time    time.Time        `json:"time"`
	// SPRT and Elo hold the evaluation at a status change.
	SPRT *sprt.Result   `json:"sprt,omitempty"`
	Elo  *sprt.Estimate `json:"elo,omitempty"`
	// Run is the committed run, for listeners that render it.
	Run *domain.Run `json:"-"`
}

// Listener receives events. Listeners run synchronously on the caller's
// goroutine and must not block.
type Listener func(Event)

// Subscribe registers a listener.
func (c *Controller) Subscribe(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Controller) emit(events ...Event) {
	c.mu.RLock()
	listeners := c.listeners
	c.mu.RUnlock()

	for _, e := range events {
		if e.Time.IsZero() {
			e.Time = c.now()
		}
		for _, l := range listeners {
			l(e)
		}
	}
}
