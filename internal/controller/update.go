package controller

import (
	"errors"
	"time"

	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/sprt"
)

// errSkip aborts a store update that turned out to change nothing.
var errSkip = errors.New("nothing to update")

// update collects the events of one run mutation. They are published only
// once the store committed it.
type update struct {
	c      *Controller
	now    time.Time
	events []Event
}

func (c *Controller) newUpdate() *update {
	return &update{c: c}
}

// reset starts a fresh attempt inside a store update.
func (u *update) reset() {
	u.now = u.c.now()
	u.events = u.events[:0]
}

func (u *update) add(e Event) {
	if e.Time.IsZero() {
		e.Time = u.now
	}
	u.events = append(u.events, e)
}

// publish attaches the committed run to every event and emits them.
func (u *update) publish(committed *domain.Run) {
	for i := range u.events {
		u.events[i].Run = committed
	}
	u.c.emit(u.events...)
}

func (u *update) transition(run *domain.Run, to domain.RunStatus, reason string) error {
	if err := run.Transition(to, u.now); err != nil {
		return err
	}
	if reason != "" {
		run.StopReason = reason
	}
	u.c.logger.Info("run status changed", "run_id", run.ID, "status", to, "reason", reason)
	res := u.c.engine.Evaluate(run.Stats, sprt.ParamsOf(run.Config))
	elo := u.c.engine.EstimateElo(run.Stats)
	u.add(Event{Type: EventStatusChanged, RunID: run.ID, Task: -1, Status: to, Message: reason, SPRT: &res, Elo: &elo})
	return nil
}

// decide re-evaluates an active run after its counters changed. A run whose
// remaining budget no longer holds a game pair is stopped.
func (u *update) decide(run *domain.Run) (sprt.Result, error) {
	res := u.c.engine.Evaluate(run.Stats, sprt.ParamsOf(run.Config))
	if run.Status != domain.RunActive {
		return res, nil
	}
	if st := res.Decision.Status(); st != domain.RunActive {
		u.c.logger.Info("sprt decided",
			"run_id", run.ID,
			"decision", res.Decision,
			"llr", res.LLR,
			"games", run.Stats.Games(),
		)
		return res, u.transition(run, st, "")
	}
	if run.Remaining() < 2 {
		return res, u.transition(run, domain.RunStopped, StopReasonBudget)
	}
	return res, nil
}

// reclaim unbinds expired leases of the run.
func (u *update) reclaim(run *domain.Run) int {
	idx := u.c.leases.ReclaimExpired(run)
	for _, i := range idx {
		u.add(Event{Type: EventLeaseReclaim, RunID: run.ID, Task: i})
	}
	if len(idx) > 0 {
		run.UpdatedAt = u.now
	}
	return len(idx)
}

// drain moves a decided or stopped run to finished once no task holds a lease.
func (u *update) drain(run *domain.Run) error {
	if !run.Status.Draining() {
		return nil
	}
	u.reclaim(run)
	if run.ActiveTasks() > 0 {
		return nil
	}
	return u.transition(run, domain.RunFinished, "")
}
