package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/lease"
	"github.com/hochfrequenz/fishqueue/internal/runstore"
	"github.com/hochfrequenz/fishqueue/internal/tracing"
)

// Assignment tells a worker what to play.
type Assignment struct {
	Ref    domain.TaskRef   `json:"ref"`
	Games  int              `json:"num_games"`
	Expiry time.Time        `json:"lease_expiry"`
	Run    domain.RunConfig `json:"run"`
}

// Ack answers result reports, heartbeats and failure reports.
type Ack struct {
	// Applied is false when the report was a duplicate or arrived after the
	// lease was gone.
	Applied bool `json:"applied"`
	// TaskAlive tells the worker whether to keep playing the task.
	TaskAlive bool             `json:"task_alive"`
	Status    domain.RunStatus `json:"run_status,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// Ack reasons for reports that changed nothing.
const (
	ReasonStale        = "stale"
	ReasonLeaseExpired = "lease_expired"
)

func refAttrs(ref domain.TaskRef) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("run_id", ref.RunID),
		attribute.Int("task", ref.Index),
	}
}

// SubmitRun validates cfg and queues a new active run.
func (c *Controller) SubmitRun(ctx context.Context, cfg domain.RunConfig) (id string, err error) {
	ctx, span := tracing.Start(ctx, "controller.SubmitRun", attribute.String("username", cfg.Username))
	defer func() { tracing.End(span, err) }()

	if err := cfg.Validate(); err != nil {
		return "", err
	}

	run := domain.NewRun(c.newID(), cfg, c.now())
	if err := c.store.Create(ctx, run); err != nil {
		return "", fmt.Errorf("storing run: %w", err)
	}

	c.logger.Info("run submitted",
		"run_id", run.ID,
		"username", cfg.Username,
		"num_games", cfg.NumGames,
		"elo0", cfg.Elo0,
		"elo1", cfg.Elo1,
	)
	c.emit(Event{Type: EventRunSubmitted, RunID: run.ID, Task: -1, Games: cfg.NumGames, Status: run.Status, Run: run})
	return run.ID, nil
}

// RequestTask leases the next slice of work to the worker. It returns nil
// without error when no run has work.
func (c *Controller) RequestTask(ctx context.Context, w domain.WorkerInfo) (a *Assignment, err error) {
	ctx, span := tracing.Start(ctx, "controller.RequestTask", attribute.String("worker", w.String()))
	defer func() { tracing.End(span, err) }()

	got, err := c.sched.Next(ctx, w)
	if err != nil {
		return nil, err
	}
	if got == nil {
		c.logger.Debug("no work", "worker", w.String())
		return nil, nil
	}

	span.SetAttributes(refAttrs(got.Lease.Ref)...)
	c.emit(Event{
		Type:   EventTaskAssigned,
		RunID:  got.Run.ID,
		Task:   got.Task.Index,
		Worker: got.Task.WorkerName,
		Games:  got.Games,
		Run:    got.Run,
	})
	return &Assignment{
		Ref:    got.Lease.Ref,
		Games:  got.Games,
		Expiry: got.Lease.Expiry,
		Run:    got.Run.Config,
	}, nil
}

// ReportResult merges a result delta reported under ref. Duplicates and
// reports against a lost lease are acknowledged without effect. final ends
// the lease.
func (c *Controller) ReportResult(ctx context.Context, ref domain.TaskRef, seq uint64, delta domain.Stats, final bool) (ack *Ack, err error) {
	ctx, span := tracing.Start(ctx, "controller.ReportResult", append(refAttrs(ref), attribute.Int64("seq", int64(seq)))...)
	defer func() { tracing.End(span, err) }()

	u := c.newUpdate()
	var (
		alive  bool
		worker string
	)
	committed, err := c.store.Update(ctx, ref.RunID, func(run *domain.Run) error {
		u.reset()
		task, err := c.leases.Commit(run, ref, seq, delta)
		if err != nil {
			return err
		}
		worker = task.WorkerName
		run.Stats = run.Stats.Add(delta)
		run.UpdatedAt = u.now
		u.add(Event{Type: EventResult, RunID: run.ID, Task: ref.Index, Worker: worker, Games: delta.Games()})

		if _, err := u.decide(run); err != nil {
			return err
		}

		alive = !final && run.Status == domain.RunActive && task.Unfilled() > 0
		if !alive {
			if err := c.leases.Release(run, ref, lease.Success); err != nil {
				return err
			}
			u.add(Event{Type: EventTaskReleased, RunID: run.ID, Task: ref.Index, Worker: worker})
		}
		return u.drain(run)
	})
	if err != nil {
		return c.rejected(ctx, ref, err)
	}

	u.publish(committed)
	return &Ack{Applied: true, TaskAlive: alive, Status: committed.Status}, nil
}

// Heartbeat renews the lease under ref.
func (c *Controller) Heartbeat(ctx context.Context, ref domain.TaskRef) (ack *Ack, err error) {
	ctx, span := tracing.Start(ctx, "controller.Heartbeat", refAttrs(ref)...)
	defer func() { tracing.End(span, err) }()

	var alive bool
	committed, err := c.store.Update(ctx, ref.RunID, func(run *domain.Run) error {
		if _, err := c.leases.Renew(run, ref); err != nil {
			return err
		}
		task := run.Tasks[ref.Index]
		alive = run.Status == domain.RunActive && task.Unfilled() > 0
		return nil
	})
	if err != nil {
		return c.rejected(ctx, ref, err)
	}
	return &Ack{Applied: true, TaskAlive: alive, Status: committed.Status}, nil
}

// FailTask ends the lease under ref because the worker cannot continue. The
// task's committed games stay; the rest becomes schedulable again.
func (c *Controller) FailTask(ctx context.Context, ref domain.TaskRef, message string) (ack *Ack, err error) {
	ctx, span := tracing.Start(ctx, "controller.FailTask", refAttrs(ref)...)
	defer func() { tracing.End(span, err) }()

	u := c.newUpdate()
	committed, err := c.store.Update(ctx, ref.RunID, func(run *domain.Run) error {
		u.reset()
		task, err := c.leases.Check(run, ref)
		if err != nil {
			return err
		}
		worker := task.WorkerName
		if err := c.leases.Release(run, ref, lease.Failure); err != nil {
			return err
		}
		run.UpdatedAt = u.now
		u.add(Event{Type: EventTaskReleased, RunID: run.ID, Task: ref.Index, Worker: worker, Message: message})
		return u.drain(run)
	})
	if err != nil {
		return c.rejected(ctx, ref, err)
	}

	c.logger.Info("task failed", "task", ref.String(), "message", message)
	u.publish(committed)
	return &Ack{Applied: true, Status: committed.Status}, nil
}

// rejected turns stale and lease-expired errors into acknowledgements that
// changed nothing. Other errors are returned.
func (c *Controller) rejected(ctx context.Context, ref domain.TaskRef, err error) (*Ack, error) {
	switch {
	case domain.IsStale(err):
		ack := &Ack{Reason: ReasonStale}
		if run, gerr := c.store.Get(ctx, ref.RunID); gerr == nil {
			ack.Status = run.Status
			if task, cerr := c.leases.Check(run, ref); cerr == nil {
				ack.TaskAlive = run.Status == domain.RunActive && task.Unfilled() > 0
			}
		}
		c.logger.Debug("stale result ignored", "task", ref.String(), "error", err)
		return ack, nil
	case domain.IsLeaseExpired(err):
		ack := &Ack{Reason: ReasonLeaseExpired}
		if run, gerr := c.store.Get(ctx, ref.RunID); gerr == nil {
			ack.Status = run.Status
		}
		c.logger.Info("report for lost lease ignored", "task", ref.String())
		return ack, nil
	}
	return nil, err
}

// StopRun stops an active run; its leased tasks drain before it finishes.
// Stopping a run that is already stopped or decided changes nothing.
func (c *Controller) StopRun(ctx context.Context, runID, reason string) (err error) {
	ctx, span := tracing.Start(ctx, "controller.StopRun", attribute.String("run_id", runID))
	defer func() { tracing.End(span, err) }()

	if reason == "" {
		reason = "stopped"
	}
	u := c.newUpdate()
	committed, err := c.store.Update(ctx, runID, func(run *domain.Run) error {
		u.reset()
		if run.Status == domain.RunActive {
			if err := u.transition(run, domain.RunStopped, reason); err != nil {
				return err
			}
		}
		if err := u.drain(run); err != nil {
			return err
		}
		if len(u.events) == 0 {
			return errSkip
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	u.publish(committed)
	return nil
}

// AdjustGames changes the game budget of an active run. The budget cannot
// drop below the games already committed; reserved but unplayed games above
// the new budget are taken back, idle tasks first.
func (c *Controller) AdjustGames(ctx context.Context, runID string, newTotal int) (err error) {
	ctx, span := tracing.Start(ctx, "controller.AdjustGames",
		attribute.String("run_id", runID), attribute.Int("num_games", newTotal))
	defer func() { tracing.End(span, err) }()

	if err := domain.ValidateNumGames(newTotal); err != nil {
		return err
	}

	u := c.newUpdate()
	committed, err := c.store.Update(ctx, runID, func(run *domain.Run) error {
		u.reset()
		if run.Status != domain.RunActive {
			return &domain.ValidationError{Field: "status", Message: fmt.Sprintf("run is %s, not active", run.Status)}
		}
		if played := run.Stats.Games(); newTotal < played {
			return &domain.ValidationError{
				Field:   "num_games",
				Message: fmt.Sprintf("%d is below the %d games already played", newTotal, played),
			}
		}

		run.Config.NumGames = newTotal
		trimReservations(run, run.Allocated()-newTotal, u.now)
		run.UpdatedAt = u.now
		u.add(Event{Type: EventRunUpdated, RunID: run.ID, Task: -1, Games: newTotal})

		if _, err := u.decide(run); err != nil {
			return err
		}
		return u.drain(run)
	})
	if err != nil {
		return err
	}

	c.logger.Info("run budget adjusted", "run_id", runID, "num_games", newTotal)
	u.publish(committed)
	return nil
}

// trimReservations removes excess unplayed games from task slices, newest
// idle tasks first, then newest leased tasks.
func trimReservations(run *domain.Run, excess int, now time.Time) {
	for _, leased := range []bool{false, true} {
		for i := len(run.Tasks) - 1; i >= 0 && excess > 0; i-- {
			t := run.Tasks[i]
			if t.Leased(now) != leased {
				continue
			}
			cut := min(t.Unfilled(), excess)
			t.NumGames -= cut
			excess -= cut
		}
	}
}

// SetPriority changes the scheduling priority of an unfinished run.
func (c *Controller) SetPriority(ctx context.Context, runID string, priority int) (err error) {
	ctx, span := tracing.Start(ctx, "controller.SetPriority", attribute.String("run_id", runID))
	defer func() { tracing.End(span, err) }()

	u := c.newUpdate()
	committed, err := c.store.Update(ctx, runID, func(run *domain.Run) error {
		u.reset()
		if run.Status == domain.RunFinished {
			return &domain.ValidationError{Field: "status", Message: "run is finished"}
		}
		run.Config.Priority = priority
		run.UpdatedAt = u.now
		u.add(Event{Type: EventRunUpdated, RunID: run.ID, Task: -1})
		return nil
	})
	if err != nil {
		return err
	}
	u.publish(committed)
	return nil
}

// SweepReport summarizes one reclamation pass.
type SweepReport struct {
	Runs      int `json:"runs"`
	Reclaimed int `json:"reclaimed"`
	Finished  int `json:"finished"`
}

// Sweep reclaims expired leases across all unfinished runs and finishes
// drained runs. A failing run does not stop the sweep of the others.
func (c *Controller) Sweep(ctx context.Context) (report SweepReport, err error) {
	ctx, span := tracing.Start(ctx, "controller.Sweep")
	defer func() { tracing.End(span, err) }()

	runs, err := c.store.List(ctx, runstore.ListOptions{Unfinished: true})
	if err != nil {
		return report, fmt.Errorf("listing runs: %w", err)
	}

	now := c.now()
	var errs []error
	for _, r := range runs {
		if !r.Status.Draining() && r.ActiveTasks() == r.LeasedTasks(now) {
			continue
		}
		report.Runs++

		u := c.newUpdate()
		var reclaimed int
		committed, uerr := c.store.Update(ctx, r.ID, func(run *domain.Run) error {
			u.reset()
			reclaimed = u.reclaim(run)
			if err := u.drain(run); err != nil {
				return err
			}
			if len(u.events) == 0 {
				return errSkip
			}
			return nil
		})
		switch {
		case uerr == nil:
			report.Reclaimed += reclaimed
			if committed.Status == domain.RunFinished {
				report.Finished++
			}
			u.publish(committed)
		case errors.Is(uerr, errSkip), domain.IsNotFound(uerr):
		default:
			c.logger.Error("sweep failed", "run_id", r.ID, "error", uerr)
			errs = append(errs, uerr)
		}
	}

	if report.Reclaimed > 0 || report.Finished > 0 {
		c.logger.Info("sweep done", "runs", report.Runs, "reclaimed", report.Reclaimed, "finished", report.Finished)
	}
	return report, errors.Join(errs...)
}
