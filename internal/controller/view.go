package controller

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/runstore"
	"github.com/hochfrequenz/fishqueue/internal/sprt"
	"github.com/hochfrequenz/fishqueue/internal/tracing"
)

// RunView is a read-only projection of a run for display.
type RunView struct {
	*domain.Run
	SPRT        sprt.Result   `json:"sprt"`
	Elo         sprt.Estimate `json:"elo"`
	Games       int           `json:"games"`
	Allocated   int           `json:"allocated"`
	Remaining   int           `json:"remaining"`
	LeasedTasks int           `json:"leased_tasks"`
}

// View projects a run snapshot.
func (c *Controller) View(run *domain.Run) *RunView {
	return &RunView{
		Run:         run,
		SPRT:        c.engine.Evaluate(run.Stats, sprt.ParamsOf(run.Config)),
		Elo:         c.engine.EstimateElo(run.Stats),
		Games:       run.Stats.Games(),
		Allocated:   run.Allocated(),
		Remaining:   run.Remaining(),
		LeasedTasks: run.LeasedTasks(c.now()),
	}
}

// GetRunView returns the current state of one run.
func (c *Controller) GetRunView(ctx context.Context, runID string) (v *RunView, err error) {
	ctx, span := tracing.Start(ctx, "controller.GetRunView", attribute.String("run_id", runID))
	defer func() { tracing.End(span, err) }()

	run, err := c.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return c.View(run), nil
}

// ListRuns returns views of the matching runs in scheduling order.
func (c *Controller) ListRuns(ctx context.Context, opts runstore.ListOptions) (views []*RunView, err error) {
	ctx, span := tracing.Start(ctx, "controller.ListRuns")
	defer func() { tracing.End(span, err) }()

	runs, err := c.store.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	views = make([]*RunView, 0, len(runs))
	for _, r := range runs {
		views = append(views, c.View(r))
	}
	return views, nil
}
