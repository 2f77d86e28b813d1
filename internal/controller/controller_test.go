package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/lease"
	"github.com/hochfrequenz/fishqueue/internal/logging"
	"github.com/hochfrequenz/fishqueue/internal/runstore"
	"github.com/hochfrequenz/fishqueue/internal/scheduler"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctl    *Controller
	store  runstore.Store
	clock  *fakeClock
	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T, limits scheduler.Limits) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := runstore.NewMemory()
	leases := lease.NewManager(time.Minute, lease.WithClock(clock.Now), lease.WithLogger(logging.Discard()))
	n := 0
	var idMu sync.Mutex
	ctl := New(Options{
		Store:     store,
		Leases:    leases,
		Scheduler: scheduler.New(store, leases, limits, logging.Discard()),
		Logger:    logging.Discard(),
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("run-%d", n)
		},
	})
	f := &fixture{ctl: ctl, store: store, clock: clock}
	ctl.Subscribe(func(e Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) statusEvents(runID string) []domain.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.RunStatus
	for _, e := range f.events {
		if e.Type == EventStatusChanged && e.RunID == runID {
			out = append(out, e.Status)
		}
	}
	return out
}

func (f *fixture) submit(t *testing.T, games int) string {
	t.Helper()
	id, err := f.ctl.SubmitRun(context.Background(), sprtConfig(games))
	require.NoError(t, err)
	return id
}

func (f *fixture) request(t *testing.T, key string, cores int) *Assignment {
	t.Helper()
	a, err := f.ctl.RequestTask(context.Background(), worker(key, cores))
	require.NoError(t, err)
	return a
}

func (f *fixture) run(t *testing.T, id string) *domain.Run {
	t.Helper()
	r, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func sprtConfig(games int) domain.RunConfig {
	return domain.RunConfig{
		Username: "alice",
		NumGames: games,
		Elo0:     0,
		Elo1:     5,
		Alpha:    0.05,
		Beta:     0.05,
		Args:     []byte(`{"new_tag":"abc","base_tag":"def"}`),
	}
}

func worker(key string, cores int) domain.WorkerInfo {
	return domain.WorkerInfo{Username: "bob", Concurrency: cores, UniqueKey: key}
}

// pairs builds a delta from pentanomial buckets, with matching game counts.
func pairs(ll, ld, dd, dw, ww int) domain.Stats {
	return domain.Stats{
		Wins:        dw + 2*ww,
		Losses:      2*ll + ld,
		Draws:       ld + 2*dd + dw,
		Pentanomial: [5]int{ll, ld, dd, dw, ww},
	}
}

// wide slices keep a whole scenario inside one task
var wide = scheduler.Limits{MaxSliceGames: 100000, GamesPerCore: 100000}

func TestSubmitRun(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	id := f.submit(t, 1000)
	assert.Equal(t, "run-1", id)

	run := f.run(t, id)
	assert.Equal(t, domain.RunActive, run.Status)
	assert.Empty(t, run.Tasks)
	assert.JSONEq(t, `{"new_tag":"abc","base_tag":"def"}`, string(run.Config.Args))
}

func TestSubmitRun_Validation(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	tests := map[string]func(*domain.RunConfig){
		"elo0 not below elo1": func(c *domain.RunConfig) { c.Elo0 = 5 },
		"alpha zero":          func(c *domain.RunConfig) { c.Alpha = 0 },
		"beta one":            func(c *domain.RunConfig) { c.Beta = 1 },
		"no games":            func(c *domain.RunConfig) { c.NumGames = 0 },
		"args not an object":  func(c *domain.RunConfig) { c.Args = []byte(`[1,2]`) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := sprtConfig(1000)
			mutate(&cfg)
			_, err := f.ctl.SubmitRun(context.Background(), cfg)
			assert.True(t, domain.IsValidation(err), "got %v", err)
		})
	}

	runs, err := f.ctl.ListRuns(context.Background(), runstore.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected runs never enter the queue")
}

func TestRequestTask(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	assert.Nil(t, f.request(t, "k1", 4), "no runs means no work")

	id := f.submit(t, 1000)
	a := f.request(t, "k1", 4)
	require.NotNil(t, a)
	assert.Equal(t, id, a.Ref.RunID)
	assert.Equal(t, 0, a.Ref.Index)
	assert.NotEmpty(t, a.Ref.LeaseID)
	assert.Equal(t, 128, a.Games)
	assert.Equal(t, f.clock.Now().Add(time.Minute), a.Expiry)
	assert.JSONEq(t, `{"new_tag":"abc","base_tag":"def"}`, string(a.Run.Args))
}

func TestScenarioA_StrongPatchPasses(t *testing.T) {
	f := newFixture(t, scheduler.Limits{MaxSliceGames: 5000, GamesPerCore: 5000})
	id := f.submit(t, 100000)
	ctx := context.Background()

	a := f.request(t, "k1", 1)
	other := f.request(t, "k2", 1)
	require.NotNil(t, a)
	require.NotNil(t, other)

	var ack *Ack
	for seq := uint64(1); seq <= 4; seq++ {
		var err error
		ack, err = f.ctl.ReportResult(ctx, a.Ref, seq, pairs(0, 5, 40, 10, 5), false)
		require.NoError(t, err)
		require.True(t, ack.Applied)
		if seq < 4 {
			assert.True(t, ack.TaskAlive, "seq %d", seq)
			assert.Equal(t, domain.RunActive, ack.Status)
		}
	}

	assert.False(t, ack.TaskAlive)
	assert.Equal(t, domain.RunPassed, ack.Status, "the second lease is still draining")

	view, err := f.ctl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAcceptH1, view.SPRT.Decision)
	assert.InDelta(t, 3.1244, view.SPRT.LLR, 1e-3)
	assert.Equal(t, 480, view.Games)
	assert.Equal(t, 1, view.LeasedTasks)

	assert.Nil(t, f.request(t, "k3", 1), "decided runs get no new work")

	ack, err = f.ctl.ReportResult(ctx, other.Ref, 1, pairs(0, 0, 1, 0, 0), true)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFinished, ack.Status)

	run := f.run(t, id)
	assert.Equal(t, domain.RunPassed, run.Outcome)
	assert.Equal(t, []domain.RunStatus{domain.RunPassed, domain.RunFinished}, f.statusEvents(id))
}

func TestScenarioB_NullPatchFails(t *testing.T) {
	f := newFixture(t, wide)
	id := f.submit(t, 100000)
	ctx := context.Background()

	a := f.request(t, "k1", 1)
	require.NotNil(t, a)

	var ack *Ack
	for seq := uint64(1); seq <= 9; seq++ {
		var err error
		ack, err = f.ctl.ReportResult(ctx, a.Ref, seq, pairs(100, 200, 400, 200, 100), false)
		require.NoError(t, err)
		if seq < 9 {
			require.Equal(t, domain.RunActive, ack.Status, "seq %d", seq)
		}
	}

	assert.False(t, ack.TaskAlive)
	assert.Equal(t, domain.RunFinished, ack.Status)

	run := f.run(t, id)
	assert.Equal(t, domain.RunFailed, run.Outcome)
	assert.Equal(t, 18000, run.Stats.Games())
	assert.Equal(t, []domain.RunStatus{domain.RunFailed, domain.RunFinished}, f.statusEvents(id))
}

func TestScenarioC_LastSliceGoesToOneWorker(t *testing.T) {
	f := newFixture(t, scheduler.Limits{MaxSliceGames: 1000, GamesPerCore: 16})
	id := f.submit(t, 64)

	var wg sync.WaitGroup
	got := make([]*Assignment, 2)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := f.ctl.RequestTask(context.Background(), worker(fmt.Sprintf("k%d", i), 4))
			assert.NoError(t, err)
			got[i] = a
		}(i)
	}
	wg.Wait()

	assigned := 0
	for _, a := range got {
		if a != nil {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
	assert.Equal(t, 64, f.run(t, id).Allocated())
}

func TestScenarioD_ExpiredLeaseIsReclaimed(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	id := f.submit(t, 128)
	ctx := context.Background()

	a := f.request(t, "k1", 4)
	require.NotNil(t, a)

	f.clock.Advance(2 * time.Minute)
	report, err := f.ctl.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclaimed)

	run := f.run(t, id)
	task := run.Tasks[0]
	assert.False(t, task.Active)
	assert.True(t, task.Stats.IsZero())
	assert.Equal(t, 128, task.Unfilled())

	ack, err := f.ctl.ReportResult(ctx, a.Ref, 1, pairs(0, 1, 2, 1, 0), false)
	require.NoError(t, err, "lost leases are acknowledged, not failed")
	assert.False(t, ack.Applied)
	assert.False(t, ack.TaskAlive)
	assert.Equal(t, ReasonLeaseExpired, ack.Reason)
	assert.True(t, f.run(t, id).Stats.IsZero())

	b := f.request(t, "k2", 4)
	require.NotNil(t, b)
	assert.Equal(t, 0, b.Ref.Index, "reclaimed task is schedulable again")
	assert.NotEqual(t, a.Ref.LeaseID, b.Ref.LeaseID)
}

func TestReportResult_Idempotent(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	id := f.submit(t, 1000)
	ctx := context.Background()
	a := f.request(t, "k1", 4)

	first, err := f.ctl.ReportResult(ctx, a.Ref, 1, pairs(0, 1, 2, 1, 0), false)
	require.NoError(t, err)
	assert.True(t, first.Applied)
	after := f.run(t, id).Stats

	again, err := f.ctl.ReportResult(ctx, a.Ref, 1, pairs(0, 1, 2, 1, 0), false)
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.True(t, again.TaskAlive)
	assert.Equal(t, ReasonStale, again.Reason)
	assert.Equal(t, after, f.run(t, id).Stats)

	older, err := f.ctl.ReportResult(ctx, a.Ref, 0, pairs(0, 1, 2, 1, 0), false)
	require.NoError(t, err)
	assert.False(t, older.Applied)
	assert.Equal(t, after, f.run(t, id).Stats)
}

func TestReportResult_RejectsOverflow(t *testing.T) {
	f := newFixture(t, scheduler.Limits{MaxSliceGames: 16, GamesPerCore: 16})
	f.submit(t, 1000)
	a := f.request(t, "k1", 1)
	require.Equal(t, 16, a.Games)

	_, err := f.ctl.ReportResult(context.Background(), a.Ref, 1, pairs(0, 0, 9, 0, 0), false)
	assert.True(t, domain.IsCapacityExceeded(err), "got %v", err)
}

func TestReportResult_UnknownRun(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	_, err := f.ctl.ReportResult(context.Background(), domain.TaskRef{RunID: "nope"}, 1, domain.Stats{}, false)
	assert.True(t, domain.IsNotFound(err))
}

func TestReportResult_ConservationUnderConcurrency(t *testing.T) {
	f := newFixture(t, scheduler.Limits{MaxSliceGames: 1000, GamesPerCore: 1000})
	id := f.submit(t, 100000)
	ctx := context.Background()

	const workers, reports = 8, 10
	refs := make([]domain.TaskRef, workers)
	for i := range refs {
		a := f.request(t, fmt.Sprintf("k%d", i), 1)
		require.NotNil(t, a)
		refs[i] = a.Ref
	}

	var wg sync.WaitGroup
	for _, ref := range refs {
		wg.Add(1)
		go func(ref domain.TaskRef) {
			defer wg.Done()
			for seq := uint64(1); seq <= reports; seq++ {
				_, err := f.ctl.ReportResult(ctx, ref, seq, pairs(1, 1, 1, 1, 1), false)
				assert.NoError(t, err)
				// retries must not count twice
				_, err = f.ctl.ReportResult(ctx, ref, seq, pairs(1, 1, 1, 1, 1), false)
				assert.NoError(t, err)
			}
		}(ref)
	}
	wg.Wait()

	run := f.run(t, id)
	var sum domain.Stats
	for _, task := range run.Tasks {
		sum = sum.Add(task.Stats)
	}
	assert.Equal(t, sum, run.Stats)
	assert.Equal(t, workers*reports*10, run.Stats.Games())
	assert.Equal(t, domain.RunActive, run.Status)
}

func TestRequestTask_NeverOverallocates(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	id := f.submit(t, 200)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ctl.RequestTask(context.Background(), worker(fmt.Sprintf("k%d", i), 1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	run := f.run(t, id)
	assert.Equal(t, 200, run.Allocated())
	assert.Len(t, run.Tasks, 7)
}

func TestStopRun_ObservedImmediatelyAndDrains(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	id := f.submit(t, 1000)
	ctx := context.Background()

	a := f.request(t, "k1", 4)
	require.NoError(t, f.ctl.StopRun(ctx, id, "bench mismatch"))

	run := f.run(t, id)
	assert.Equal(t, domain.RunStopped, run.Status, "leased task keeps the run draining")
	assert.Equal(t, "bench mismatch", run.StopReason)
	assert.Nil(t, f.request(t, "k2", 4), "stopped runs get no new work")

	ack, err := f.ctl.ReportResult(ctx, a.Ref, 1, pairs(0, 1, 2, 1, 0), false)
	require.NoError(t, err)
	assert.True(t, ack.Applied, "in-flight results still count")
	assert.False(t, ack.TaskAlive)
	assert.Equal(t, domain.RunFinished, ack.Status)

	run = f.run(t, id)
	assert.Equal(t, 8, run.Stats.Games())
	assert.Equal(t, domain.RunStopped, run.Outcome)

	// stopping again is a no-op
	require.NoError(t, f.ctl.StopRun(ctx, id, "again"))
	assert.Equal(t, "bench mismatch", f.run(t, id).StopReason)

	assert.True(t, domain.IsNotFound(f.ctl.StopRun(ctx, "nope", "")))
}

func TestStopRun_WithoutLeasesFinishes(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	id := f.submit(t, 1000)

	require.NoError(t, f.ctl.StopRun(context.Background(), id, ""))
	run := f.run(t, id)
	assert.Equal(t, domain.RunFinished, run.Status)
	assert.Equal(t, "stopped", run.StopReason)
	assert.Equal(t, []domain.RunStatus{domain.RunStopped, domain.RunFinished}, f.statusEvents(id))
}

func TestSweep_FinishesDrainedRuns(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	id := f.submit(t, 1000)
	ctx := context.Background()

	f.request(t, "k1", 4)
	require.NoError(t, f.ctl.StopRun(ctx, id, ""))
	assert.Equal(t, domain.RunStopped, f.run(t, id).Status)

	report, err := f.ctl.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Finished, "lease still valid")

	f.clock.Advance(2 * time.Minute)
	report, err = f.ctl.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclaimed)
	assert.Equal(t, 1, report.Finished)
	assert.Equal(t, domain.RunFinished, f.run(t, id).Status)

	report, err = f.ctl.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
}

func TestBudgetExhaustedStopsRun(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	id := f.submit(t, 16)
	a := f.request(t, "k1", 4)
	require.Equal(t, 16, a.Games)

	ack, err := f.ctl.ReportResult(context.Background(), a.Ref, 1, pairs(2, 1, 2, 1, 2), false)
	require.NoError(t, err)
	assert.False(t, ack.TaskAlive)
	assert.Equal(t, domain.RunFinished, ack.Status)

	run := f.run(t, id)
	assert.Equal(t, domain.RunStopped, run.Outcome)
	assert.Equal(t, StopReasonBudget, run.StopReason)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	id := f.submit(t, 1000)
	ctx := context.Background()
	a := f.request(t, "k1", 4)

	f.clock.Advance(50 * time.Second)
	ack, err := f.ctl.Heartbeat(ctx, a.Ref)
	require.NoError(t, err)
	assert.True(t, ack.TaskAlive)

	f.clock.Advance(50 * time.Second)
	assert.Equal(t, 1, f.run(t, id).LeasedTasks(f.clock.Now()), "heartbeat renewed the lease")

	f.clock.Advance(time.Hour)
	ack, err = f.ctl.Heartbeat(ctx, a.Ref)
	require.NoError(t, err)
	assert.False(t, ack.TaskAlive)
	assert.Equal(t, ReasonLeaseExpired, ack.Reason)
}

func TestFailTask(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	id := f.submit(t, 1000)
	ctx := context.Background()
	a := f.request(t, "k1", 4)

	_, err := f.ctl.ReportResult(ctx, a.Ref, 1, pairs(0, 1, 2, 1, 0), false)
	require.NoError(t, err)

	ack, err := f.ctl.FailTask(ctx, a.Ref, "engine crashed")
	require.NoError(t, err)
	assert.True(t, ack.Applied)
	assert.False(t, ack.TaskAlive)

	run := f.run(t, id)
	assert.False(t, run.Tasks[0].Active)
	assert.Equal(t, 8, run.Stats.Games(), "committed games survive a failure")

	again, err := f.ctl.FailTask(ctx, a.Ref, "engine crashed")
	require.NoError(t, err)
	assert.Equal(t, ReasonLeaseExpired, again.Reason)

	b := f.request(t, "k2", 4)
	require.NotNil(t, b)
	assert.Equal(t, 0, b.Ref.Index)
	assert.Equal(t, 120, b.Games)
}

func TestAdjustGames(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	id := f.submit(t, 1000)
	ctx := context.Background()
	a := f.request(t, "k1", 4)
	_, err := f.ctl.ReportResult(ctx, a.Ref, 1, pairs(0, 1, 2, 1, 0), false)
	require.NoError(t, err)

	assert.True(t, domain.IsValidation(f.ctl.AdjustGames(ctx, id, 4)), "below committed games")
	assert.True(t, domain.IsValidation(f.ctl.AdjustGames(ctx, id, 0)))
	assert.True(t, domain.IsValidation(f.ctl.AdjustGames(ctx, id, 101)), "odd budget")
	assert.True(t, domain.IsNotFound(f.ctl.AdjustGames(ctx, "nope", 100)))

	require.NoError(t, f.ctl.AdjustGames(ctx, id, 100))
	run := f.run(t, id)
	assert.Equal(t, 100, run.Config.NumGames)
	assert.Equal(t, 100, run.Allocated(), "reservation trimmed to the budget")
	assert.Equal(t, 8, run.Stats.Games())

	require.NoError(t, f.ctl.AdjustGames(ctx, id, 5000))
	b := f.request(t, "k2", 4)
	require.NotNil(t, b)
	assert.Equal(t, 1, b.Ref.Index)

	require.NoError(t, f.ctl.StopRun(ctx, id, ""))
	assert.True(t, domain.IsValidation(f.ctl.AdjustGames(ctx, id, 6000)), "only active runs")
}

func TestTrimReservations_IdleFirst(t *testing.T) {
	now := time.Now()
	run := domain.NewRun("r", sprtConfig(300), now)
	run.Tasks = []*domain.Task{
		{Index: 0, NumGames: 100, Active: true, LeaseExpiry: now.Add(time.Minute)},
		{Index: 1, NumGames: 100, Stats: domain.Stats{Draws: 10}},
		{Index: 2, NumGames: 100, Active: true, LeaseExpiry: now.Add(time.Minute)},
	}

	trimReservations(run, 150, now)
	assert.Equal(t, 10, run.Tasks[1].NumGames, "idle task loses its unplayed games first")
	assert.Equal(t, 40, run.Tasks[2].NumGames)
	assert.Equal(t, 100, run.Tasks[0].NumGames)
}

func TestSetPriorityAndList(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	ctx := context.Background()
	first := f.submit(t, 1000)
	f.clock.Advance(time.Second)
	second := f.submit(t, 1000)

	views, err := f.ctl.ListRuns(ctx, runstore.ListOptions{})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, first, views[0].ID)

	require.NoError(t, f.ctl.SetPriority(ctx, second, 10))
	views, err = f.ctl.ListRuns(ctx, runstore.ListOptions{Status: domain.RunActive})
	require.NoError(t, err)
	assert.Equal(t, second, views[0].ID)

	a := f.request(t, "k1", 4)
	assert.Equal(t, second, a.Ref.RunID)

	assert.True(t, domain.IsNotFound(f.ctl.SetPriority(ctx, "nope", 1)))
}

func TestGetRunView(t *testing.T) {
	f := newFixture(t, wide)
	id := f.submit(t, 100000)
	ctx := context.Background()
	a := f.request(t, "k1", 1)
	_, err := f.ctl.ReportResult(ctx, a.Ref, 1, pairs(0, 5, 40, 10, 5), false)
	require.NoError(t, err)

	view, err := f.ctl.GetRunView(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.780938, view.SPRT.LLR, 1e-5)
	assert.InDelta(t, -2.944439, view.SPRT.Lower, 1e-5)
	assert.InDelta(t, 2.944439, view.SPRT.Upper, 1e-5)
	assert.Equal(t, domain.DecisionContinue, view.SPRT.Decision)
	assert.Equal(t, 120, view.Games)
	assert.Equal(t, 100000, view.Allocated)
	assert.Equal(t, 99880, view.Remaining)
	assert.Equal(t, 1, view.LeasedTasks)
	assert.Greater(t, view.Elo.Elo, 0.0)

	_, err = f.ctl.GetRunView(ctx, "nope")
	assert.True(t, domain.IsNotFound(err))
}

func TestEvents(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	id := f.submit(t, 1000)
	a := f.request(t, "k1", 4)
	_, err := f.ctl.ReportResult(context.Background(), a.Ref, 1, pairs(0, 1, 2, 1, 0), true)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	var types []EventType
	for _, e := range f.events {
		assert.Equal(t, id, e.RunID)
		assert.NotNil(t, e.Run)
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{EventRunSubmitted, EventTaskAssigned, EventResult, EventTaskReleased}, types)
}

func TestSubmitRun_RejectsOddBudget(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	_, err := f.ctl.SubmitRun(context.Background(), sprtConfig(3))
	assert.True(t, domain.IsValidation(err))
}

func TestOddBudgetRunStillEnds(t *testing.T) {
	f := newFixture(t, scheduler.DefaultLimits())
	ctx := context.Background()

	// runs stored before budgets had to be even
	run := domain.NewRun("legacy", sprtConfig(3), f.clock.Now())
	require.NoError(t, f.store.Create(ctx, run))

	for round := 0; round < 3; round++ {
		a := f.request(t, "k1", 4)
		if a == nil {
			break
		}
		require.Equal(t, 0, a.Games%2, "slices are whole pairs")
		delta := domain.Stats{}
		for i := 0; i < a.Games/2; i++ {
			delta = delta.Add(pairs(0, 0, 1, 0, 0))
		}
		_, err := f.ctl.ReportResult(ctx, a.Ref, 1, delta, true)
		require.NoError(t, err)
	}

	got := f.run(t, "legacy")
	assert.Equal(t, domain.RunFinished, got.Status)
	assert.Equal(t, domain.RunStopped, got.Outcome)
	assert.Equal(t, StopReasonBudget, got.StopReason)
	assert.Equal(t, 2, got.Stats.Games())
	assert.Nil(t, f.request(t, "k2", 4))

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Type == EventStatusChanged && e.Status == domain.RunStopped {
			require.NotNil(t, e.SPRT)
			require.NotNil(t, e.Elo)
			assert.Equal(t, domain.DecisionContinue, e.SPRT.Decision)
		}
	}
}
