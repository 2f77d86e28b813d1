package lease

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/logging"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(ttl time.Duration) (*Manager, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := 0
	m := NewManager(ttl,
		WithClock(clock.Now),
		WithIDs(func() string { n++; return fmt.Sprintf("lease-%d", n) }),
		WithLogger(logging.Discard()),
	)
	return m, clock
}

func newTestRun(slices ...int) *domain.Run {
	run := domain.NewRun("r1", domain.RunConfig{
		Username: "alice", NumGames: 1000, Elo0: 0, Elo1: 5, Alpha: 0.05, Beta: 0.05,
	}, time.Now())
	for i, n := range slices {
		run.Tasks = append(run.Tasks, &domain.Task{Index: i, NumGames: n})
	}
	return run
}

var worker = domain.WorkerInfo{Username: "bob", Concurrency: 4, UniqueKey: "conn-1"}

func pairs(ll, ld, dd, dw, ww int) domain.Stats {
	p := [5]int{ll, ld, dd, dw, ww}
	return domain.Stats{
		Wins:        dw + 2*ww,
		Losses:      2*ll + ld,
		Draws:       ld + 2*dd + dw,
		Pentanomial: p,
	}
}

func TestAcquire(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	run := newTestRun(100)

	l, err := m.Acquire(run, 0, worker)
	if err != nil {
		t.Fatal(err)
	}
	task := run.Tasks[0]
	if !task.Active {
		t.Error("task should be active")
	}
	if task.WorkerKey != "conn-1" {
		t.Errorf("WorkerKey = %q, want conn-1", task.WorkerKey)
	}
	if l.Ref.LeaseID != "lease-1" || task.LeaseID != "lease-1" {
		t.Errorf("LeaseID = %q/%q, want lease-1", l.Ref.LeaseID, task.LeaseID)
	}
	if want := clock.Now().Add(time.Minute); !l.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", l.Expiry, want)
	}

	if _, err := m.Acquire(run, 0, worker); !errors.Is(err, ErrTaskLeased) {
		t.Errorf("second Acquire error = %v, want ErrTaskLeased", err)
	}
	if _, err := m.Acquire(run, 5, worker); !domain.IsNotFound(err) {
		t.Errorf("Acquire unknown task error = %v, want NotFoundError", err)
	}
}

func TestAcquire_AfterExpiryRestartsSequence(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	run := newTestRun(100)

	first, _ := m.Acquire(run, 0, worker)
	if _, err := m.Commit(run, first.Ref, 3, pairs(0, 1, 2, 1, 0)); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)
	second, err := m.Acquire(run, 0, domain.WorkerInfo{Username: "carol", Concurrency: 2, UniqueKey: "conn-2"})
	if err != nil {
		t.Fatalf("Acquire after expiry error = %v", err)
	}
	if second.Ref.LeaseID == first.Ref.LeaseID {
		t.Error("new lease should get a new id")
	}
	if run.Tasks[0].Seq != 0 {
		t.Errorf("Seq = %d, want 0 for a fresh lease", run.Tasks[0].Seq)
	}
	if run.Tasks[0].Played() != 8 {
		t.Errorf("Played = %d, want committed games kept", run.Tasks[0].Played())
	}
	if _, err := m.Commit(run, second.Ref, 1, pairs(0, 0, 1, 0, 0)); err != nil {
		t.Errorf("Commit under new lease error = %v", err)
	}
}

func TestCheck(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	run := newTestRun(100)
	l, _ := m.Acquire(run, 0, worker)

	if _, err := m.Check(run, l.Ref); err != nil {
		t.Errorf("Check valid lease error = %v", err)
	}

	wrong := l.Ref
	wrong.LeaseID = "other"
	if _, err := m.Check(run, wrong); !domain.IsLeaseExpired(err) {
		t.Errorf("Check wrong lease error = %v, want LeaseExpiredError", err)
	}

	clock.Advance(time.Minute)
	if _, err := m.Check(run, l.Ref); !domain.IsLeaseExpired(err) {
		t.Errorf("Check at expiry error = %v, want LeaseExpiredError", err)
	}
}

func TestRenew(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	run := newTestRun(100)
	l, _ := m.Acquire(run, 0, worker)

	clock.Advance(50 * time.Second)
	renewed, err := m.Renew(run, l.Ref)
	if err != nil {
		t.Fatal(err)
	}
	if want := clock.Now().Add(time.Minute); !renewed.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", renewed.Expiry, want)
	}

	clock.Advance(50 * time.Second)
	if _, err := m.Check(run, l.Ref); err != nil {
		t.Errorf("renewed lease should still be valid: %v", err)
	}

	clock.Advance(time.Hour)
	if _, err := m.Renew(run, l.Ref); !domain.IsLeaseExpired(err) {
		t.Errorf("Renew expired lease error = %v, want LeaseExpiredError", err)
	}
}

func TestCommit(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	run := newTestRun(16)
	l, _ := m.Acquire(run, 0, worker)

	clock.Advance(30 * time.Second)
	task, err := m.Commit(run, l.Ref, 1, pairs(0, 1, 2, 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if task.Played() != 8 {
		t.Errorf("Played = %d, want 8", task.Played())
	}
	if task.Seq != 1 {
		t.Errorf("Seq = %d, want 1", task.Seq)
	}
	if want := clock.Now().Add(time.Minute); !task.LeaseExpiry.Equal(want) {
		t.Errorf("LeaseExpiry = %v, want renewed %v", task.LeaseExpiry, want)
	}

	// same sequence again
	_, err = m.Commit(run, l.Ref, 1, pairs(0, 1, 2, 1, 0))
	var stale *domain.StaleResultError
	if !errors.As(err, &stale) {
		t.Fatalf("duplicate Commit error = %v, want StaleResultError", err)
	}
	if stale.Applied != 1 {
		t.Errorf("Applied = %d, want 1", stale.Applied)
	}
	if task.Played() != 8 {
		t.Errorf("Played = %d after duplicate, want 8", task.Played())
	}

	// more than the slice has left
	_, err = m.Commit(run, l.Ref, 2, pairs(0, 0, 5, 0, 0))
	if !domain.IsCapacityExceeded(err) {
		t.Errorf("overflowing Commit error = %v, want CapacityExceededError", err)
	}

	// malformed delta
	_, err = m.Commit(run, l.Ref, 3, domain.Stats{Wins: -1})
	if !domain.IsValidation(err) {
		t.Errorf("negative Commit error = %v, want ValidationError", err)
	}

	if task.Seq != 1 {
		t.Errorf("Seq = %d after rejected commits, want 1", task.Seq)
	}
}

func TestRelease(t *testing.T) {
	for _, outcome := range []Outcome{Success, Failure} {
		t.Run(outcome.String(), func(t *testing.T) {
			m, _ := newTestManager(time.Minute)
			run := newTestRun(16)
			l, _ := m.Acquire(run, 0, worker)
			m.Commit(run, l.Ref, 1, pairs(0, 1, 2, 1, 0))

			if err := m.Release(run, l.Ref, outcome); err != nil {
				t.Fatal(err)
			}
			task := run.Tasks[0]
			if task.Active || task.LeaseID != "" || task.WorkerKey != "" {
				t.Errorf("task still bound after release: %+v", task)
			}
			if task.Played() != 8 {
				t.Errorf("Played = %d, want committed games kept", task.Played())
			}
			if err := m.Release(run, l.Ref, outcome); !domain.IsLeaseExpired(err) {
				t.Errorf("second Release error = %v, want LeaseExpiredError", err)
			}
		})
	}
}

func TestReclaimExpired(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	run := newTestRun(16, 16, 16)

	l0, _ := m.Acquire(run, 0, worker)
	m.Acquire(run, 1, worker)

	clock.Advance(30 * time.Second)
	m.Commit(run, l0.Ref, 1, pairs(0, 0, 1, 0, 0))
	m.Acquire(run, 2, worker)

	if got := m.ReclaimExpired(run); len(got) != 0 {
		t.Errorf("reclaimed %v before expiry, want none", got)
	}

	clock.Advance(31 * time.Second)
	got := m.ReclaimExpired(run)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("reclaimed %v, want [1]", got)
	}
	if run.Tasks[1].Active {
		t.Error("task 1 should be inactive")
	}
	if !run.Tasks[0].Active {
		t.Error("task 0 was renewed by its commit and should stay active")
	}

	clock.Advance(time.Hour)
	got = m.ReclaimExpired(run)
	if len(got) != 2 {
		t.Fatalf("reclaimed %v, want tasks 0 and 2", got)
	}
	if run.Tasks[0].Played() != 2 {
		t.Errorf("Played = %d, want committed games kept", run.Tasks[0].Played())
	}
	if run.LeasedTasks(clock.Now()) != 0 {
		t.Errorf("LeasedTasks = %d, want 0", run.LeasedTasks(clock.Now()))
	}
}

func TestNewManager_DefaultTTL(t *testing.T) {
	if got := NewManager(0).TTL(); got != DefaultTTL {
		t.Errorf("TTL = %v, want %v", got, DefaultTTL)
	}
}
