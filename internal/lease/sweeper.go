package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/fishqueue/internal/logging"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep once a minute.
const DefaultSchedule = "@every 1m"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression or descriptor such as "@every 30s".
func ParseSchedule(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// SweepFunc performs one reclamation pass.
type SweepFunc func(ctx context.Context) error

// Sweeper periodically invokes a sweep. Overlapping passes are skipped.
type Sweeper struct {
	spec   string
	sweep  SweepFunc
	logger *slog.Logger

	mu      sync.Mutex
	lastRun time.Time
	runs    int
}

// NewSweeper validates the schedule and returns a sweeper.
func NewSweeper(spec string, sweep SweepFunc, logger *slog.Logger) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := ParseSchedule(spec); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return &Sweeper{spec: spec, sweep: sweep, logger: logging.OrDefault(logger)}, nil
}

// NextRun returns the next scheduled sweep after t.
func (s *Sweeper) NextRun(t time.Time) time.Time {
	sched, err := ParseSchedule(s.spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t)
}

// LastRun returns when the last sweep finished and how many have run.
func (s *Sweeper) LastRun() (time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.runs
}

// RunOnce performs a single sweep now.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	err := s.sweep(ctx)
	s.mu.Lock()
	s.lastRun = time.Now()
	s.runs++
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("lease sweep failed", "error", err)
	}
	return err
}

// Start runs sweeps on schedule until ctx is cancelled, then waits for an
// in-flight sweep to finish.
func (s *Sweeper) Start(ctx context.Context) error {
	clog := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}

	c.Start()
	s.logger.Info("lease sweeper started", "schedule", s.spec)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
