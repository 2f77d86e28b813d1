// Package worker is the agent that connects to the coordinator, leases
// slices of games and reports their results.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/idgen"
	"github.com/hochfrequenz/fishqueue/internal/logging"
	"github.com/hochfrequenz/fishqueue/internal/workerproto"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Config configures the worker
type Config struct {
	ServerURL string
	Username  string
	// Concurrency is the number of cores the worker offers; they are split
	// evenly across Slots.
	Concurrency int
	Slots       int
	Version     int
	// ReportPairs is how many game pairs go into one update.
	ReportPairs int
	// HeartbeatInterval renews the lease while a slow update is pending.
	HeartbeatInterval time.Duration
	// NoWorkDelay overrides the server's retry hint when positive.
	NoWorkDelay time.Duration
}

// Validate checks the config is valid
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Slots < 0 || c.Slots > c.Concurrency {
		return fmt.Errorf("slots must be between 1 and concurrency")
	}
	return nil
}

// Worker plays leased games with a Player
type Worker struct {
	config Config
	info   domain.WorkerInfo
	player Player
	logger *slog.Logger

	games atomic.Int64
	tasks atomic.Int64
}

// New creates a worker
func New(config Config, player Player, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Slots == 0 {
		config.Slots = 1
	}
	if config.ReportPairs <= 0 {
		config.ReportPairs = 8
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = time.Minute
	}

	return &Worker{
		config: config,
		info: domain.WorkerInfo{
			Username:    config.Username,
			Concurrency: config.Concurrency / config.Slots,
			UniqueKey:   idgen.New(),
			Version:     config.Version,
		},
		player: player,
		logger: logging.OrDefault(logger),
	}, nil
}

// Info returns what the worker registers with
func (w *Worker) Info() domain.WorkerInfo {
	return w.info
}

// GamesPlayed returns the games reported so far
func (w *Worker) GamesPlayed() int64 {
	return w.games.Load()
}

// TasksCompleted returns the number of tasks the worker finished or gave up
func (w *Worker) TasksCompleted() int64 {
	return w.tasks.Load()
}

// fatal marks errors that reconnecting cannot fix
type fatal struct{ err error }

func (f fatal) Error() string { return f.err.Error() }
func (f fatal) Unwrap() error { return f.err }

// Run works until ctx is done, reconnecting with backoff when the
// connection drops. It returns early only when the server refuses the
// worker.
func (w *Worker) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := w.session(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}
		var f fatal
		if errors.As(err, &f) {
			return f.err
		}

		delay := calculateBackoff(attempt)
		attempt++
		w.logger.Warn("disconnected from coordinator", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection until it fails
func (w *Worker) session(ctx context.Context, connected func()) error {
	client, err := Dial(ctx, w.config.ServerURL, w.info, w.logger)
	if err != nil {
		var e *workerproto.ErrorMessage
		if errors.As(err, &e) && e.Code == workerproto.CodeValidation {
			return fatal{err}
		}
		return err
	}
	defer client.Close()
	connected()
	w.logger.Info("connected to coordinator", "url", w.config.ServerURL, "worker", w.info.String(), "slots", w.config.Slots)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Slots; i++ {
		slot := i
		g.Go(func() error {
			return w.slot(gctx, client, slot)
		})
	}
	g.Go(func() error {
		select {
		case <-client.Done():
			if err := client.Err(); err != nil {
				return err
			}
			return ErrClosed
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}

// slot requests and plays tasks one after another
func (w *Worker) slot(ctx context.Context, client *Client, n int) error {
	for {
		task, retry, err := client.RequestTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var e *workerproto.ErrorMessage
			if errors.As(err, &e) && e.Code == workerproto.CodeValidation {
				return fatal{err}
			}
			return err
		}
		if task == nil {
			if w.config.NoWorkDelay > 0 {
				retry = w.config.NoWorkDelay
			}
			w.logger.Debug("no work", "slot", n, "retry_in", retry)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retry):
			}
			continue
		}

		w.logger.Info("task assigned", "slot", n, "task", task.Ref.String(), "games", task.NumGames)
		if err := w.play(ctx, client, task); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.tasks.Add(1)
	}
}

// play runs one task to completion or until the server no longer wants it
func (w *Worker) play(ctx context.Context, client *Client, task *workerproto.TaskMessage) error {
	var (
		seq      uint64
		played   int
		pending  domain.Stats
		lastSent = time.Now()
	)

	flush := func(final bool) (bool, error) {
		seq++
		ack, err := client.Update(ctx, workerproto.UpdateMessage{Ref: task.Ref, Seq: seq, Stats: pending, Final: final})
		if err != nil {
			var e *workerproto.ErrorMessage
			if errors.As(err, &e) && e.Code != workerproto.CodeInternal {
				w.logger.Warn("update rejected", "task", task.Ref.String(), "error", err)
				if _, ferr := client.Fail(ctx, task.Ref, err.Error()); ferr != nil {
					w.logger.Warn("releasing rejected task failed", "task", task.Ref.String(), "error", ferr)
					if !errors.As(ferr, &e) {
						return false, ferr
					}
				}
				return false, nil
			}
			return false, err
		}
		if ack.Applied {
			w.games.Add(int64(pending.Games()))
		}
		pending = domain.Stats{}
		lastSent = time.Now()
		return ack.TaskAlive, nil
	}

	for task.NumGames-played >= 2 {
		s, err := w.player.PlayPair(ctx, task.Run)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("game pair failed", "task", task.Ref.String(), "error", err)
			if _, ferr := client.Fail(ctx, task.Ref, err.Error()); ferr != nil {
				return ferr
			}
			return nil
		}
		pending = pending.Add(s)
		played += 2

		if task.NumGames-played < 2 {
			break
		}
		if pending.Pairs() >= w.config.ReportPairs {
			alive, err := flush(false)
			if err != nil || !alive {
				return err
			}
		} else if time.Since(lastSent) >= w.config.HeartbeatInterval {
			ack, err := client.Heartbeat(ctx, task.Ref)
			if err != nil {
				return err
			}
			lastSent = time.Now()
			if !ack.TaskAlive {
				break
			}
		}
	}

	_, err := flush(true)
	return err
}
