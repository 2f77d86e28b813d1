// Package observer aggregates controller events into throughput metrics.
package observer

import (
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/fishqueue/internal/controller"
)

// Observer collects per-worker activity from controller events
type Observer struct {
	staleThreshold time.Duration
	window         time.Duration
	now            func() time.Time

	mu      sync.RWMutex
	results []result
	workers map[string]*WorkerStats
	totals  Metrics
}

type result struct {
	Worker string
	Games  int
	At     time.Time
}

// WorkerStats is what the observer knows about one worker
type WorkerStats struct {
	Name        string    `json:"name"`
	Assignments int       `json:"assignments"`
	Games       int       `json:"games"`
	Released    int       `json:"released"`
	LastSeen    time.Time `json:"last_seen"`
}

// Metrics holds aggregated metrics
type Metrics struct {
	RunsSubmitted  int     `json:"runs_submitted"`
	RunsDecided    int     `json:"runs_decided"`
	Assignments    int     `json:"assignments"`
	Games          int     `json:"games"`
	Reclaimed      int     `json:"reclaimed"`
	GamesPerMinute float64 `json:"games_per_minute"`
}

// New creates an Observer. Workers silent for longer than staleThreshold are
// reported by StaleWorkers; the games rate is computed over window.
func New(staleThreshold, window time.Duration) *Observer {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Observer{
		staleThreshold: staleThreshold,
		window:         window,
		now:            time.Now,
		workers:        make(map[string]*WorkerStats),
	}
}

// Listen is a controller.Listener.
func (o *Observer) Listen(e controller.Event) {
	at := e.Time
	if at.IsZero() {
		at = o.now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch e.Type {
	case controller.EventRunSubmitted:
		o.totals.RunsSubmitted++
	case controller.EventTaskAssigned:
		o.totals.Assignments++
		o.worker(e.Worker, at).Assignments++
	case controller.EventResult:
		o.totals.Games += e.Games
		o.worker(e.Worker, at).Games += e.Games
		o.results = append(o.results, result{Worker: e.Worker, Games: e.Games, At: at})
		o.prune(at)
	case controller.EventTaskReleased:
		o.worker(e.Worker, at).Released++
	case controller.EventLeaseReclaim:
		o.totals.Reclaimed++
	case controller.EventStatusChanged:
		if e.Status.Draining() {
			o.totals.RunsDecided++
		}
	}
}

func (o *Observer) worker(name string, at time.Time) *WorkerStats {
	if name == "" {
		name = "unknown"
	}
	w, ok := o.workers[name]
	if !ok {
		w = &WorkerStats{Name: name}
		o.workers[name] = w
	}
	if at.After(w.LastSeen) {
		w.LastSeen = at
	}
	return w
}

// prune drops results that fell out of the rate window
func (o *Observer) prune(now time.Time) {
	cutoff := now.Add(-o.window)
	i := 0
	for i < len(o.results) && o.results[i].At.Before(cutoff) {
		i++
	}
	o.results = o.results[i:]
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := o.totals
	cutoff := o.now().Add(-o.window)
	var recent int
	for _, r := range o.results {
		if !r.At.Before(cutoff) {
			recent += r.Games
		}
	}
	metrics.GamesPerMinute = float64(recent) / o.window.Minutes()
	return metrics
}

// Workers returns a snapshot of every worker seen, busiest first
func (o *Observer) Workers() []WorkerStats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]WorkerStats, 0, len(o.workers))
	for _, w := range o.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Games != out[j].Games {
			return out[i].Games > out[j].Games
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// StaleWorkers returns the workers that have not been heard from within the
// stale threshold
func (o *Observer) StaleWorkers() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.now().Add(-o.staleThreshold)
	var stale []string
	for name, w := range o.workers {
		if w.LastSeen.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	return stale
}
