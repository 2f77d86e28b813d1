//go:build integration

package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/fishqueue/internal/apiclient"
	"github.com/hochfrequenz/fishqueue/internal/controller"
	"github.com/hochfrequenz/fishqueue/internal/coordinator"
	"github.com/hochfrequenz/fishqueue/internal/httpapi"
	"github.com/hochfrequenz/fishqueue/internal/lease"
	"github.com/hochfrequenz/fishqueue/internal/logging"
	"github.com/hochfrequenz/fishqueue/internal/notify"
	"github.com/hochfrequenz/fishqueue/internal/observer"
	"github.com/hochfrequenz/fishqueue/internal/runstore"
	"github.com/hochfrequenz/fishqueue/internal/scheduler"
	"github.com/hochfrequenz/fishqueue/internal/worker"
)

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "runs.db")
}

// recorder collects notifications
type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recorder) Send(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) Notifications() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

// stack is a complete server wired the way fishq serve wires it
type stack struct {
	Store    runstore.Store
	Ctl      *controller.Controller
	Observer *observer.Observer
	Notified *recorder
	API      *apiclient.Client
	WSURL    string
}

func startStack(t *testing.T, dbPath string) *stack {
	t.Helper()
	logger := logging.Discard()

	store, err := runstore.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	leases := lease.NewManager(time.Minute, lease.WithLogger(logger))
	ctl := controller.New(controller.Options{
		Store:     store,
		Leases:    leases,
		Scheduler: scheduler.New(store, leases, scheduler.DefaultLimits(), logger),
		Logger:    logger,
	})

	obs := observer.New(time.Minute, time.Minute)
	ctl.Subscribe(obs.Listen)

	rec := &recorder{}
	dispatcher := notify.NewDispatcher(rec, 16, logger)
	ctl.Subscribe(dispatcher.Listen)

	ctx, cancel := context.WithCancel(context.Background())
	dispatched := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatched)
	}()

	coord := coordinator.New(coordinator.Config{}, ctl, logger)
	server := httpapi.New(httpapi.Options{
		Controller:    ctl,
		Coordinator:   coord,
		WebSocketPath: "/ws",
		Observer:      obs,
		Logger:        logger,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Hub().Close()
		ts.Close()
		cancel()
		<-dispatched
	})

	return &stack{
		Store:    store,
		Ctl:      ctl,
		Observer: obs,
		Notified: rec,
		API:      apiclient.New(ts.URL),
		WSURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

// startWorker runs a simulated worker until the test ends
func startWorker(t *testing.T, url, name string, elo float64, seed uint64) *worker.Worker {
	t.Helper()
	w, err := worker.New(worker.Config{
		ServerURL:   url,
		Username:    name,
		Concurrency: 4,
		Slots:       2,
		ReportPairs: 8,
		NoWorkDelay: 20 * time.Millisecond,
	}, worker.NewSimulatedPlayer(elo, 0.4, seed), logging.Discard())
	if err != nil {
		t.Fatalf("creating worker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}
