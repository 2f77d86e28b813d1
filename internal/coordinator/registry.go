// Package coordinator serves the websocket worker channel. It tracks
// connected workers and forwards their requests to the controller.
package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/fishqueue/internal/domain"
)

// ConnectedWorker represents a worker connection
type ConnectedWorker struct {
	ID          string
	Info        domain.WorkerInfo
	Conn        *websocket.Conn
	ConnectedAt time.Time
	LastSeen    time.Time
	tasks       map[string]domain.TaskRef
	mu          sync.Mutex
	writeMu     sync.Mutex // protects Conn writes
}

func newConnectedWorker(info domain.WorkerInfo, conn *websocket.Conn) *ConnectedWorker {
	return &ConnectedWorker{
		ID:    info.UniqueKey,
		Info:  info,
		Conn:  conn,
		tasks: make(map[string]domain.TaskRef),
	}
}

// Touch records activity from the worker (thread-safe)
func (w *ConnectedWorker) Touch(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastSeen = t
}

// AddTask records a task leased through this connection
func (w *ConnectedWorker) AddTask(ref domain.TaskRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks[ref.String()] = ref
}

// DropTask forgets a task the worker no longer plays
func (w *ConnectedWorker) DropTask(ref domain.TaskRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if held, ok := w.tasks[ref.String()]; ok && held.LeaseID == ref.LeaseID {
		delete(w.tasks, ref.String())
	}
}

// Tasks returns the tasks currently held, ordered by reference
func (w *ConnectedWorker) Tasks() []domain.TaskRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	refs := make([]domain.TaskRef, 0, len(w.tasks))
	for _, ref := range w.tasks {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}

// Status is a snapshot of a connected worker
type Status struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Concurrency int       `json:"concurrency"`
	Version     int       `json:"version,omitempty"`
	Tasks       []string  `json:"tasks"`
	ConnectedAt time.Time `json:"connected_since"`
	LastSeen    time.Time `json:"last_seen"`
}

// GetStatus returns a snapshot of worker status fields (thread-safe)
func (w *ConnectedWorker) GetStatus() Status {
	refs := w.Tasks()
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		ID:          w.ID,
		Name:        w.Info.String(),
		Concurrency: w.Info.Concurrency,
		Version:     w.Info.Version,
		Tasks:       make([]string, 0, len(refs)),
		ConnectedAt: w.ConnectedAt,
		LastSeen:    w.LastSeen,
	}
	for _, ref := range refs {
		s.Tasks = append(s.Tasks, ref.String())
	}
	return s
}

// WriteMessage sends a message to the worker connection (thread-safe)
func (w *ConnectedWorker) WriteMessage(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.Conn.WriteMessage(messageType, data)
}

// Registry tracks connected workers
type Registry struct {
	workers map[string]*ConnectedWorker
	mu      sync.RWMutex
}

// NewRegistry creates a new worker registry
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*ConnectedWorker),
	}
}

// Register adds a worker to the registry, replacing a previous connection
// with the same id
func (r *Registry) Register(w *ConnectedWorker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	w.ConnectedAt = now
	w.LastSeen = now
	r.workers[w.ID] = w
}

// Unregister removes w if it is still the registered connection for its id
func (r *Registry) Unregister(w *ConnectedWorker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workers[w.ID] == w {
		delete(r.workers, w.ID)
	}
}

// Get returns a worker by ID
func (r *Registry) Get(id string) *ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

// Count returns the number of connected workers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// All returns all connected workers
func (r *Registry) All() []*ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ConnectedWorker, 0, len(r.workers))
	for _, w := range r.workers {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// TotalCores returns the sum of the concurrency of all workers
func (r *Registry) TotalCores() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, w := range r.workers {
		total += w.Info.Concurrency
	}
	return total
}
