package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// RunConfig is what an operator submits
type RunConfig struct {
	Username string `json:"username"`
	Priority int    `json:"priority"`
	NumGames int    `json:"num_games"`
	// Threads is the number of cores each game uses
	Threads int     `json:"threads"`
	Elo0    float64 `json:"elo0"`
	Elo1    float64 `json:"elo1"`
	Alpha   float64 `json:"alpha"`
	Beta    float64 `json:"beta"`
	Info    string  `json:"info,omitempty"`
	// Args carries engine and book parameters. It must be a JSON object and
	// is never interpreted here.
	Args json.RawMessage `json:"args,omitempty"`
}

// Validate checks the SPRT bounds and budget
func (c *RunConfig) Validate() error {
	for name, v := range map[string]float64{"elo0": c.Elo0, "elo1": c.Elo1, "alpha": c.Alpha, "beta": c.Beta} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: name, Message: "must be finite"}
		}
	}
	if c.Elo0 >= c.Elo1 {
		return &ValidationError{Field: "elo1", Message: fmt.Sprintf("elo0 (%g) must be below elo1 (%g)", c.Elo0, c.Elo1)}
	}
	if c.Alpha <= 0 || c.Alpha >= 1 {
		return &ValidationError{Field: "alpha", Message: "must be in (0, 1)"}
	}
	if c.Beta <= 0 || c.Beta >= 1 {
		return &ValidationError{Field: "beta", Message: "must be in (0, 1)"}
	}
	if err := ValidateNumGames(c.NumGames); err != nil {
		return err
	}
	if c.Threads < 0 {
		return &ValidationError{Field: "threads", Message: "must not be negative"}
	}
	if len(c.Args) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(c.Args, &obj); err != nil {
			return &ValidationError{Field: "args", Message: "must be a JSON object"}
		}
	}
	return nil
}

// ValidateNumGames checks a game budget. Games are played in pairs with
// colours reversed, so a budget is a positive whole number of pairs.
func ValidateNumGames(n int) error {
	if n <= 0 {
		return &ValidationError{Field: "num_games", Message: "must be positive"}
	}
	if n%2 != 0 {
		return &ValidationError{Field: "num_games", Message: fmt.Sprintf("%d is odd, games are played in pairs", n)}
	}
	return nil
}

// CoresPerGame returns Threads, defaulting to 1
func (c *RunConfig) CoresPerGame() int {
	if c.Threads <= 0 {
		return 1
	}
	return c.Threads
}

// Run is a test of a proposed engine change against its baseline
type Run struct {
	ID         string    `json:"id"`
	Config     RunConfig `json:"config"`
	Status     RunStatus `json:"status"`
	StopReason string    `json:"stop_reason,omitempty"`
	// Outcome keeps passed, failed or stopped once the run has finished.
	Outcome   RunStatus `json:"outcome,omitempty"`
	Stats     Stats     `json:"stats"`
	Tasks     []*Task   `json:"tasks"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRun creates an active run with an empty task list
func NewRun(id string, cfg RunConfig, now time.Time) *Run {
	return &Run{
		ID:        id,
		Config:    cfg,
		Status:    RunActive,
		Tasks:     []*Task{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy
func (r *Run) Clone() *Run {
	out := *r
	if r.Config.Args != nil {
		out.Config.Args = append(json.RawMessage(nil), r.Config.Args...)
	}
	out.Tasks = make([]*Task, len(r.Tasks))
	for i, t := range r.Tasks {
		cp := *t
		out.Tasks[i] = &cp
	}
	return &out
}

// Task returns the task at index
func (r *Run) Task(index int) (*Task, error) {
	if index < 0 || index >= len(r.Tasks) {
		return nil, &NotFoundError{Kind: "task", ID: fmt.Sprintf("%s/%d", r.ID, index)}
	}
	return r.Tasks[index], nil
}

// Allocated returns the games reserved by all task slices
func (r *Run) Allocated() int {
	n := 0
	for _, t := range r.Tasks {
		n += t.NumGames
	}
	return n
}

// Unallocated returns the budget no task has reserved yet
func (r *Run) Unallocated() int {
	if n := r.Config.NumGames - r.Allocated(); n > 0 {
		return n
	}
	return 0
}

// Remaining returns requested minus committed games
func (r *Run) Remaining() int {
	if n := r.Config.NumGames - r.Stats.Games(); n > 0 {
		return n
	}
	return 0
}

// LeasedTasks counts tasks holding an unexpired lease at now
func (r *Run) LeasedTasks(now time.Time) int {
	n := 0
	for _, t := range r.Tasks {
		if t.Leased(now) {
			n++
		}
	}
	return n
}

// ActiveTasks counts tasks flagged active regardless of expiry
func (r *Run) ActiveTasks() int {
	n := 0
	for _, t := range r.Tasks {
		if t.Active {
			n++
		}
	}
	return n
}

// Recount rebuilds the aggregate counters from the task counters
func (r *Run) Recount() {
	var total Stats
	for _, t := range r.Tasks {
		total = total.Add(t.Stats)
	}
	r.Stats = total
}

// Transition moves the run to status to if the state machine allows it
func (r *Run) Transition(to RunStatus, now time.Time) error {
	if !r.Status.CanTransition(to) {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("cannot move run from %s to %s", r.Status, to)}
	}
	r.Status = to
	if to.Draining() {
		r.Outcome = to
	}
	r.UpdatedAt = now
	return nil
}
