package domain

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunActive   RunStatus = "active"
	RunPassed   RunStatus = "passed"
	RunFailed   RunStatus = "failed"
	RunStopped  RunStatus = "stopped"
	RunFinished RunStatus = "finished"
)

// runTransitions lists the allowed successor states. finished has none.
var runTransitions = map[RunStatus][]RunStatus{
	RunActive:  {RunPassed, RunFailed, RunStopped},
	RunPassed:  {RunFinished},
	RunFailed:  {RunFinished},
	RunStopped: {RunFinished},
}

// Valid reports whether s is a known status
func (s RunStatus) Valid() bool {
	switch s {
	case RunActive, RunPassed, RunFailed, RunStopped, RunFinished:
		return true
	}
	return false
}

// Draining returns true for passed, failed and stopped: no new work is
// handed out but leased tasks may still report before archival.
func (s RunStatus) Draining() bool {
	return s == RunPassed || s == RunFailed || s == RunStopped
}

// CanTransition reports whether the state machine allows s -> to
func (s RunStatus) CanTransition(to RunStatus) bool {
	for _, next := range runTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseRunStatus converts a string into a RunStatus
func ParseRunStatus(s string) (RunStatus, error) {
	st := RunStatus(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: "unknown run status " + s}
	}
	return st, nil
}

// Decision is the outcome of a sequential test evaluation
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionAcceptH1 Decision = "accept_h1"
	DecisionAcceptH0 Decision = "accept_h0"
)

// Status maps a terminal decision to the run status it drives.
// Continue maps to RunActive.
func (d Decision) Status() RunStatus {
	switch d {
	case DecisionAcceptH1:
		return RunPassed
	case DecisionAcceptH0:
		return RunFailed
	default:
		return RunActive
	}
}
