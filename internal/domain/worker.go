package domain

import "fmt"

// WorkerInfo describes a connected contributor. It is not persisted beyond
// the leases it holds.
type WorkerInfo struct {
	Username     string `json:"username"`
	Concurrency  int    `json:"concurrency"`
	UniqueKey    string `json:"unique_key"`
	Uname        string `json:"uname,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	Version      int    `json:"version,omitempty"`
}

// Validate checks the fields the scheduler relies on
func (w WorkerInfo) Validate() error {
	if w.Username == "" {
		return &ValidationError{Field: "username", Message: "is required"}
	}
	if w.UniqueKey == "" {
		return &ValidationError{Field: "unique_key", Message: "is required"}
	}
	if w.Concurrency <= 0 {
		return &ValidationError{Field: "concurrency", Message: "must be positive"}
	}
	return nil
}

// String returns a short display name
func (w WorkerInfo) String() string {
	key := w.UniqueKey
	if len(key) > 8 {
		key = key[:8]
	}
	return fmt.Sprintf("%s-%dcores-%s", w.Username, w.Concurrency, key)
}
