// Package idgen wraps the UUID generator so tests can stub it. Callers treat
// identifiers as opaque strings.
package idgen

import "github.com/google/uuid"

// NewFunc produces identifiers. Tests may replace it.
var NewFunc = func() string { return uuid.New().String() }

// New returns a new globally unique identifier.
func New() string { return NewFunc() }
