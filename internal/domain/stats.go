package domain

import "fmt"

// Pentanomial bucket indexes. Each bucket counts game pairs played from the
// same opening with colors reversed, scored from the tested engine's side.
const (
	PairLL = iota // loss-loss
	PairLD        // loss-draw
	PairDD        // draw-draw or win-loss
	PairDW        // draw-win
	PairWW        // win-win
)

// Stats holds the outcome counters of a task or run. All fields only ever
// grow; merges add deltas.
type Stats struct {
	Wins        int    `json:"wins" yaml:"wins" toml:"wins"`
	Losses      int    `json:"losses" yaml:"losses" toml:"losses"`
	Draws       int    `json:"draws" yaml:"draws" toml:"draws"`
	Crashes     int    `json:"crashes" yaml:"crashes" toml:"crashes"`
	TimeLosses  int    `json:"time_losses" yaml:"time_losses" toml:"time_losses"`
	Pentanomial [5]int `json:"pentanomial" yaml:"pentanomial" toml:"pentanomial"`
}

// Pairs returns the number of game pairs in the pentanomial buckets
func (s Stats) Pairs() int {
	n := 0
	for _, c := range s.Pentanomial {
		n += c
	}
	return n
}

// Games returns the number of games the counters account for. Workers that
// only send pair buckets still count two games per pair.
func (s Stats) Games() int {
	wld := s.Wins + s.Losses + s.Draws
	if pairs := 2 * s.Pairs(); pairs > wld {
		return pairs
	}
	return wld
}

// IsZero reports whether no games are recorded
func (s Stats) IsZero() bool {
	return s == Stats{}
}

// Add returns the element-wise sum of s and o
func (s Stats) Add(o Stats) Stats {
	out := Stats{
		Wins:       s.Wins + o.Wins,
		Losses:     s.Losses + o.Losses,
		Draws:      s.Draws + o.Draws,
		Crashes:    s.Crashes + o.Crashes,
		TimeLosses: s.TimeLosses + o.TimeLosses,
	}
	for i := range out.Pentanomial {
		out.Pentanomial[i] = s.Pentanomial[i] + o.Pentanomial[i]
	}
	return out
}

// Validate checks that all counters are non-negative and that game results
// come as whole pairs: per-game tallies need pair buckets that account for
// exactly the same games.
func (s Stats) Validate() error {
	fields := []struct {
		name  string
		value int
	}{
		{"wins", s.Wins},
		{"losses", s.Losses},
		{"draws", s.Draws},
		{"crashes", s.Crashes},
		{"time_losses", s.TimeLosses},
	}
	for i, c := range s.Pentanomial {
		fields = append(fields, struct {
			name  string
			value int
		}{fmt.Sprintf("pentanomial[%d]", i), c})
	}
	for _, f := range fields {
		if f.value < 0 {
			return &ValidationError{Field: f.name, Message: "must not be negative"}
		}
	}

	wld := s.Wins + s.Losses + s.Draws
	pairs := s.Pairs()
	if wld > 0 && pairs == 0 {
		return &ValidationError{
			Field:   "pentanomial",
			Message: fmt.Sprintf("%d games reported without pair buckets", wld),
		}
	}
	if pairs > 0 && wld > 0 && wld != 2*pairs {
		return &ValidationError{
			Field:   "pentanomial",
			Message: fmt.Sprintf("%d pairs do not match %d games", pairs, wld),
		}
	}
	return nil
}
