package sprt

import (
	"fmt"

	"github.com/hochfrequenz/fishqueue/internal/domain"
)

// epsilon replaces empty outcome buckets so that the variance of a sample
// with a single populated bucket stays positive.
const epsilon = 1e-3

// Model reduces counters to a sample size, a mean score per sample and the
// variance of that score.
type Model interface {
	Name() string
	Summarize(s domain.Stats) (n, mean, variance float64)
}

var (
	pentanomialScores = []float64{0, 0.25, 0.5, 0.75, 1}
	trinomialScores   = []float64{0, 0.5, 1}
)

// Pentanomial uses game pairs as samples. Reported results always carry pair
// buckets; counters built without them fall back to the trinomial summary.
type Pentanomial struct{}

func (Pentanomial) Name() string { return "pentanomial" }

func (Pentanomial) Summarize(s domain.Stats) (n, mean, variance float64) {
	if s.Pairs() == 0 {
		return Trinomial{}.Summarize(s)
	}
	return summarize(s.Pentanomial[:], pentanomialScores)
}

// Trinomial uses single games as samples, ignoring pair correlation
type Trinomial struct{}

func (Trinomial) Name() string { return "trinomial" }

func (Trinomial) Summarize(s domain.Stats) (n, mean, variance float64) {
	return summarize([]int{s.Losses, s.Draws, s.Wins}, trinomialScores)
}

func summarize(counts []int, scores []float64) (n, mean, variance float64) {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0, 0, 0
	}

	weights := make([]float64, len(counts))
	for i, c := range counts {
		weights[i] = float64(c)
		if c == 0 {
			weights[i] = epsilon
		}
		n += weights[i]
	}
	for i, w := range weights {
		mean += w * scores[i]
	}
	mean /= n
	for i, w := range weights {
		d := scores[i] - mean
		variance += w * d * d
	}
	variance /= n
	return n, mean, variance
}

// ModelByName returns the model registered under name
func ModelByName(name string) (Model, error) {
	switch name {
	case "", "pentanomial":
		return Pentanomial{}, nil
	case "trinomial":
		return Trinomial{}, nil
	}
	return nil, fmt.Errorf("unknown stats model %q", name)
}
