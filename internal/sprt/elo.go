package sprt

import (
	"math"

	"github.com/hochfrequenz/fishqueue/internal/domain"
)

// Score returns the expected score of a side that is elo stronger
func Score(elo float64) float64 {
	return 1 / (1 + math.Pow(10, -elo/400))
}

// Elo is the inverse of Score. Scores outside (0, 1) map to ±Inf.
func Elo(score float64) float64 {
	if score <= 0 {
		return math.Inf(-1)
	}
	if score >= 1 {
		return math.Inf(1)
	}
	return -400 * math.Log10(1/score-1)
}

// Estimate is an Elo point estimate with a 95% confidence interval
type Estimate struct {
	Elo    float64 `json:"elo"`
	Lower  float64 `json:"elo_lower"`
	Upper  float64 `json:"elo_upper"`
	Margin float64 `json:"elo_margin"`
}

// EstimateElo derives the logistic Elo difference from the counters
func (e *Engine) EstimateElo(s domain.Stats) Estimate {
	n, mean, variance := e.model.Summarize(s)
	if n == 0 {
		return Estimate{}
	}
	dev := 1.959964 * math.Sqrt(variance/n)
	lo, hi := clampScore(mean-dev), clampScore(mean+dev)
	est := Estimate{
		Elo:   Elo(clampScore(mean)),
		Lower: Elo(lo),
		Upper: Elo(hi),
	}
	est.Margin = (est.Upper - est.Lower) / 2
	return est
}

func clampScore(s float64) float64 {
	const edge = 1e-6
	return math.Min(math.Max(s, edge), 1-edge)
}
