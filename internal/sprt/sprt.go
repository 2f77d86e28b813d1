package sprt

import (
	"math"

	"github.com/hochfrequenz/fishqueue/internal/domain"
)

// Params are the two hypotheses and the error rates of the test
type Params struct {
	Elo0  float64 `json:"elo0"`
	Elo1  float64 `json:"elo1"`
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// ParamsOf extracts the test parameters of a run configuration
func ParamsOf(cfg domain.RunConfig) Params {
	return Params{Elo0: cfg.Elo0, Elo1: cfg.Elo1, Alpha: cfg.Alpha, Beta: cfg.Beta}
}

// Bounds returns the lower and upper LLR decision boundaries
func (p Params) Bounds() (lower, upper float64) {
	return math.Log(p.Beta / (1 - p.Alpha)), math.Log((1 - p.Beta) / p.Alpha)
}

// Result is one evaluation of the test
type Result struct {
	LLR      float64         `json:"llr"`
	Lower    float64         `json:"lower_bound"`
	Upper    float64         `json:"upper_bound"`
	Decision domain.Decision `json:"decision"`
}

// Engine evaluates counters with a fixed Model
type Engine struct {
	model Model
}

// New creates an Engine. A nil model selects the pentanomial model.
func New(model Model) *Engine {
	if model == nil {
		model = Pentanomial{}
	}
	return &Engine{model: model}
}

// Model returns the engine's variance model
func (e *Engine) Model() Model {
	return e.model
}

// LLR returns the log-likelihood ratio of elo1 against elo0
func (e *Engine) LLR(s domain.Stats, elo0, elo1 float64) float64 {
	n, mean, variance := e.model.Summarize(s)
	if n == 0 || variance <= 0 {
		return 0
	}
	s0, s1 := Score(elo0), Score(elo1)
	return n * (s1 - s0) * (2*mean - s0 - s1) / (2 * variance)
}

// Evaluate computes the LLR and compares it with the test boundaries
func (e *Engine) Evaluate(s domain.Stats, p Params) Result {
	lower, upper := p.Bounds()
	res := Result{Lower: lower, Upper: upper, Decision: domain.DecisionContinue}
	if s.Games() == 0 {
		return res
	}

	res.LLR = e.LLR(s, p.Elo0, p.Elo1)
	switch {
	case res.LLR >= upper:
		res.Decision = domain.DecisionAcceptH1
	case res.LLR <= lower:
		res.Decision = domain.DecisionAcceptH0
	}
	return res
}

// Evaluate runs the pentanomial test on s
func Evaluate(s domain.Stats, elo0, elo1, alpha, beta float64) domain.Decision {
	return New(nil).Evaluate(s, Params{Elo0: elo0, Elo1: elo1, Alpha: alpha, Beta: beta}).Decision
}
