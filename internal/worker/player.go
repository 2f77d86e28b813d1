package worker

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/hochfrequenz/fishqueue/internal/domain"
)

// Player plays games for a run. PlayPair plays two games from the same
// opening with colors reversed and returns their counters, scored from the
// tested engine's side.
type Player interface {
	PlayPair(ctx context.Context, run domain.RunConfig) (domain.Stats, error)
}

// SimulatedPlayer draws game results from a logistic Elo model instead of
// running engines.
type SimulatedPlayer struct {
	win, draw float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedPlayer creates a player whose tested engine is elo points
// stronger than its baseline. drawRatio is the share of drawn games.
func NewSimulatedPlayer(elo, drawRatio float64, seed uint64) *SimulatedPlayer {
	score := 1 / (1 + math.Pow(10, -elo/400))
	drawRatio = math.Max(0, math.Min(drawRatio, 1))
	// draws cannot exceed what the expected score leaves room for
	drawRatio = math.Min(drawRatio, 2*math.Min(score, 1-score))

	return &SimulatedPlayer{
		win:  score - drawRatio/2,
		draw: drawRatio,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// game returns 2 for a win, 1 for a draw and 0 for a loss
func (p *SimulatedPlayer) game() int {
	r := p.rng.Float64()
	switch {
	case r < p.win:
		return 2
	case r < p.win+p.draw:
		return 1
	default:
		return 0
	}
}

func (p *SimulatedPlayer) PlayPair(ctx context.Context, _ domain.RunConfig) (domain.Stats, error) {
	if err := ctx.Err(); err != nil {
		return domain.Stats{}, err
	}

	p.mu.Lock()
	a, b := p.game(), p.game()
	p.mu.Unlock()

	var s domain.Stats
	for _, g := range []int{a, b} {
		switch g {
		case 2:
			s.Wins++
		case 1:
			s.Draws++
		default:
			s.Losses++
		}
	}
	// half points of the pair map onto the bucket index
	s.Pentanomial[a+b]++
	return s, nil
}
