// Package selector picks one upstream target from a filtered candidate list.
// Selection is pure with respect to its inputs: the same candidates,
// strategy, previous attempts, metrics snapshot, and random source always
// yield the same choice (modulo the random strategy's draw).
package selector

import (
	"errors"
	"math/rand"
	"sort"

	"github.com/howard-nolan/llmgateway/internal/metrics"
)

// ErrNoTarget signals an empty candidate list.
var ErrNoTarget = errors.New("no target available")

// Strategy names match the alias configuration values.
const (
	StrategyRandom      = "random"
	StrategyInOrder     = "in_order"
	StrategyCost        = "cost"
	StrategyLatency     = "latency"
	StrategyPerformance = "performance"
	StrategyUsage       = "usage"
)

// Candidate is one selectable target. Index is the target's position in the
// alias configuration, used for in_order bookkeeping and tie-breaks.
type Candidate struct {
	Index    int
	Provider string
	Model    string
	Weight   float64
	// Cost is the expected input+output USD per 1M tokens for the
	// target's model, already discounted.
	Cost float64
}

// Select returns one candidate per the strategy. previous holds target
// indexes already attempted (in_order only). stats may be nil when no
// metrics-driven strategy is in play.
func Select(cands []Candidate, strategy string, previous map[int]bool, stats metrics.Snapshot, rng *rand.Rand) (Candidate, error) {
	if len(cands) == 0 {
		return Candidate{}, ErrNoTarget
	}
	switch strategy {
	case StrategyInOrder:
		return selectInOrder(cands, previous), nil
	case StrategyCost:
		return selectBy(cands, func(c Candidate) (float64, bool) {
			return c.Cost, true
		}, false), nil
	case StrategyLatency:
		return selectBy(cands, func(c Candidate) (float64, bool) {
			st, ok := stats[c.Provider]
			if !ok || !st.HasTTFT {
				return 0, false
			}
			return float64(st.AvgTTFT), true
		}, false), nil
	case StrategyPerformance:
		return selectBy(cands, func(c Candidate) (float64, bool) {
			st, ok := stats[c.Provider]
			if !ok || !st.HasTPS {
				return 0, false
			}
			return st.AvgTPS, true
		}, true), nil
	case StrategyUsage:
		return selectBy(cands, func(c Candidate) (float64, bool) {
			return float64(stats[c.Provider].Requests), true
		}, false), nil
	default: // random
		return selectRandom(cands, rng), nil
	}
}

// selectRandom draws proportionally to weights; unset weights count as 1.
func selectRandom(cands []Candidate, rng *rand.Rand) Candidate {
	var total float64
	for _, c := range cands {
		total += weightOf(c)
	}
	draw := rng.Float64() * total
	for _, c := range cands {
		draw -= weightOf(c)
		if draw < 0 {
			return c
		}
	}
	return cands[len(cands)-1]
}

func weightOf(c Candidate) float64 {
	if c.Weight > 0 {
		return c.Weight
	}
	return 1
}

// selectInOrder returns the first candidate not yet attempted, wrapping to
// the first candidate when every index has been tried.
func selectInOrder(cands []Candidate, previous map[int]bool) Candidate {
	for _, c := range cands {
		if !previous[c.Index] {
			return c
		}
	}
	return cands[0]
}

// selectBy ranks candidates by a metric. Candidates with no observation sort
// after observed ones; ties break by configuration order.
func selectBy(cands []Candidate, metric func(Candidate) (float64, bool), higherBetter bool) Candidate {
	ranked := make([]Candidate, len(cands))
	copy(ranked, cands)
	sort.SliceStable(ranked, func(i, j int) bool {
		vi, oki := metric(ranked[i])
		vj, okj := metric(ranked[j])
		if oki != okj {
			return oki
		}
		if !oki {
			return false
		}
		if higherBetter {
			return vi > vj
		}
		return vi < vj
	})
	return ranked[0]
}
