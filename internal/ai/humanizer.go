package ai

import (
	"errors"
	"math"
	"math/rand"
)

// Candidate is one scored move, best first when in a slice.
type Candidate struct {
	Move   string
	EvalCP int
	Forced bool
}

var errNoCandidates = errors.New("no candidates to choose from")

// SelectCandidate picks among the top PrimaryChoices by CandidateWeights.
// A forced candidate in that window is always taken.
func SelectCandidate(p Preset, candidates []Candidate, r *rand.Rand) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, errNoCandidates
	}
	if err := ValidatePreset(p); err != nil {
		return Candidate{}, err
	}

	limit := p.PrimaryChoices
	if limit > len(candidates) {
		limit = len(candidates)
	}
	for i := 0; i < limit; i++ {
		if candidates[i].Forced {
			return jitter(p, candidates[i], r), nil
		}
	}

	total := 0.0
	for i := 0; i < limit; i++ {
		total += p.CandidateWeights[i]
	}
	if total == 0 {
		return Candidate{}, errors.New("candidate weights sum to zero")
	}

	threshold := r.Float64() * total
	index := 0
	for i := 0; i < limit; i++ {
		threshold -= p.CandidateWeights[i]
		if threshold <= 0 {
			index = i
			break
		}
	}
	return jitter(p, candidates[index], r), nil
}

func jitter(p Preset, c Candidate, r *rand.Rand) Candidate {
	if p.EvalNoise > 0 {
		offset := r.Intn(2*p.EvalNoise+1) - p.EvalNoise
		c.EvalCP = saturatingAdd(c.EvalCP, offset)
	}
	return c
}

func saturatingAdd(a, b int) int {
	sum := int64(a) + int64(b)
	if sum > math.MaxInt {
		return math.MaxInt
	}
	if sum < math.MinInt {
		return math.MinInt
	}
	return int(sum)
}
