package ai

import (
	"fmt"
	"strings"
)

// Preset tunes both engines: search limits for the UCI engine and the
// candidate weighting that makes weaker levels pick sub-optimal moves.
type Preset struct {
	Name             string
	SkillLevel       int
	Threads          int
	HashMB           int
	MoveTimeMillis   int
	DepthCap         int
	MultiPV          int
	PrimaryChoices   int
	CandidateWeights []float64
	EvalNoise        int
}

const defaultThreads = 1

var presets = map[string]Preset{
	"level1": {Name: "level1", SkillLevel: 0, Threads: defaultThreads, HashMB: 16, MoveTimeMillis: 20, DepthCap: 5, MultiPV: 5, PrimaryChoices: 3, CandidateWeights: []float64{0.5, 0.3, 0.2}, EvalNoise: 80},
	"level2": {Name: "level2", SkillLevel: 0, Threads: defaultThreads, HashMB: 16, MoveTimeMillis: 60, DepthCap: 6, MultiPV: 5, PrimaryChoices: 3, CandidateWeights: []float64{0.6, 0.3, 0.1}, EvalNoise: 60},
	"level3": {Name: "level3", SkillLevel: 1, Threads: defaultThreads, HashMB: 24, MoveTimeMillis: 80, DepthCap: 8, MultiPV: 5, PrimaryChoices: 3, CandidateWeights: []float64{0.7, 0.2, 0.1}, EvalNoise: 45},
	"level4": {Name: "level4", SkillLevel: 3, Threads: defaultThreads, HashMB: 32, MoveTimeMillis: 140, DepthCap: 10, MultiPV: 5, PrimaryChoices: 3, CandidateWeights: []float64{0.65, 0.25, 0.1}, EvalNoise: 30},
	"level5": {Name: "level5", SkillLevel: 7, Threads: defaultThreads, HashMB: 48, MoveTimeMillis: 200, DepthCap: 12, MultiPV: 5, PrimaryChoices: 3, CandidateWeights: []float64{0.7, 0.2, 0.1}, EvalNoise: 25},
	"level6": {Name: "level6", SkillLevel: 11, Threads: defaultThreads, HashMB: 64, MoveTimeMillis: 300, DepthCap: 16, MultiPV: 2, PrimaryChoices: 2, CandidateWeights: []float64{0.8, 0.2}, EvalNoise: 10},
	"level7": {Name: "level7", SkillLevel: 16, Threads: defaultThreads, HashMB: 96, MoveTimeMillis: 500, DepthCap: 20, MultiPV: 2, PrimaryChoices: 2, CandidateWeights: []float64{0.85, 0.15}, EvalNoise: 5},
	"level8": {Name: "level8", SkillLevel: 20, Threads: 2, HashMB: 128, MoveTimeMillis: 1000, DepthCap: 30, MultiPV: 1, PrimaryChoices: 1, CandidateWeights: []float64{1.0}, EvalNoise: 0},
}

// GetPreset resolves a level name. beginner/intermediate/advanced/master are aliases.
func GetPreset(name string) (Preset, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "beginner":
		name = "level1"
	case "intermediate":
		name = "level5"
	case "advanced":
		name = "level7"
	case "master":
		name = "level8"
	}
	p, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown ai preset: %s", name)
	}
	p.CandidateWeights = append([]float64(nil), p.CandidateWeights...)
	return p, nil
}

func ValidatePreset(p Preset) error {
	switch {
	case p.SkillLevel < 0 || p.SkillLevel > 20:
		return fmt.Errorf("skill level %d out of range 0-20", p.SkillLevel)
	case p.Threads <= 0:
		return fmt.Errorf("threads must be > 0: %d", p.Threads)
	case p.HashMB <= 0:
		return fmt.Errorf("hash size must be > 0: %d", p.HashMB)
	case p.MultiPV <= 0:
		return fmt.Errorf("multipv must be > 0: %d", p.MultiPV)
	case p.PrimaryChoices <= 0:
		return fmt.Errorf("primary choices must be > 0: %d", p.PrimaryChoices)
	case p.PrimaryChoices > p.MultiPV:
		return fmt.Errorf("primary choices (%d) must not exceed multipv (%d)", p.PrimaryChoices, p.MultiPV)
	case len(p.CandidateWeights) < p.PrimaryChoices:
		return fmt.Errorf("candidate weights (%d) must cover primary choices (%d)", len(p.CandidateWeights), p.PrimaryChoices)
	case p.MoveTimeMillis < 0 || p.DepthCap < 0 || p.EvalNoise < 0:
		return fmt.Errorf("preset %s has negative limits", p.Name)
	}
	sum := 0.0
	for i := 0; i < p.PrimaryChoices; i++ {
		if p.CandidateWeights[i] < 0 {
			return fmt.Errorf("candidate weight at index %d is negative: %f", i, p.CandidateWeights[i])
		}
		sum += p.CandidateWeights[i]
	}
	if sum == 0 {
		return fmt.Errorf("candidate weights sum to zero")
	}
	return nil
}

// presetElo maps levels to UCI_Elo for engines that support strength limiting.
func presetElo(name string) int {
	switch name {
	case "level1":
		return 600
	case "level2":
		return 700
	case "level3":
		return 800
	case "level4":
		return 1000
	case "level5":
		return 1200
	case "level6":
		return 1400
	case "level7":
		return 1650
	case "level8":
		return 1900
	default:
		return 1500
	}
}
