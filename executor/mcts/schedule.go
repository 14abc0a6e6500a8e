package mcts

import (
	"math"

	"github.com/tiezero/tiezero/config"
)

type phase int

const (
	early phase = iota
	mid
	late
)

func phaseOf(cfg *config.Search, turn int) phase {
	switch {
	case turn < cfg.MidTurn:
		return early
	case turn < cfg.LateTurn:
		return mid
	default:
		return late
	}
}

// CPuct returns the exploration constant for turn before any variance
// scaling.
func CPuct(cfg config.Search, turn int) float64 {
	switch phaseOf(&cfg, turn) {
	case early:
		return cfg.CPuctEarly
	case mid:
		return cfg.CPuctMid
	default:
		return cfg.CPuctLate
	}
}

// VarianceMultiplier scales the root c_puct by how much the children's value
// estimates disagree, measured as their standard deviation.
func VarianceMultiplier(cfg config.Search, spread float64) float64 {
	switch {
	case spread > cfg.VarianceHighThreshold:
		return cfg.VarianceHighMult
	case spread > cfg.VarianceMidThreshold:
		return cfg.VarianceMidMult
	case spread > cfg.VarianceLowThreshold:
		return cfg.VarianceLowMult
	default:
		return cfg.VarianceFloorMult
	}
}

// Simulations is the adaptive budget for turn: the base count scaled by the
// phase multiplier, rounded to the nearest integer.
func Simulations(cfg config.Search, turn int) int {
	m := cfg.SimMultMid
	switch phaseOf(&cfg, turn) {
	case early:
		m = cfg.SimMultEarly
	case late:
		m = cfg.SimMultLate
	}
	return int(math.Round(float64(cfg.Simulations) * m))
}

// Temperature interpolates linearly from TempInitial at TempDecayStart to
// TempFinal at TempDecayEnd.
func Temperature(cfg config.Search, turn int) float64 {
	if turn <= cfg.TempDecayStart {
		return cfg.TempInitial
	}
	if turn >= cfg.TempDecayEnd {
		return cfg.TempFinal
	}
	f := float64(turn-cfg.TempDecayStart) / float64(cfg.TempDecayEnd-cfg.TempDecayStart)
	return cfg.TempInitial + f*(cfg.TempFinal-cfg.TempInitial)
}

// Widen returns how many actions progressive widening exposes after n
// visits: max(min, ceil(C·n^alpha)), capped at total.
func Widen(cfg config.Search, n, total int) int {
	k := cfg.WideningMin
	if n > 0 {
		if w := int(math.Ceil(cfg.WideningC * math.Pow(float64(n), cfg.WideningAlpha))); w > k {
			k = w
		}
	}
	if k > total {
		k = total
	}
	if k < 1 && total > 0 {
		k = 1
	}
	return k
}

// PruneRatio is the fraction of lowest-prior actions dropped at expansion
// when no Q network is available.
func PruneRatio(cfg config.Search, turn int) float64 {
	switch {
	case turn < 5:
		return cfg.PruneEarly
	case turn < 10:
		return cfg.PruneMid1
	case turn < 15:
		return cfg.PruneMid2
	default:
		return cfg.PruneLate
	}
}

// Rollouts picks the rollout count from the value net's confidence: fewer
// rollouts for a clearly good position, more for a weak one.
func Rollouts(cfg config.Search, value float64) int {
	switch {
	case value > cfg.StrongValueThreshold:
		return cfg.RolloutStrong
	case value > cfg.MediumValueThreshold:
		return cfg.RolloutMedium
	case value < cfg.WeakValueThreshold:
		return cfg.RolloutWeak
	default:
		return cfg.RolloutDefault
	}
}
