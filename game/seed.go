package game

import "math/rand/v2"

// Seeds holds one seed per independent random stream so that replaying a
// game with the same root reproduces every draw.
type Seeds struct {
	Draw    uint64
	Rollout uint64
	Noise   uint64
	Start   uint64
}

// SplitMix64 advances state and returns the next output of the splitmix64
// generator.
func SplitMix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// DeriveSeeds expands a root seed into the per-stream seeds.
func DeriveSeeds(root uint64) Seeds {
	st := root
	return Seeds{
		Draw:    SplitMix64(&st),
		Rollout: SplitMix64(&st),
		Noise:   SplitMix64(&st),
		Start:   SplitMix64(&st),
	}
}

// SeedPair builds seeds from an explicit (tile-draw, rollout) pair. Noise and
// random-start streams are derived from the rollout seed.
func SeedPair(draw, rollout uint64) Seeds {
	st := rollout
	SplitMix64(&st)
	return Seeds{
		Draw:    draw,
		Rollout: rollout,
		Noise:   SplitMix64(&st),
		Start:   SplitMix64(&st),
	}
}

// NewRand returns a PCG generator for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x6a09e667f3bcc909))
}
