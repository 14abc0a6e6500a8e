package rules

import (
	"math/rand/v2"

	"github.com/tiezero/tiezero/game"
)

// LineState summarises the placed tiles of a line: the band they share, how
// many cells are filled, and whether the placed bands still agree.
type LineState struct {
	Band       uint8
	Filled     int
	Compatible bool
}

// LineStatus inspects one line.
func LineStatus(b *game.Board, line int) LineState {
	l := game.Lines[line]
	st := LineState{Compatible: true}
	for _, c := range l.Cells {
		if b[c].IsEmpty() {
			continue
		}
		band := b[c].Band(l.Dir)
		st.Filled++
		if st.Band == 0 {
			st.Band = band
		} else if band != st.Band {
			st.Compatible = false
		}
	}
	return st
}

// LinePotential estimates what a line is worth given its progress. A
// compatible line with f of L cells filled on band v is worth
// v × L × (1+f)/(1+L), which equals its score once complete and favours
// longer lines when started. Broken or untouched lines are worth 0.
func LinePotential(b *game.Board, line int) float64 {
	st := LineStatus(b, line)
	if !st.Compatible || st.Filled == 0 {
		return 0
	}
	n := float64(game.Lines[line].Len())
	return float64(st.Band) * n * float64(1+st.Filled) / (1 + n)
}

// Potential sums LinePotential over the board. On a full board it equals
// Score.
func Potential(b *game.Board) float64 {
	var total float64
	for li := range game.Lines {
		total += LinePotential(b, li)
	}
	return total
}

// PotentialDelta is the change in Potential from placing t on cell. The
// board is restored before returning.
func PotentialDelta(b *game.Board, cell int, t game.Tile) float64 {
	lines := game.CellLines[cell]
	var before, after float64
	for _, li := range lines {
		before += LinePotential(b, li)
	}
	prev := b.Set(cell, t)
	for _, li := range lines {
		after += LinePotential(b, li)
	}
	b.Set(cell, prev)
	return after - before
}

// AlignmentScore places t on cell and sums, over the three incident lines,
// the mean band value of the occupied cells. A lone tile scores a+b+c.
func AlignmentScore(b *game.Board, cell int, t game.Tile) float64 {
	prev := b.Set(cell, t)
	defer b.Set(cell, prev)

	var score float64
	for _, li := range game.CellLines[cell] {
		l := game.Lines[li]
		sum, n := 0, 0
		for _, c := range l.Cells {
			if v := b[c].Band(l.Dir); v != 0 {
				sum += int(v)
				n++
			}
		}
		if n > 0 {
			score += float64(sum) / float64(n)
		}
	}
	return score
}

// CompletionPotential averages, over the lines through cell, the filled
// fraction of each still-compatible line weighted by band/9. The result is in
// [0, 1].
func CompletionPotential(b *game.Board, cell int) float64 {
	var total float64
	for _, li := range game.CellLines[cell] {
		st := LineStatus(b, li)
		if !st.Compatible || st.Filled == 0 {
			continue
		}
		total += float64(st.Filled) / float64(game.Lines[li].Len()) * float64(st.Band) / 9
	}
	return total / game.NumDirections
}

// PlacementValue is the one-step greedy value of placing t on cell: the
// realised score change plus the change in potential.
func PlacementValue(b *game.Board, cell int, t game.Tile) float64 {
	return float64(ScoreDelta(b, cell, t)) + PotentialDelta(b, cell, t)
}

// GreedyCell returns the legal cell maximising PlacementValue for t, breaking
// ties on the smallest cell index. It returns -1 if legal is empty.
func GreedyCell(b *game.Board, t game.Tile, legal []int) (int, float64) {
	best, bestVal := -1, 0.0
	for _, c := range legal {
		v := PlacementValue(b, c, t)
		if best < 0 || v > bestVal || (v == bestVal && c < best) {
			best, bestVal = c, v
		}
	}
	return best, bestVal
}

// Rollout plays the board to completion with tiles drawn uniformly from the
// deck. Each placement is greedy with probability greedyRate and uniformly
// random otherwise. It returns the final score. Board and deck are copies, so
// the caller's values are untouched.
func Rollout(b game.Board, d game.Deck, r *rand.Rand, greedyRate float64) int32 {
	var buf [game.NumCells]int
	for {
		legal := LegalCells(&b, buf[:0])
		if len(legal) == 0 || d.Len() == 0 {
			break
		}
		t := d.Nth(r.IntN(d.Len()))
		_ = d.Draw(t)

		cell := legal[r.IntN(len(legal))]
		if r.Float64() < greedyRate {
			cell, _ = GreedyCell(&b, t, legal)
		}
		b.Set(cell, t)
	}
	return Score(&b)
}
