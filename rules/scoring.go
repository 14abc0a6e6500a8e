package rules

import (
	"github.com/tiezero/tiezero/game"
)

// LineScore returns band × length when every cell of the line holds the same
// band, and 0 otherwise. Empty cells carry band 0 and so always zero the line.
func LineScore(b *game.Board, line int) int32 {
	l := game.Lines[line]
	band := b[l.Cells[0]].Band(l.Dir)
	if band == 0 {
		return 0
	}
	for _, c := range l.Cells[1:] {
		if b[c].Band(l.Dir) != band {
			return 0
		}
	}
	return int32(band) * int32(l.Len())
}

// Score sums the fifteen line scores.
func Score(b *game.Board) int32 {
	var total int32
	for li := range game.Lines {
		total += LineScore(b, li)
	}
	return total
}

// ScoreDelta returns the change in board score from placing t on cell. The
// board is restored before returning.
func ScoreDelta(b *game.Board, cell int, t game.Tile) int32 {
	lines := game.CellLines[cell]
	var before, after int32
	for _, li := range lines {
		before += LineScore(b, li)
	}
	prev := b.Set(cell, t)
	for _, li := range lines {
		after += LineScore(b, li)
	}
	b.Set(cell, prev)
	return after - before
}

// Normalize maps a raw score into [-1, 1] via (score - mean) / std.
func Normalize(score, mean, std float64) float64 {
	if std <= 0 {
		std = 1
	}
	v := (score - mean) / std
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}
