package convert

import (
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/rules"
)

// Per-cell layout of the canonical 47 features (Grid47 planes, Nodes rows):
//
//	0..2   placed tile bands / 9
//	3      empty mask
//	4..6   current tile bands / 9
//	7      turn / 19
//	8..16  placed tile one-hot, three slots per direction
//	17..25 current tile one-hot
//	26..34 remaining deck tiles per band value / 9
//	35..37 fill ratio of the incident line per direction
//	38..40 incident line can still score with the current tile
//	41..43 incident line potential / 45
//	44     score gained by placing the current tile here / 120
//	45     number of length-5 lines through the cell / 3
//	46     board mask
//
// Grid37 keeps the one-hot, deck and line planes without the raw bands.
// Grid95 appends per-line membership, band and fill planes and a phase
// one-hot to the 47 canonical planes.

var longLines [game.NumCells]float32

func init() {
	for c := 0; c < game.NumCells; c++ {
		n := 0
		for _, li := range game.CellLines[c] {
			if game.Lines[li].Len() == 5 {
				n++
			}
		}
		longLines[c] = float32(n) / 3
	}
}

// slot returns the one-hot position of band in direction d.
func slot(d game.Direction, band uint8) int {
	var bands [3]uint8
	switch d {
	case game.DirA:
		bands = game.BandsA
	case game.DirB:
		bands = game.BandsB
	default:
		bands = game.BandsC
	}
	for i, b := range bands {
		if b == band {
			return int(d)*3 + i
		}
	}
	return -1
}

type context struct {
	board     game.Board
	tile      game.Tile
	turn      float32
	lines     [game.NumLines]rules.LineState
	potential [game.NumLines]float32
	deckBands [9]float32
	tileHot   [9]float32
	phase     [3]float32
}

// reset fills ctx from in. Encode keeps ctx on its stack so steady-state
// encoding does not allocate.
func (ctx *context) reset(in Input) {
	*ctx = context{}
	// Anything that is not a playable tile encodes as empty.
	for c, t := range in.Board {
		if t.Valid() {
			ctx.board[c] = t
		}
	}
	if in.Tile.Valid() {
		ctx.tile = in.Tile
	}

	turn := in.Turn
	if turn < 0 {
		turn = 0
	}
	if turn > game.MaxTurns {
		turn = game.MaxTurns
	}
	ctx.turn = float32(turn) / game.MaxTurns
	switch {
	case turn < 5:
		ctx.phase[0] = 1
	case turn < 16:
		ctx.phase[1] = 1
	default:
		ctx.phase[2] = 1
	}

	var deck game.Deck
	if in.Deck != nil {
		deck = *in.Deck
	} else {
		deck = game.FullDeck()
		for _, t := range ctx.board {
			if !t.IsEmpty() {
				_ = deck.Draw(t)
			}
		}
		if !ctx.tile.IsEmpty() {
			_ = deck.Draw(ctx.tile)
		}
	}
	for i := 0; i < game.NumTiles; i++ {
		t := game.TileAt(i)
		n := float32(deck.Count(t))
		if n == 0 {
			continue
		}
		for d := game.Direction(0); d < game.NumDirections; d++ {
			ctx.deckBands[slot(d, t.Band(d))] += n / 9
		}
	}

	if !ctx.tile.IsEmpty() {
		for d := game.Direction(0); d < game.NumDirections; d++ {
			ctx.tileHot[slot(d, ctx.tile.Band(d))] = 1
		}
	}

	for li := range game.Lines {
		ctx.lines[li] = rules.LineStatus(&ctx.board, li)
		ctx.potential[li] = float32(rules.LinePotential(&ctx.board, li) / maxLinePotential)
	}
}

func (ctx *context) placedHot(c int, v []float32) {
	t := ctx.board[c]
	if t.IsEmpty() {
		return
	}
	for d := game.Direction(0); d < game.NumDirections; d++ {
		v[slot(d, t.Band(d))] = 1
	}
}

func (ctx *context) compatible(li int, d game.Direction) float32 {
	if ctx.tile.IsEmpty() {
		return 0
	}
	st := ctx.lines[li]
	if st.Compatible && (st.Filled == 0 || st.Band == ctx.tile.Band(d)) {
		return 1
	}
	return 0
}

func (ctx *context) placementDelta(c int) float32 {
	if ctx.tile.IsEmpty() || !ctx.board[c].IsEmpty() {
		return 0
	}
	return float32(rules.ScoreDelta(&ctx.board, c, ctx.tile)) / maxPlacementDelta
}

func (ctx *context) cell47(c int, v []float32) {
	clear(v[:NodeFeatures])
	t := ctx.board[c]
	for d := game.Direction(0); d < game.NumDirections; d++ {
		v[d] = float32(t.Band(d)) / 9
		v[4+d] = float32(ctx.tile.Band(d)) / 9

		li := game.CellLines[c][d]
		st := ctx.lines[li]
		v[35+d] = float32(st.Filled) / float32(game.Lines[li].Len())
		v[38+d] = ctx.compatible(li, d)
		v[41+d] = ctx.potential[li]
	}
	if t.IsEmpty() {
		v[3] = 1
	}
	v[7] = ctx.turn
	ctx.placedHot(c, v[8:17])
	copy(v[17:26], ctx.tileHot[:])
	copy(v[26:35], ctx.deckBands[:])
	v[44] = ctx.placementDelta(c)
	v[45] = longLines[c]
	v[46] = 1
}

func (ctx *context) cell37(c int, v []float32) {
	clear(v[:37])
	ctx.placedHot(c, v[0:9])
	if !ctx.board[c].IsEmpty() {
		v[9] = 1
	}
	copy(v[10:19], ctx.tileHot[:])
	v[19] = ctx.turn
	copy(v[20:29], ctx.deckBands[:])
	for d := game.Direction(0); d < game.NumDirections; d++ {
		li := game.CellLines[c][d]
		v[29+d] = float32(ctx.lines[li].Filled) / float32(game.Lines[li].Len())
		v[32+d] = ctx.compatible(li, d)
	}
	v[35] = ctx.placementDelta(c)
	v[36] = 1
}

// cellLines fills the 48 line planes Grid95 adds after the canonical 47.
func (ctx *context) cellLines(c int, v []float32) {
	clear(v[:48])
	for _, li := range game.CellLines[c] {
		st := ctx.lines[li]
		v[li] = 1
		if st.Compatible && st.Filled > 0 {
			v[game.NumLines+li] = float32(st.Band) / 9
		}
		v[2*game.NumLines+li] = float32(st.Filled) / float32(game.Lines[li].Len())
	}
	copy(v[45:48], ctx.phase[:])
}
