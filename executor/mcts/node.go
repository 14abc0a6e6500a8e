package mcts

import (
	"github.com/tiezero/tiezero/game"
)

const nilNode = int32(-1)

// edge is the statistics of one placement at a decision node.
type edge struct {
	cell   int8
	prior  float32
	visits int32
	value  float64 // cumulative
	chance int32   // chance node reached after placing, or nilNode
}

func (e *edge) q(fpu float64) float64 {
	if e.visits == 0 {
		return fpu
	}
	return e.value / float64(e.visits)
}

// decision is a node where the tile is known and a cell must be chosen.
// Its edges live in the engine's edge slab at [lo, hi), ordered by prior
// so that progressive widening opens them front to back.
type decision struct {
	tile   game.Tile
	turn   int
	visits int32
	value  float32 // cached value net output
	lo, hi int32
	opened int32
}

// chance follows a placement; its children are keyed by the next tile.
type chance struct {
	next [game.NumTiles]int32
}

// arena owns every node of one search. It is reset, not reallocated,
// between plans.
type arena struct {
	decisions []decision
	chances   []chance
	edges     []edge
}

func (a *arena) reset() {
	a.decisions = a.decisions[:0]
	a.chances = a.chances[:0]
	a.edges = a.edges[:0]
}

func (a *arena) newDecision(tile game.Tile, turn int) int32 {
	a.decisions = append(a.decisions, decision{tile: tile, turn: turn})
	return int32(len(a.decisions) - 1)
}

func (a *arena) newChance() int32 {
	var c chance
	for i := range c.next {
		c.next[i] = nilNode
	}
	a.chances = append(a.chances, c)
	return int32(len(a.chances) - 1)
}

func (a *arena) edgesOf(n int32) []edge {
	d := &a.decisions[n]
	return a.edges[d.lo:d.hi]
}

// child returns the edge for cell at node n, or nil if the cell was pruned
// or is occupied.
func (a *arena) child(n int32, cell int) *edge {
	es := a.edgesOf(n)
	for i := range es {
		if int(es[i].cell) == cell {
			return &es[i]
		}
	}
	return nil
}

// undo records the scratch-board writes of one simulation so they can be
// rolled back in reverse order.
type undo struct {
	cells []int
	tiles []game.Tile
}

func (u *undo) reset() {
	u.cells = u.cells[:0]
	u.tiles = u.tiles[:0]
}

func (u *undo) rollback(b *game.Board, d *game.Deck) {
	for i := len(u.tiles) - 1; i >= 0; i-- {
		_ = d.Put(u.tiles[i])
	}
	for i := len(u.cells) - 1; i >= 0; i-- {
		b.Set(u.cells[i], game.Empty)
	}
	u.reset()
}

type step struct {
	node int32
	edge int32 // absolute index into the edge slab
}
