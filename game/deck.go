package game

import (
	"fmt"
	"math/rand/v2"
)

// Deck is the multiset of tiles that can still be drawn, stored as a count
// per canonical tile index so copying it is free.
type Deck struct {
	counts [NumTiles]uint8
	n      int
}

// FullDeck returns a deck holding each of the 27 tiles once.
func FullDeck() Deck {
	var d Deck
	for i := range d.counts {
		d.counts[i] = 1
	}
	d.n = NumTiles
	return d
}

func (d *Deck) Len() int { return d.n }

func (d *Deck) Count(t Tile) int {
	i := t.Index()
	if i < 0 {
		return 0
	}
	return int(d.counts[i])
}

func (d *Deck) Contains(t Tile) bool { return d.Count(t) > 0 }

// Draw removes one copy of t.
func (d *Deck) Draw(t Tile) error {
	i := t.Index()
	if i < 0 || d.counts[i] == 0 {
		return fmt.Errorf("%w: %s", ErrTileNotInDeck, t)
	}
	d.counts[i]--
	d.n--
	return nil
}

// Put returns one copy of t to the deck.
func (d *Deck) Put(t Tile) error {
	i := t.Index()
	if i < 0 {
		return fmt.Errorf("%w: cannot return %s to deck", ErrBoardInvariantViolated, t)
	}
	d.counts[i]++
	d.n++
	return nil
}

// Nth returns the k-th remaining tile in canonical order. Uniform draws pick
// k in [0, Len()).
func (d *Deck) Nth(k int) Tile {
	for i, c := range d.counts {
		if k < int(c) {
			return TileAt(i)
		}
		k -= int(c)
	}
	return Empty
}

// Tiles appends the remaining tiles to dst in canonical order.
func (d *Deck) Tiles(dst []Tile) []Tile {
	for i, c := range d.counts {
		for j := uint8(0); j < c; j++ {
			dst = append(dst, TileAt(i))
		}
	}
	return dst
}

// Sequence returns the remaining tiles in the order a game seeded with r
// would draw them. Paired matches replay one sequence for every agent.
func (d *Deck) Sequence(r *rand.Rand) []Tile {
	tiles := d.Tiles(make([]Tile, 0, d.n))
	r.Shuffle(len(tiles), func(i, j int) { tiles[i], tiles[j] = tiles[j], tiles[i] })
	return tiles
}

// DeckFor rebuilds the deck of a position from its board and pending tile.
// pending may be Empty.
func DeckFor(b *Board, pending Tile) (Deck, error) {
	d := FullDeck()
	for c, t := range b {
		if t.IsEmpty() {
			continue
		}
		if err := d.Draw(t); err != nil {
			return d, fmt.Errorf("cell %d: %w", c, err)
		}
	}
	if !pending.IsEmpty() {
		if err := d.Draw(pending); err != nil {
			return d, fmt.Errorf("pending: %w", err)
		}
	}
	return d, nil
}
