// Package game defines the core types of a Take It Easy game.
//
// These types hold only what the rules, the feature encoders and the search
// need. Board and Deck are fixed-size values, so a State copies by
// assignment and the search can mutate a scratch board and undo its writes.
package game

import "fmt"

// MaxTurns is the number of placements in a complete game.
const MaxTurns = NumCells

// State is a game in progress. Pending is the tile drawn for the current
// turn, or Empty between turns.
type State struct {
	Board   Board
	Deck    Deck
	Turn    int
	Pending Tile
}

// NewState returns a game at turn 0 with an empty board and a full deck.
func NewState() *State {
	return &State{Deck: FullDeck()}
}

// Clone copies the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// Validate checks that placed tiles, the pending tile and the deck together
// account for each tile exactly once, and that the turn counter matches the
// number of placed tiles.
func (s *State) Validate() error {
	var seen [NumTiles]int
	placed := 0
	for cell, t := range s.Board {
		if t.IsEmpty() {
			continue
		}
		i := t.Index()
		if i < 0 {
			return fmt.Errorf("%w: cell %d holds malformed tile %s", ErrBoardInvariantViolated, cell, t)
		}
		seen[i]++
		placed++
	}
	if s.Turn != placed {
		return fmt.Errorf("%w: turn %d but %d tiles placed", ErrBoardInvariantViolated, s.Turn, placed)
	}
	if !s.Pending.IsEmpty() {
		i := s.Pending.Index()
		if i < 0 {
			return fmt.Errorf("%w: malformed pending tile %s", ErrBoardInvariantViolated, s.Pending)
		}
		seen[i]++
	}
	for i := range seen {
		if seen[i]+int(s.Deck.counts[i]) != 1 {
			return fmt.Errorf("%w: tile %s accounted %d times", ErrBoardInvariantViolated, TileAt(i), seen[i]+int(s.Deck.counts[i]))
		}
	}
	return nil
}

func (s *State) String() string {
	return fmt.Sprintf("turn=%d pending=%s deck=%d\n%s", s.Turn, s.Pending, s.Deck.Len(), s.Board)
}
