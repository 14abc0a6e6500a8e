package rules

import (
	"fmt"
	"math/rand/v2"

	"github.com/tiezero/tiezero/game"
)

// LegalCells appends the empty cells of b to dst in ascending order.
func LegalCells(b *game.Board, dst []int) []int {
	for c := range b {
		if b[c].IsEmpty() {
			dst = append(dst, c)
		}
	}
	return dst
}

// DrawTile removes t from the deck and makes it the pending tile.
func DrawTile(s *game.State, t game.Tile) error {
	if !s.Pending.IsEmpty() {
		return fmt.Errorf("%w: tile %s already pending", game.ErrBoardInvariantViolated, s.Pending)
	}
	if err := s.Deck.Draw(t); err != nil {
		return err
	}
	s.Pending = t
	return nil
}

// DrawRandom draws a uniformly random tile from the deck and makes it the
// pending tile.
func DrawRandom(s *game.State, r *rand.Rand) (game.Tile, error) {
	if s.Deck.Len() == 0 {
		return game.Empty, fmt.Errorf("%w: deck exhausted", game.ErrTileNotInDeck)
	}
	t := s.Deck.Nth(r.IntN(s.Deck.Len()))
	if err := DrawTile(s, t); err != nil {
		return game.Empty, err
	}
	return t, nil
}

// Place puts the pending tile on cell and advances the turn.
func Place(s *game.State, cell int) error {
	if s.Pending.IsEmpty() {
		return fmt.Errorf("%w: no pending tile", game.ErrBoardInvariantViolated)
	}
	if s.Board.Full() {
		return fmt.Errorf("%w: board full at turn %d", game.ErrNoLegalMove, s.Turn)
	}
	if cell < 0 || cell >= game.NumCells {
		return fmt.Errorf("%w: cell %d out of range", game.ErrCellOccupied, cell)
	}
	if !s.Board.IsEmpty(cell) {
		return fmt.Errorf("%w: cell %d holds %s", game.ErrCellOccupied, cell, s.Board[cell])
	}
	s.Board.Set(cell, s.Pending)
	s.Pending = game.Empty
	s.Turn++
	return nil
}

// Play draws t and places it on cell in one step.
func Play(s *game.State, t game.Tile, cell int) error {
	if err := DrawTile(s, t); err != nil {
		return err
	}
	if err := Place(s, cell); err != nil {
		s.Pending = game.Empty
		_ = s.Deck.Put(t)
		return err
	}
	return nil
}

// IsGameOver reports whether every cell is filled.
func IsGameOver(s *game.State) bool {
	return s.Turn >= game.MaxTurns || s.Board.Full()
}
