package game

import "errors"

var (
	ErrTileNotInDeck          = errors.New("tile not in deck")
	ErrNoLegalMove            = errors.New("no legal move")
	ErrCellOccupied           = errors.New("cell occupied")
	ErrBoardInvariantViolated = errors.New("board invariant violated")
)
