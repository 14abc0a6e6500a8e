package store

import (
	"fmt"

	"github.com/tiezero/tiezero/game"
)

// RecordsFromSamples turns archived self-play rows into training records
// labelled with playerType. Rows keep their game and turn.
func RecordsFromSamples(rows []SampleRow, playerType string) ([]Record, error) {
	out := make([]Record, 0, len(rows))
	for i, r := range rows {
		board, err := game.BoardFromCodes(r.Board)
		if err != nil {
			return nil, fmt.Errorf("row %d (game %s): %w", i, r.GameID, err)
		}
		tile, err := game.TileFromCode(r.Tile)
		if err != nil {
			return nil, fmt.Errorf("row %d (game %s): %w", i, r.GameID, err)
		}
		out = append(out, Record{
			GameID:     r.GameID,
			Turn:       int(r.Turn),
			PlayerType: playerType,
			Board:      board,
			Tile:       tile,
			Position:   int(r.Cell),
			FinalScore: int(r.FinalScore),
		})
	}
	return out, nil
}

// RecordsFromPoints groups a flat list of sample points into games and
// returns them as training records. A point with turn 0 starts a new game,
// and a game's final score is the score after its last point. Game ids are
// prefix followed by the game's ordinal.
func RecordsFromPoints(pts []SamplePoint, prefix, playerType string) ([]Record, error) {
	var out []Record
	start := 0
	games := 0
	flush := func(end int) error {
		if end == start {
			return nil
		}
		id := fmt.Sprintf("%s%d", prefix, games)
		final := pts[end-1].ScoreAfter
		for _, p := range pts[start:end] {
			b, err := p.Board()
			if err != nil {
				return fmt.Errorf("game %s turn %d: %w", id, p.Turn, err)
			}
			if !b.IsEmpty(p.PositionPlayed) {
				return fmt.Errorf("game %s turn %d: %w", id, p.Turn, game.ErrCellOccupied)
			}
			out = append(out, Record{
				GameID:     id,
				Turn:       p.Turn,
				PlayerType: playerType,
				Board:      b,
				Tile:       p.Tile(),
				Position:   p.PositionPlayed,
				FinalScore: final,
			})
		}
		games++
		return nil
	}
	for i, p := range pts {
		if p.Turn == 0 && i > start {
			if err := flush(i); err != nil {
				return nil, err
			}
			start = i
		}
	}
	if err := flush(len(pts)); err != nil {
		return nil, err
	}
	return out, nil
}
