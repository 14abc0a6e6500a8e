package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/tiezero/tiezero/game"
)

// SamplePoint is one move exchanged with external solvers. PlateauState is
// the 19 tiles flattened as (a, b, c) triples, zeros for empty cells.
type SamplePoint struct {
	PlateauState   [game.NumCells * 3]int32 `json:"plateau_state"`
	TilePlayed     [3]int32                 `json:"tile_played"`
	PositionPlayed int                      `json:"position_played"`
	Turn           int                      `json:"turn"`
	ScoreAfter     int                      `json:"score_after"`
}

// NewSamplePoint records placing t on cell of b, which scored scoreAfter.
func NewSamplePoint(b *game.Board, t game.Tile, cell, turn, scoreAfter int) SamplePoint {
	var p SamplePoint
	for c, tile := range b {
		p.PlateauState[3*c] = int32(tile.A)
		p.PlateauState[3*c+1] = int32(tile.B)
		p.PlateauState[3*c+2] = int32(tile.C)
	}
	p.TilePlayed = [3]int32{int32(t.A), int32(t.B), int32(t.C)}
	p.PositionPlayed = cell
	p.Turn = turn
	p.ScoreAfter = scoreAfter
	return p
}

// Board rebuilds the plateau, rejecting triples that are not game tiles.
func (p SamplePoint) Board() (game.Board, error) {
	var b game.Board
	for c := range b {
		t := game.Tile{
			A: uint8(p.PlateauState[3*c]),
			B: uint8(p.PlateauState[3*c+1]),
			C: uint8(p.PlateauState[3*c+2]),
		}
		if !t.IsEmpty() && !t.Valid() {
			return b, fmt.Errorf("cell %d holds %s", c, t)
		}
		b[c] = t
	}
	return b, nil
}

func (p SamplePoint) Tile() game.Tile {
	return game.Tile{A: uint8(p.TilePlayed[0]), B: uint8(p.TilePlayed[1]), C: uint8(p.TilePlayed[2])}
}

// ReadSamplePoints decodes a JSON array of points.
func ReadSamplePoints(r io.Reader) ([]SamplePoint, error) {
	var pts []SamplePoint
	if err := json.NewDecoder(r).Decode(&pts); err != nil {
		return nil, fmt.Errorf("decode sample points: %w", err)
	}
	for i, p := range pts {
		if p.PositionPlayed < 0 || p.PositionPlayed >= game.NumCells {
			return nil, fmt.Errorf("sample point %d: position %d out of range", i, p.PositionPlayed)
		}
		if !p.Tile().Valid() {
			return nil, fmt.Errorf("sample point %d: tile %s is not a game tile", i, p.Tile())
		}
	}
	return pts, nil
}

// WriteSamplePointsFile writes pts as JSON through a temporary sibling.
func WriteSamplePointsFile(path string, pts []SamplePoint) error {
	raw, err := json.MarshalIndent(pts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sample points: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write sample points: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename sample points: %w", err)
	}
	return nil
}

// WriteSamplePoints encodes pts to w.
func WriteSamplePoints(w io.Writer, pts []SamplePoint) error {
	return json.NewEncoder(w).Encode(pts)
}
