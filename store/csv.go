package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/tiezero/tiezero/game"
)

// Record is one row of the training CSV: the board before a move, the tile
// placed and where, and how the game ended.
type Record struct {
	GameID     string
	Turn       int
	PlayerType string // Human, MCTS, Hybrid or Pure
	Board      game.Board
	Tile       game.Tile
	Position   int
	FinalScore int
	Won        bool // the human beat the engine in the recorded game
}

const csvColumns = 3 + game.NumCells + 3 + 3

func csvHeader() []string {
	h := []string{"game_id", "turn", "player_type"}
	for i := 0; i < game.NumCells; i++ {
		h = append(h, fmt.Sprintf("plateau_%d", i))
	}
	return append(h, "tile_a", "tile_b", "tile_c", "position", "final_score", "result_flag")
}

// ReadTrainingCSV parses records and drops any whose final score is below
// minScore. The first row is a header.
func ReadTrainingCSV(r io.Reader, minScore int) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var out []Record
	for line := 2; ; line++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		rec, err := parseRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		if rec.FinalScore < minScore {
			continue
		}
		out = append(out, rec)
	}
}

func parseRecord(fields []string) (Record, error) {
	var rec Record
	if len(fields) < csvColumns {
		return rec, fmt.Errorf("%d columns, want %d", len(fields), csvColumns)
	}
	ints := make([]int, csvColumns)
	for i := 1; i < csvColumns-1; i++ {
		if i == 2 {
			continue
		}
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			return rec, fmt.Errorf("column %d: %w", i, err)
		}
		ints[i] = n
	}
	won, err := parseFlag(fields[csvColumns-1])
	if err != nil {
		return rec, fmt.Errorf("result_flag: %w", err)
	}

	rec.GameID = fields[0]
	rec.Turn = ints[1]
	rec.PlayerType = fields[2]
	for c := 0; c < game.NumCells; c++ {
		t, err := game.TileFromCode(int32(ints[3+c]))
		if err != nil {
			return rec, fmt.Errorf("plateau_%d: %w", c, err)
		}
		rec.Board[c] = t
	}
	k := 3 + game.NumCells
	rec.Tile = game.Tile{A: uint8(ints[k]), B: uint8(ints[k+1]), C: uint8(ints[k+2])}
	if !rec.Tile.Valid() {
		return rec, fmt.Errorf("tile %s is not a game tile", rec.Tile)
	}
	rec.Position = ints[k+3]
	if rec.Position < 0 || rec.Position >= game.NumCells {
		return rec, fmt.Errorf("position %d out of range", rec.Position)
	}
	rec.FinalScore = ints[k+4]
	rec.Won = won
	return rec, nil
}

func parseFlag(s string) (bool, error) {
	switch s {
	case "1", "true", "True":
		return true, nil
	case "0", "false", "False", "":
		return false, nil
	}
	return false, fmt.Errorf("unrecognised flag %q", s)
}

// WriteTrainingCSV writes a header followed by one row per record.
func WriteTrainingCSV(w io.Writer, recs []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader()); err != nil {
		return err
	}
	row := make([]string, 0, csvColumns)
	for _, rec := range recs {
		row = append(row[:0], rec.GameID, strconv.Itoa(rec.Turn), rec.PlayerType)
		for _, t := range rec.Board {
			row = append(row, strconv.Itoa(int(t.Code())))
		}
		won := "0"
		if rec.Won {
			won = "1"
		}
		row = append(row,
			strconv.Itoa(int(rec.Tile.A)), strconv.Itoa(int(rec.Tile.B)), strconv.Itoa(int(rec.Tile.C)),
			strconv.Itoa(rec.Position), strconv.Itoa(rec.FinalScore), won)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
