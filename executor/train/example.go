// Package train fits the policy, value and Q networks, either on recorded
// expert games or on the search's own self-play.
package train

import (
	"fmt"
	"math"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/executor/selfplay"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/rules"
	"github.com/tiezero/tiezero/store"
)

// Example is one position with its targets. Policy is a distribution over
// the Legal cells: one-hot on the expert move for supervised data, the
// visit distribution for self-play. Cell is the move actually played and
// carries the Q target.
type Example struct {
	Features []float32
	Tile     game.Tile
	Legal    [game.NumCells]bool
	Policy   [game.NumCells]float32
	Cell     int
	Value    float32
	Weight   float32
}

func legalMask(b *game.Board) [game.NumCells]bool {
	var m [game.NumCells]bool
	for c := range m {
		m[c] = b.IsEmpty(c)
	}
	return m
}

// SampleWeight implements the weighting schemes: uniform, score_power
// ((score/100)^power) and by_source (human wins boosted).
func SampleWeight(cfg config.Train, score int, source string, won bool) float32 {
	switch cfg.WeightScheme {
	case "score_power":
		if score <= 0 {
			return 0
		}
		return float32(math.Pow(float64(score)/100, cfg.WeightPower))
	case "by_source":
		if source == "Human" && won {
			return float32(cfg.HumanWinBoost)
		}
	}
	return 1
}

// ExamplesFromRecords encodes training CSV rows. The value target is the
// normalized final score of the recorded game.
func ExamplesFromRecords(recs []store.Record, format convert.Format, cfg config.Config) ([]Example, error) {
	out := make([]Example, 0, len(recs))
	for i, r := range recs {
		if !r.Board.IsEmpty(r.Position) {
			return nil, fmt.Errorf("record %d (%s turn %d): position %d occupied: %w", i, r.GameID, r.Turn, r.Position, game.ErrCellOccupied)
		}
		deck, err := game.DeckFor(&r.Board, r.Tile)
		if err != nil {
			return nil, fmt.Errorf("record %d (%s turn %d): %w", i, r.GameID, r.Turn, err)
		}
		ex := Example{
			Features: make([]float32, format.Size()),
			Tile:     r.Tile,
			Legal:    legalMask(&r.Board),
			Cell:     r.Position,
			Value:    float32(rules.Normalize(float64(r.FinalScore), cfg.Search.ScoreMean, cfg.Search.ScoreStd)),
			Weight:   SampleWeight(cfg.Train, r.FinalScore, r.PlayerType, r.Won),
		}
		ex.Policy[r.Position] = 1
		in := convert.Input{Board: &r.Board, Deck: &deck, Tile: r.Tile, Turn: r.Board.Filled()}
		if err := convert.Encode(ex.Features, format, in); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, ex)
	}
	return out, nil
}

// ExamplesFromSamples encodes self-play samples with the visit distribution
// as policy target and the game return as value target.
func ExamplesFromSamples(samples []selfplay.Sample, format convert.Format) ([]Example, error) {
	out := make([]Example, 0, len(samples))
	for i := range samples {
		s := &samples[i]
		ex := Example{
			Features: make([]float32, format.Size()),
			Tile:     s.Tile,
			Legal:    legalMask(&s.Board),
			Cell:     s.Cell,
			Value:    float32(s.Z),
			Weight:   1,
		}
		for c, p := range s.Policy {
			ex.Policy[c] = float32(p)
		}
		if err := s.Features(ex.Features, format); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out = append(out, ex)
	}
	return out, nil
}
