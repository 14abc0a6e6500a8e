package inference

import (
	"fmt"
	"math"

	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/game"
)

// Heuristic is a hand-written approximator that reads the line planes of the
// canonical features. Its policy and Q values are the one-step greedy
// placement value (score gained plus line potential gained), so search with
// it behaves like a greedy player with lookahead.
type Heuristic struct {
	format    convert.Format
	Scale     float32 // multiplies placement values into logits
	ScoreMean float64
	ScoreStd  float64
}

// NewHeuristic accepts the formats that carry the canonical 47 planes.
func NewHeuristic(format convert.Format) (*Heuristic, error) {
	switch format {
	case convert.Grid47, convert.Grid95, convert.Nodes:
	default:
		return nil, fmt.Errorf("heuristic approximator cannot read %s features", format)
	}
	return &Heuristic{format: format, Scale: 1, ScoreMean: 140, ScoreStd: 40}, nil
}

// Set exposes all three capabilities.
func (h *Heuristic) Set() Set {
	return Set{Format: h.format, Policy: h, Value: h, Q: h}
}

func (h *Heuristic) at(features []float32, cell, ch int) float32 {
	if h.format == convert.Nodes {
		return features[cell*convert.NodeFeatures+ch]
	}
	return features[ch*convert.GridCells+convert.GridIndex(cell)]
}

func round(x float32) int { return int(math.Round(float64(x))) }

// placement reconstructs rules.PlacementValue from the encoded planes.
func (h *Heuristic) placement(features []float32, cell int, tile game.Tile) float32 {
	if h.at(features, cell, 3) == 0 || tile.IsEmpty() {
		return 0
	}
	var gain float32
	for d := game.Direction(0); d < game.NumDirections; d++ {
		li := game.CellLines[cell][d]
		n := float32(game.Lines[li].Len())
		filled := float32(round(h.at(features, cell, 35+int(d)) * n))
		before := h.at(features, cell, 41+int(d)) * 45

		lineBand := round(h.at(features, cell, 41+int(d)) * 45 * (1 + n) / (n * (1 + filled)))
		after := float32(0)
		broken := before == 0 && filled > 0
		if !broken && (filled == 0 || lineBand == int(tile.Band(d))) {
			after = float32(tile.Band(d)) * n * (2 + filled) / (1 + n)
			if filled+1 == n {
				gain += float32(tile.Band(d)) * n
			}
		}
		gain += after - before
	}
	return gain
}

func (h *Heuristic) featureTile(features []float32) game.Tile {
	// The tile planes are broadcast, so any board cell carries them.
	return game.Tile{
		A: uint8(round(h.at(features, 0, 4) * 9)),
		B: uint8(round(h.at(features, 0, 5) * 9)),
		C: uint8(round(h.at(features, 0, 6) * 9)),
	}
}

func (h *Heuristic) Policy(features []float32) (Logits, error) {
	if len(features) < h.format.Size() {
		return Logits{}, fmt.Errorf("heuristic: got %d features, want %d", len(features), h.format.Size())
	}
	tile := h.featureTile(features)
	var out Logits
	for c := range out {
		out[c] = h.Scale * h.placement(features, c, tile)
	}
	return out, nil
}

func (h *Heuristic) Q(features []float32, tile game.Tile) (Logits, error) {
	if len(features) < h.format.Size() {
		return Logits{}, fmt.Errorf("heuristic: got %d features, want %d", len(features), h.format.Size())
	}
	if tile.IsEmpty() {
		tile = h.featureTile(features)
	}
	var out Logits
	for c := range out {
		out[c] = h.placement(features, c, tile)
	}
	return out, nil
}

// Value compares the summed line potential against the share of the mean
// final score expected by this turn.
func (h *Heuristic) Value(features []float32) (float32, error) {
	if len(features) < h.format.Size() {
		return 0, fmt.Errorf("heuristic: got %d features, want %d", len(features), h.format.Size())
	}
	var projection float64
	for c := 0; c < game.NumCells; c++ {
		for d := 0; d < game.NumDirections; d++ {
			li := game.CellLines[c][d]
			projection += float64(h.at(features, c, 41+d)) * 45 / float64(game.Lines[li].Len())
		}
	}
	progress := float64(h.at(features, 0, 7))
	expected := h.ScoreMean * progress
	return float32(math.Tanh((projection - expected) / h.ScoreStd)), nil
}

// Uniform is the network-free approximator: flat priors, neutral values.
type Uniform struct{}

func (Uniform) Policy([]float32) (Logits, error)       { return Logits{}, nil }
func (Uniform) Value([]float32) (float32, error)       { return 0, nil }
func (Uniform) Q([]float32, game.Tile) (Logits, error) { return Logits{}, nil }
