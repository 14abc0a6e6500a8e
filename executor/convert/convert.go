package convert

import (
	"fmt"
	"sync"

	"github.com/tiezero/tiezero/game"
)

const (
	GridSide  = 5
	GridCells = GridSide * GridSide

	// NodeFeatures is the width of one per-cell vector in the Nodes format.
	// It carries the same values as the canonical Grid47 planes.
	NodeFeatures = 47

	maxPlacementDelta = 9*5 + 7*5 + 8*5
	maxLinePotential  = 9 * 5
)

// Format selects a feature layout.
type Format int

const (
	Grid47 Format = iota
	Grid37
	Grid95
	Nodes
)

func (f Format) String() string {
	switch f {
	case Grid37:
		return "grid37"
	case Grid47:
		return "grid47"
	case Grid95:
		return "grid95"
	case Nodes:
		return "nodes"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseFormat is the inverse of String.
func ParseFormat(s string) (Format, error) {
	for _, f := range []Format{Grid47, Grid37, Grid95, Nodes} {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown feature format %q", s)
}

// Channels is C for grid formats and F for the node format.
func (f Format) Channels() int {
	switch f {
	case Grid37:
		return 37
	case Grid95:
		return 95
	}
	return 47
}

// Size is the number of float32 values one encoded position occupies.
func (f Format) Size() int {
	if f == Nodes {
		return game.NumCells * NodeFeatures
	}
	return f.Channels() * GridCells
}

// Shape is the per-sample tensor shape, without the batch dimension.
func (f Format) Shape() []int64 {
	if f == Nodes {
		return []int64{game.NumCells, NodeFeatures}
	}
	return []int64{int64(f.Channels()), GridSide, GridSide}
}

// gridIndex maps a board cell to its row-major position on the 5×5 grid.
// Rows follow the a-lines; the grid corners left over are always zero.
var gridIndex = [game.NumCells]int{
	1, 2, 3,
	6, 7, 8, 9,
	10, 11, 12, 13, 14,
	15, 16, 17, 18,
	21, 22, 23,
}

// GridIndex returns the row-major grid position of cell.
func GridIndex(cell int) int { return gridIndex[cell] }

// Input is everything the encoders read. A nil Deck is reconstructed from
// the board and the current tile.
type Input struct {
	Board *game.Board
	Deck  *game.Deck
	Tile  game.Tile
	Turn  int
}

var pools sync.Map

func poolFor(f Format) *sync.Pool {
	if p, ok := pools.Load(f); ok {
		return p.(*sync.Pool)
	}
	size := f.Size()
	p, _ := pools.LoadOrStore(f, &sync.Pool{
		New: func() interface{} {
			b := make([]float32, size)
			return &b
		},
	})
	return p.(*sync.Pool)
}

// GetBuffer returns a pooled buffer sized for f.
func GetBuffer(f Format) *[]float32 {
	return poolFor(f).Get().(*[]float32)
}

// PutBuffer returns a buffer obtained from GetBuffer.
func PutBuffer(f Format, b *[]float32) {
	poolFor(f).Put(b)
}

// Encode writes the features of in into dst, which must hold f.Size()
// values. Every value of dst is overwritten.
func Encode(dst []float32, f Format, in Input) error {
	if len(dst) < f.Size() {
		return fmt.Errorf("encode %s: buffer holds %d values, need %d", f, len(dst), f.Size())
	}
	if in.Board == nil {
		return fmt.Errorf("encode %s: nil board", f)
	}
	var ctx context
	ctx.reset(in)
	dst = dst[:f.Size()]
	clear(dst)

	switch f {
	case Grid47:
		var v [NodeFeatures]float32
		for c := 0; c < game.NumCells; c++ {
			ctx.cell47(c, v[:])
			g := gridIndex[c]
			for ch, x := range v {
				dst[ch*GridCells+g] = x
			}
		}
	case Nodes:
		for c := 0; c < game.NumCells; c++ {
			ctx.cell47(c, dst[c*NodeFeatures:(c+1)*NodeFeatures])
		}
	case Grid37:
		var v [37]float32
		for c := 0; c < game.NumCells; c++ {
			ctx.cell37(c, v[:])
			g := gridIndex[c]
			for ch, x := range v {
				dst[ch*GridCells+g] = x
			}
		}
	case Grid95:
		var v [95]float32
		for c := 0; c < game.NumCells; c++ {
			ctx.cell47(c, v[:NodeFeatures])
			ctx.cellLines(c, v[NodeFeatures:])
			g := gridIndex[c]
			for ch, x := range v {
				dst[ch*GridCells+g] = x
			}
		}
	default:
		return fmt.Errorf("encode: unknown format %d", int(f))
	}
	return nil
}

// EncodeBatch writes len(ins) samples back to back into dst.
func EncodeBatch(dst []float32, f Format, ins []Input) error {
	size := f.Size()
	if len(dst) < size*len(ins) {
		return fmt.Errorf("encode batch %s: buffer holds %d values, need %d", f, len(dst), size*len(ins))
	}
	for i, in := range ins {
		if err := Encode(dst[i*size:(i+1)*size], f, in); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
	}
	return nil
}
