package game

import (
	"fmt"
	"strings"
)

const (
	NumCells      = 19
	NumLines      = 15
	NumDirections = 3
)

// Direction selects which band of a tile a line reads.
type Direction uint8

const (
	DirA Direction = iota
	DirB
	DirC
)

// Line is a run of cells compared on a single band.
type Line struct {
	Dir   Direction
	Cells []int
}

func (l Line) Len() int { return len(l.Cells) }

// Lines lists the scoring lines, five per direction. Within a direction the
// lines partition the board, so every cell lies on exactly three lines.
var Lines = [NumLines]Line{
	{DirA, []int{0, 1, 2}},
	{DirA, []int{3, 4, 5, 6}},
	{DirA, []int{7, 8, 9, 10, 11}},
	{DirA, []int{12, 13, 14, 15}},
	{DirA, []int{16, 17, 18}},
	{DirB, []int{0, 3, 7}},
	{DirB, []int{1, 4, 8, 12}},
	{DirB, []int{2, 5, 9, 13, 16}},
	{DirB, []int{6, 10, 14, 17}},
	{DirB, []int{11, 15, 18}},
	{DirC, []int{7, 12, 16}},
	{DirC, []int{3, 8, 13, 17}},
	{DirC, []int{0, 4, 9, 14, 18}},
	{DirC, []int{1, 5, 10, 15}},
	{DirC, []int{2, 6, 11}},
}

// CellLines[cell][dir] is the index into Lines of the line through cell
// running in direction dir.
var CellLines [NumCells][NumDirections]int

func init() {
	for li, l := range Lines {
		for _, c := range l.Cells {
			CellLines[c][l.Dir] = li
		}
	}
}

// Board is the 19-cell hexagon, indexed row by row from the top.
type Board [NumCells]Tile

// Set writes t into cell and returns the tile it replaced, so callers can
// undo the write.
func (b *Board) Set(cell int, t Tile) Tile {
	prev := b[cell]
	b[cell] = t
	return prev
}

func (b *Board) IsEmpty(cell int) bool { return b[cell].IsEmpty() }

// Filled counts the occupied cells.
func (b *Board) Filled() int {
	n := 0
	for _, t := range b {
		if !t.IsEmpty() {
			n++
		}
	}
	return n
}

func (b *Board) Full() bool { return b.Filled() == NumCells }

// Codes returns the packed tile codes of every cell.
func (b *Board) Codes() [NumCells]int32 {
	var out [NumCells]int32
	for i, t := range b {
		out[i] = t.Code()
	}
	return out
}

// BoardFromCodes rebuilds a board from packed tile codes.
func BoardFromCodes(codes []int32) (Board, error) {
	var b Board
	if len(codes) != NumCells {
		return b, fmt.Errorf("board needs %d cells, got %d", NumCells, len(codes))
	}
	for i, c := range codes {
		t, err := TileFromCode(c)
		if err != nil {
			return b, fmt.Errorf("cell %d: %w", i, err)
		}
		b[i] = t
	}
	return b, nil
}

// String renders the hexagon as five indented rows.
func (b Board) String() string {
	var sb strings.Builder
	for r := 0; r < 5; r++ {
		row := Lines[r].Cells
		sb.WriteString(strings.Repeat("    ", 5-len(row)))
		for _, c := range row {
			if b[c].IsEmpty() {
				sb.WriteString("  .     ")
				continue
			}
			fmt.Fprintf(&sb, "%d%d%d     ", b[c].A, b[c].B, b[c].C)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
