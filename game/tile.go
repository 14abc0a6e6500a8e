package game

import "fmt"

// NumTiles is the size of a full deck: one tile per band combination.
const NumTiles = 27

var (
	BandsA = [3]uint8{1, 5, 9}
	BandsB = [3]uint8{2, 6, 7}
	BandsC = [3]uint8{3, 4, 8}
)

// Tile carries one band per line direction. The zero value is the empty
// sentinel and never equals a real band, so it breaks any line it sits on.
type Tile struct {
	A uint8
	B uint8
	C uint8
}

// Empty marks an unoccupied cell.
var Empty Tile

func (t Tile) IsEmpty() bool { return t == Empty }

// Band returns the band read by lines running in direction d.
func (t Tile) Band(d Direction) uint8 {
	switch d {
	case DirA:
		return t.A
	case DirB:
		return t.B
	default:
		return t.C
	}
}

func bandIndex(bands [3]uint8, v uint8) int {
	for i, b := range bands {
		if b == v {
			return i
		}
	}
	return -1
}

// Index returns the tile's position in canonical deck order (0..26), or -1
// for the empty sentinel and for malformed tiles.
func (t Tile) Index() int {
	ia := bandIndex(BandsA, t.A)
	ib := bandIndex(BandsB, t.B)
	ic := bandIndex(BandsC, t.C)
	if ia < 0 || ib < 0 || ic < 0 {
		return -1
	}
	return ia*9 + ib*3 + ic
}

// Valid reports whether t is one of the 27 playable tiles.
func (t Tile) Valid() bool { return t.Index() >= 0 }

// TileAt is the inverse of Index.
func TileAt(i int) Tile {
	return Tile{A: BandsA[i/9], B: BandsB[(i/3)%3], C: BandsC[i%3]}
}

// Code packs the tile as 100a + 10b + c (0 for empty), the integer form used
// by recorded game files.
func (t Tile) Code() int32 {
	return int32(t.A)*100 + int32(t.B)*10 + int32(t.C)
}

// TileFromCode parses the packed integer form.
func TileFromCode(code int32) (Tile, error) {
	if code == 0 {
		return Empty, nil
	}
	if code < 0 || code > 999 {
		return Empty, fmt.Errorf("tile code %d out of range", code)
	}
	t := Tile{A: uint8(code / 100), B: uint8(code / 10 % 10), C: uint8(code % 10)}
	if !t.Valid() {
		return Empty, fmt.Errorf("tile code %d has no matching tile", code)
	}
	return t, nil
}

func (t Tile) String() string {
	return fmt.Sprintf("(%d,%d,%d)", t.A, t.B, t.C)
}
