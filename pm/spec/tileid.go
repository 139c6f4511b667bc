package spec

import (
	"math/bits"

	"github.com/eak1mov/go-tilestream/tile"
	"github.com/google/hilbert"
)

// zoomBase returns the number of tile codes used by all zoom levels below z.
func zoomBase(z uint32) uint64 {
	return (1<<(z*2) - 1) / 3
}

// ZoomOf returns the zoom level of a tile code. Codes are ordered by zoom first.
func ZoomOf(tileCode uint64) uint32 {
	return uint32((bits.Len64(3*tileCode+1) - 1) / 2)
}

// EncodeTileID maps a tile to its PMTiles v3 TileID: the position of the tile on
// the Hilbert curve of its zoom level, offset by the tiles of lower levels.
func EncodeTileID(tileID tile.ID) uint64 {
	h, _ := hilbert.NewHilbert(1 << tileID.Z)
	tileCode, _ := h.MapInverse(int(tileID.X), int(tileID.Y))
	return uint64(tileCode) + zoomBase(tileID.Z)
}

func DecodeTileID(tileCode uint64) tile.ID {
	z := ZoomOf(tileCode)
	h, _ := hilbert.NewHilbert(1 << z)
	x, y, _ := h.Map(int(tileCode - zoomBase(z)))
	return tile.ID{X: uint32(x), Y: uint32(y), Z: z}
}
