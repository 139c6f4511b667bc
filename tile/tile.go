// Package tile provides common tile interfaces and types.
package tile

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level an ID can address.
const MaxZoom = 31

// ID represents tile coordinates in the XYZ scheme (Tiled web map).
type ID struct {
	X uint32
	Y uint32
	Z uint32
}

func (t ID) Valid() bool {
	return t.Z <= MaxZoom && t.X < (1<<t.Z) && t.Y < (1<<t.Z)
}

func (t ID) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Parent returns the tile one zoom level up. The root is its own parent.
func (t ID) Parent() ID {
	if t.Z == 0 {
		return t
	}
	return ID{X: t.X >> 1, Y: t.Y >> 1, Z: t.Z - 1}
}

// Children returns the four tiles one zoom level down, in quadrant order.
func (t ID) Children() [4]ID {
	x, y, z := t.X<<1, t.Y<<1, t.Z+1
	return [4]ID{
		{X: x, Y: y, Z: z},
		{X: x + 1, Y: y, Z: z},
		{X: x, Y: y + 1, Z: z},
		{X: x + 1, Y: y + 1, Z: z},
	}
}

// Bound returns the tile rectangle in longitude/latitude (web mercator tiling).
func (t ID) Bound() orb.Bound {
	return t.Maptile().Bound()
}

func (t ID) Maptile() maptile.Tile {
	return maptile.New(t.X, t.Y, maptile.Zoom(t.Z))
}

func FromMaptile(t maptile.Tile) ID {
	return ID{X: t.X, Y: t.Y, Z: uint32(t.Z)}
}

// Writer defines an interface for writing tiles to a tileset.
type Writer interface {
	// WriteTile writes a single tile to the tileset.
	WriteTile(tileID ID, tileData []byte) error

	// Finalize completes the writing process: flushes buffers, writes header and indices.
	// It must be called before closing the Writer.
	Finalize() error
}

type Reader interface {
	// ReadTile reads a single tile from the tileset.
	// It returns the tile data or an error if the tile cannot be read.
	// If the tile does not exist, it returns an empty slice with no error.
	ReadTile(tileID ID) ([]byte, error)
}

// ContextReader is a Reader whose reads can be abandoned through ctx.
type ContextReader interface {
	Reader
	ReadTileContext(ctx context.Context, tileID ID) ([]byte, error)
}

type Visitor interface {
	// VisitTiles visits all tiles in the tileset, calling the visitor for each.
	// It returns an error if visiting fails.
	// Order of tiles, upfront cpu and memory consumption are implementation-defined.
	VisitTiles(visitor func(ID, []byte) error) error
}

// Location represents the absolute location of tile data inside a tileset file.
type Location struct {
	Offset uint64
	Length uint64
}

type LocationReader interface {
	ReadLocation(tileID ID) (Location, error)
}

type LocationVisitor interface {
	VisitLocations(visitor func(ID, Location) error) error
}
