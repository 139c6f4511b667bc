package raster

import (
	"github.com/eak1mov/go-tilestream/cache"
	"github.com/eak1mov/go-tilestream/tile"
	"github.com/paulmach/orb"
)

// TileState is the load state of a raster tile.
type TileState int

const (
	// Placeholder tiles come from a provider that is not ready yet. They never load.
	Placeholder TileState = iota - 2
	Failed
	Unloaded
	Loading
	// Loaded tiles have their image and worker resources, but not main-thread resources.
	Loaded
	Done
)

func (s TileState) String() string {
	switch s {
	case Placeholder:
		return "Placeholder"
	case Failed:
		return "Failed"
	case Unloaded:
		return "Unloaded"
	case Loading:
		return "Loading"
	case Loaded:
		return "Loaded"
	case Done:
		return "Done"
	}
	return "Unknown"
}

// MoreDetail tells whether a finer tile than this one exists.
type MoreDetail int

const (
	MoreDetailUnknown MoreDetail = iota
	MoreDetailNo
	MoreDetailYes
)

// SubTile is one source tile that makes up an image.
type SubTile struct {
	ID    tile.ID
	Bound orb.Bound
	Data  []byte
}

// Image is the composed content of a raster tile: the source tiles covering
// its bound, in row-major order. Missing source tiles have no data.
type Image struct {
	Bound orb.Bound
	Zoom  uint32
	Parts []SubTile
}

func (img *Image) SizeBytes() int64 {
	var size int64
	for _, part := range img.Parts {
		size += int64(len(part.Data))
	}
	return size
}

// Tile is an image covering a rectangle of one overlay.
// All methods must be called on the main thread.
type Tile struct {
	provider *Provider
	rect     orb.Bound
	bound    orb.Bound
	zoom     uint32
	ids      []tile.ID

	state      TileState
	moreDetail MoreDetail
	image      *Image
	handles    []*cache.Handle[tile.ID, []byte]
	err        error

	workerResult any
	mainResult   any

	refs int
}

func (t *Tile) Provider() *Provider { return t.provider }
func (t *Tile) Overlay() *Overlay   { return t.provider.overlay }

// Rect is the rectangle the tile was requested for.
func (t *Tile) Rect() orb.Bound { return t.rect }

// Bound is the rectangle actually covered by the image, a union of source tiles.
func (t *Tile) Bound() orb.Bound { return t.bound }

func (t *Tile) Zoom() uint32          { return t.zoom }
func (t *Tile) SubTileIDs() []tile.ID { return t.ids }
func (t *Tile) State() TileState      { return t.state }
func (t *Tile) Image() *Image         { return t.image }
func (t *Tile) Err() error            { return t.err }

// MoreDetailAvailable is Unknown for placeholder tiles.
func (t *Tile) MoreDetailAvailable() MoreDetail { return t.moreDetail }

// RendererResources returns the result of Preparer.PrepareRasterInMainThread.
func (t *Tile) RendererResources() any { return t.mainResult }

func (t *Tile) AddReference() {
	t.refs++
}

// ReleaseReference frees renderer resources and cached source tiles once the
// last reference is gone.
func (t *Tile) ReleaseReference() {
	if t.refs <= 0 {
		panic("raster: tile reference released twice")
	}
	t.refs--
	if t.refs == 0 {
		t.provider.free(t)
	}
}
