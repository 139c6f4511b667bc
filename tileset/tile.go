// Package tileset streams a tree of geometry tiles: it drives the content
// state of each tile across the worker and main threads, arbitrates load
// slots between requesters and drapes raster overlays onto loaded tiles.
package tileset

import (
	"iter"

	"github.com/eak1mov/go-tilestream/tile"
	"github.com/paulmach/orb"
)

// ContentState is the load state of a tile's content.
type ContentState int

const (
	Unloaded ContentState = iota
	ContentLoading
	ContentLoaded
	Done
	Failed
	FailedTemporarily
)

var contentStateNames = [...]string{
	Unloaded:          "Unloaded",
	ContentLoading:    "ContentLoading",
	ContentLoaded:     "ContentLoaded",
	Done:              "Done",
	Failed:            "Failed",
	FailedTemporarily: "FailedTemporarily",
}

func (s ContentState) String() string {
	if s < 0 || int(s) >= len(contentStateNames) {
		return "Unknown"
	}
	return contentStateNames[s]
}

// TileContent is what a successful load produced.
type TileContent struct {
	// Decoded is the loader's content, opaque to the manager.
	Decoded any
	// Empty content has nothing to render and no renderer resources.
	Empty bool

	workerResult    any
	renderResources any
}

// RenderResources returns the result of Renderer.PrepareInMainThread.
func (c *TileContent) RenderResources() any { return c.renderResources }

// ChildDescriptor describes a child tile discovered while loading its parent.
type ChildDescriptor struct {
	ID tile.ID
	// Bounds defaults to the bound of ID.
	Bounds orb.Bound
}

// Tile is a node of the content tree. Tiles are mutated by the Manager on
// the main thread only.
type Tile struct {
	id       tile.ID
	bounds   orb.Bound
	parent   *Tile
	children []*Tile

	mightHaveLatentChildren bool

	state      ContentState
	content    *TileContent
	mappings   []*RasterMappedTile
	lastErrors ErrorList

	attempt       *loadAttempt
	rasterPending bool
}

// NewTile creates a root tile covering the bound of id.
func NewTile(id tile.ID) *Tile {
	return newTile(nil, ChildDescriptor{ID: id})
}

func newTile(parent *Tile, desc ChildDescriptor) *Tile {
	bounds := desc.Bounds
	if bounds.IsZero() {
		bounds = desc.ID.Bound()
	}
	return &Tile{
		id:                      desc.ID,
		bounds:                  bounds,
		parent:                  parent,
		mightHaveLatentChildren: true,
	}
}

func (t *Tile) ID() tile.ID                         { return t.id }
func (t *Tile) Bounds() orb.Bound                   { return t.bounds }
func (t *Tile) Parent() *Tile                       { return t.parent }
func (t *Tile) Children() []*Tile                   { return t.children }
func (t *Tile) State() ContentState                 { return t.state }
func (t *Tile) Content() *TileContent               { return t.content }
func (t *Tile) RasterMappings() []*RasterMappedTile { return t.mappings }

// MightHaveLatentChildren reports whether children may still be discovered
// by loading this tile.
func (t *Tile) MightHaveLatentChildren() bool { return t.mightHaveLatentChildren }

// LastErrors returns the errors and warnings of the last completed load.
func (t *Tile) LastErrors() ErrorList { return t.lastErrors }

// IsRenderable reports whether the tile can be shown as is: it is Done and
// none of its raster mappings waits for its first image, or it Failed and
// counts as empty.
func (t *Tile) IsRenderable() bool {
	switch t.state {
	case Failed:
		return true
	case Done:
		for _, m := range t.mappings {
			if !m.isSettled() {
				return false
			}
		}
		return true
	}
	return false
}

// All yields t and its descendants depth first.
func (t *Tile) All() iter.Seq[*Tile] {
	return func(yield func(*Tile) bool) {
		t.walk(yield)
	}
}

func (t *Tile) walk(yield func(*Tile) bool) bool {
	if !yield(t) {
		return false
	}
	for _, child := range t.children {
		if !child.walk(yield) {
			return false
		}
	}
	return true
}
