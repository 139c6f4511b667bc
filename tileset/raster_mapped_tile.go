package tileset

import (
	"github.com/eak1mov/go-tilestream/raster"
	"github.com/paulmach/orb"
)

// AttachmentState tells whether a raster tile is attached to a geometry tile.
type AttachmentState int

const (
	Unattached AttachmentState = iota
	// TemporarilyAttached: a coarser stand-in is attached while a better tile loads.
	TemporarilyAttached
	Attached
)

func (s AttachmentState) String() string {
	switch s {
	case Unattached:
		return "Unattached"
	case TemporarilyAttached:
		return "TemporarilyAttached"
	case Attached:
		return "Attached"
	}
	return "Unknown"
}

// RasterMappedTile maps one overlay onto one geometry tile. The ready tile
// is the one attached to the renderer; the loading tile is the better one
// being loaded to replace it. A ready tile is always attached and a loading
// tile never is.
type RasterMappedTile struct {
	tile    *Tile
	overlay *raster.Overlay
	coordID int

	loadingTile *raster.Tile
	readyTile   *raster.Tile
	state       AttachmentState
	translation orb.Point
	scale       orb.Point
}

// newRasterMappedTile takes a reference to loading. A non-nil standIn is
// attached right away until loading is ready.
func newRasterMappedTile(t *Tile, coordID int, loading, standIn *raster.Tile, renderer Renderer) *RasterMappedTile {
	m := &RasterMappedTile{
		tile:        t,
		overlay:     loading.Overlay(),
		coordID:     coordID,
		loadingTile: loading,
		scale:       orb.Point{1, 1},
	}
	loading.AddReference()
	if standIn != nil {
		standIn.AddReference()
		m.attach(standIn, renderer)
		m.state = TemporarilyAttached
	}
	return m
}

func (m *RasterMappedTile) Tile() *Tile               { return m.tile }
func (m *RasterMappedTile) Overlay() *raster.Overlay  { return m.overlay }
func (m *RasterMappedTile) TextureCoordinateID() int  { return m.coordID }
func (m *RasterMappedTile) LoadingTile() *raster.Tile { return m.loadingTile }
func (m *RasterMappedTile) ReadyTile() *raster.Tile   { return m.readyTile }
func (m *RasterMappedTile) State() AttachmentState    { return m.state }
func (m *RasterMappedTile) Translation() orb.Point    { return m.translation }
func (m *RasterMappedTile) Scale() orb.Point          { return m.scale }

// isSettled reports whether the geometry tile can be shown with this mapping.
func (m *RasterMappedTile) isSettled() bool {
	return m.loadingTile == nil || m.readyTile != nil || m.loadingTile.State() == raster.Placeholder
}

func (m *RasterMappedTile) attach(rt *raster.Tile, renderer Renderer) {
	m.readyTile = rt
	m.translation, m.scale = translationAndScale(m.tile.Bounds(), rt.Bound())
	if renderer != nil {
		renderer.AttachRasterInMainThread(m.tile, m.coordID, rt, rt.RendererResources(), m.tile.Bounds(), m.translation, m.scale)
	}
}

func (m *RasterMappedTile) detachReady(renderer Renderer) {
	if m.readyTile == nil {
		return
	}
	if renderer != nil {
		renderer.DetachRasterInMainThread(m.tile, m.coordID, m.readyTile, m.readyTile.RendererResources(), m.tile.Bounds())
	}
	m.readyTile.ReleaseReference()
	m.readyTile = nil
}

// Update advances the loading tile and attaches it once loaded. It reports
// whether the mapping has nothing left to do.
func (m *RasterMappedTile) Update(renderer Renderer) bool {
	lt := m.loadingTile
	if lt == nil {
		return true
	}
	switch lt.State() {
	case raster.Placeholder, raster.Loading:
		return false
	case raster.Unloaded:
		lt.Provider().LoadThrottled(lt)
		return false
	case raster.Failed:
		// Keep whatever stand-in is attached.
		lt.ReleaseReference()
		m.loadingTile = nil
		if m.readyTile != nil {
			m.state = Attached
		}
		return true
	}

	lt.Provider().FinishLoading(lt)
	m.detachReady(renderer)
	m.loadingTile = nil
	m.attach(lt, renderer)
	m.state = Attached
	return true
}

// Refine starts loading a finer tile when the ready tile's provider has more
// detail for targetPixels. The ready tile stays attached until it is replaced.
func (m *RasterMappedTile) Refine(targetPixels orb.Point) bool {
	ready := m.readyTile
	if m.loadingTile != nil || ready == nil || ready.MoreDetailAvailable() != raster.MoreDetailYes {
		return false
	}
	finer := ready.Provider().GetTile(m.tile.Bounds(), targetPixels)
	if finer.Zoom() <= ready.Zoom() {
		return false
	}
	finer.AddReference()
	m.loadingTile = finer
	m.state = TemporarilyAttached
	return true
}

// replaceLoadingTile swaps a placeholder loading tile for one of a real provider.
func (m *RasterMappedTile) replaceLoadingTile(provider *raster.Provider, targetPixels orb.Point) {
	if m.loadingTile != nil {
		m.loadingTile.ReleaseReference()
	}
	m.loadingTile = provider.GetTile(m.tile.Bounds(), targetPixels)
	m.loadingTile.AddReference()
}

// DetachFromTile detaches the ready tile if any and drops both tiles.
// It is safe on a mapping whose tile never finished loading.
func (m *RasterMappedTile) DetachFromTile(renderer Renderer) {
	m.detachReady(renderer)
	if m.loadingTile != nil {
		m.loadingTile.ReleaseReference()
		m.loadingTile = nil
	}
	m.state = Unattached
}

// translationAndScale maps texture coordinates of geometry onto the part of
// the raster image covering it.
func translationAndScale(geometry, image orb.Bound) (translation, scale orb.Point) {
	width := image.Right() - image.Left()
	height := image.Top() - image.Bottom()
	if width <= 0 || height <= 0 {
		return orb.Point{0, 0}, orb.Point{1, 1}
	}
	scale = orb.Point{
		(geometry.Right() - geometry.Left()) / width,
		(geometry.Top() - geometry.Bottom()) / height,
	}
	translation = orb.Point{
		(geometry.Left() - image.Left()) / width,
		(geometry.Bottom() - image.Bottom()) / height,
	}
	return translation, scale
}
