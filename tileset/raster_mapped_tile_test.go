package tileset_test

import (
	"context"
	"testing"
	"time"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/raster"
	"github.com/eak1mov/go-tilestream/tile"
	"github.com/eak1mov/go-tilestream/tileset"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

// checkMappings asserts the attachment invariants of every mapping of tiles.
func (f *fixture) checkMappings(t *testing.T, tiles ...*tileset.Tile) func() {
	return func() {
		t.Helper()
		for _, tl := range tiles {
			for _, m := range tl.RasterMappings() {
				if m.ReadyTile() != nil {
					require.NotEqual(t, tileset.Unattached, m.State())
					require.True(t, f.renderer.isAttached(m.ReadyTile()))
				}
				if m.LoadingTile() != nil {
					require.False(t, f.renderer.isAttached(m.LoadingTile()))
				}
			}
		}
	}
}

func attached(m *tileset.RasterMappedTile) func() bool {
	return func() bool { return m.State() == tileset.Attached && m.LoadingTile() == nil }
}

func requirePoint(t *testing.T, want, got orb.Point) {
	t.Helper()
	require.InDelta(t, want.X(), got.X(), 1e-9)
	require.InDelta(t, want.Y(), got.Y(), 1e-9)
}

func TestRasterAttachment(t *testing.T) {
	f := newFixture(t, tileset.DefaultOptions())
	overlay := newImagery(&imageryStore{})
	provider := f.addOverlay(t, overlay)
	require.False(t, provider.IsPlaceholder())

	root := tileset.NewTile(tile.ID{})
	f.loadDone(t, root)
	require.Len(t, root.RasterMappings(), 1)
	mapping := root.RasterMappings()[0]
	require.Same(t, overlay, mapping.Overlay())
	require.Equal(t, tileset.Unattached, mapping.State())
	require.Equal(t, raster.Unloaded, mapping.LoadingTile().State())
	require.False(t, root.IsRenderable())

	f.tickUntil(t, attached(mapping), f.checkMappings(t, root))
	ready := mapping.ReadyTile()
	require.Equal(t, raster.Done, ready.State())
	require.Equal(t, 1, ready.RendererResources())
	requirePoint(t, orb.Point{0, 0}, mapping.Translation())
	requirePoint(t, orb.Point{1, 1}, mapping.Scale())
	require.True(t, root.IsRenderable())
	require.Len(t, f.renderer.attachments, 1)
	require.Same(t, root, f.renderer.attachments[0].Tile)

	require.True(t, f.manager.UnloadTileContent(root))
	require.Nil(t, mapping.ReadyTile())
	require.Nil(t, mapping.LoadingTile())
	require.Equal(t, tileset.Unattached, mapping.State())
	require.Empty(t, root.RasterMappings())
	require.False(t, f.renderer.isAttached(ready))
	require.Equal(t, 1, f.renderer.detachments)
}

func TestDetachBeforeRasterLoaded(t *testing.T) {
	f := newFixture(t, tileset.DefaultOptions())
	provider := f.addOverlay(t, newImagery(&imageryStore{}))

	root := tileset.NewTile(tile.ID{})
	f.loadDone(t, root)
	mapping := root.RasterMappings()[0]
	f.manager.Tick()
	require.Equal(t, raster.Loading, mapping.LoadingTile().State())

	require.True(t, f.manager.UnloadTileContent(root))
	require.Nil(t, mapping.LoadingTile())
	require.Equal(t, tileset.Unattached, mapping.State())
	require.Zero(t, f.renderer.detachments)

	f.pump(t, func() bool { return provider.NumberOfLoading() == 0 })
	require.Empty(t, f.renderer.attachments)
}

func TestPlaceholderSwap(t *testing.T) {
	f := newFixture(t, tileset.DefaultOptions())
	gate := make(chan struct{})
	store := &imageryStore{}
	overlay := raster.NewOverlay("slow", func() (tile.Reader, error) {
		<-gate
		return store, nil
	}, raster.DefaultOptions())
	ready := f.manager.AddOverlay(overlay)

	root := tileset.NewTile(tile.ID{})
	f.loadDone(t, root)
	mapping := root.RasterMappings()[0]
	require.Equal(t, raster.Placeholder, mapping.LoadingTile().State())

	for range 3 {
		f.manager.Tick()
		require.Equal(t, tileset.Unattached, mapping.State())
		require.Equal(t, raster.Placeholder, mapping.LoadingTile().State())
	}
	require.True(t, root.IsRenderable())

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := async.WaitInMainThread(ctx, ready)
	require.NoError(t, err)

	f.tickUntil(t, attached(mapping), f.checkMappings(t, root))
	require.False(t, mapping.ReadyTile().Provider().IsPlaceholder())
}

func TestStandInAndRefine(t *testing.T) {
	f := newFixture(t, tileset.DefaultOptions())
	root := tileset.NewTile(tile.ID{})
	for _, id := range root.ID().Children() {
		f.loader.children[root.ID()] = append(f.loader.children[root.ID()], tileset.ChildDescriptor{ID: id})
	}
	f.addOverlay(t, newImagery(&imageryStore{}))

	f.loadDone(t, root)
	rootMapping := root.RasterMappings()[0]
	f.tickUntil(t, attached(rootMapping), nil)
	standIn := rootMapping.ReadyTile()

	child := root.Children()[0]
	check := f.checkMappings(t, root, child)
	f.loadDone(t, child)
	mapping := child.RasterMappings()[0]
	require.Equal(t, tileset.TemporarilyAttached, mapping.State())
	require.Same(t, standIn, mapping.ReadyTile())
	requirePoint(t, orb.Point{0, 0.5}, mapping.Translation())
	requirePoint(t, orb.Point{0.5, 0.5}, mapping.Scale())
	require.True(t, child.IsRenderable())
	check()

	f.tickUntil(t, attached(mapping), check)
	require.NotSame(t, standIn, mapping.ReadyTile())
	require.EqualValues(t, 1, mapping.ReadyTile().Zoom())
	requirePoint(t, orb.Point{1, 1}, mapping.Scale())
	require.True(t, f.renderer.isAttached(standIn), "still attached to the parent")
	require.Equal(t, 1, f.renderer.detachments)

	previous := mapping.ReadyTile()
	require.True(t, f.manager.RefineRasterMappings(child, orb.Point{512, 512}))
	require.Equal(t, tileset.TemporarilyAttached, mapping.State())
	require.Same(t, previous, mapping.ReadyTile())
	require.False(t, f.manager.RefineRasterMappings(child, orb.Point{512, 512}), "already refining")

	f.tickUntil(t, attached(mapping), check)
	require.EqualValues(t, 2, mapping.ReadyTile().Zoom())
	require.Len(t, mapping.ReadyTile().SubTileIDs(), 4)
	require.False(t, f.renderer.isAttached(previous))
}

func TestFailedRasterKeepsStandIn(t *testing.T) {
	f := newFixture(t, tileset.DefaultOptions())
	root := tileset.NewTile(tile.ID{})
	f.loader.children[root.ID()] = []tileset.ChildDescriptor{{ID: tile.ID{X: 0, Y: 0, Z: 1}}}
	store := &imageryStore{fail: map[tile.ID]bool{{X: 0, Y: 0, Z: 1}: true}}
	f.addOverlay(t, newImagery(store))

	f.loadDone(t, root)
	rootMapping := root.RasterMappings()[0]
	f.tickUntil(t, attached(rootMapping), nil)

	child := root.Children()[0]
	f.loadDone(t, child)
	mapping := child.RasterMappings()[0]
	f.tickUntil(t, func() bool { return mapping.LoadingTile() == nil }, f.checkMappings(t, root, child))
	require.Equal(t, tileset.Attached, mapping.State())
	require.Same(t, rootMapping.ReadyTile(), mapping.ReadyTile())
	require.True(t, child.IsRenderable())
}

func TestFailedRasterWithoutStandIn(t *testing.T) {
	f := newFixture(t, tileset.DefaultOptions())
	f.addOverlay(t, newImagery(&imageryStore{fail: map[tile.ID]bool{{}: true}}))

	root := tileset.NewTile(tile.ID{})
	f.loadDone(t, root)
	mapping := root.RasterMappings()[0]
	f.tickUntil(t, func() bool { return mapping.LoadingTile() == nil }, nil)
	require.Equal(t, tileset.Unattached, mapping.State())
	require.Nil(t, mapping.ReadyTile())
	require.True(t, root.IsRenderable())
}

func TestAddAndRemoveOverlays(t *testing.T) {
	f := newFixture(t, tileset.DefaultOptions())
	root := tileset.NewTile(tile.ID{})
	f.loadDone(t, root)
	require.Empty(t, root.RasterMappings())

	first := newImagery(&imageryStore{})
	second := raster.NewOverlay("labels", func() (tile.Reader, error) { return &imageryStore{}, nil }, raster.DefaultOptions())
	f.addOverlay(t, first)
	f.addOverlay(t, second)
	require.Len(t, root.RasterMappings(), 2)
	require.Equal(t, 0, root.RasterMappings()[0].TextureCoordinateID())
	require.Equal(t, 1, root.RasterMappings()[1].TextureCoordinateID())

	f.tickUntil(t, func() bool {
		return attached(root.RasterMappings()[0])() && attached(root.RasterMappings()[1])()
	}, f.checkMappings(t, root))

	removed := root.RasterMappings()[0]
	ready := removed.ReadyTile()
	require.True(t, f.manager.RemoveOverlay(first))
	require.False(t, f.manager.RemoveOverlay(first))
	require.Len(t, root.RasterMappings(), 1)
	require.Same(t, second, root.RasterMappings()[0].Overlay())
	require.Equal(t, tileset.Unattached, removed.State())
	require.False(t, f.renderer.isAttached(ready))

	child := tileset.NewTile(tile.ID{X: 1, Y: 0, Z: 1})
	f.loadDone(t, child)
	require.Len(t, child.RasterMappings(), 1)
	require.Equal(t, 1, child.RasterMappings()[0].TextureCoordinateID(), "ids survive the removal of other overlays")
	require.Equal(t, 1, root.RasterMappings()[0].TextureCoordinateID())

	third := raster.NewOverlay("roads", func() (tile.Reader, error) { return &imageryStore{}, nil }, raster.DefaultOptions())
	f.addOverlay(t, third)
	require.Equal(t, 0, root.RasterMappings()[1].TextureCoordinateID(), "a freed id is reused")
}
