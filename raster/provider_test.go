package raster_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/cache"
	"github.com/eak1mov/go-tilestream/raster"
	"github.com/eak1mov/go-tilestream/tile"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

type storeReader struct {
	mu     sync.Mutex
	gate   chan struct{}
	fail   map[tile.ID]error
	reads  map[tile.ID]int
	closed bool
}

func newStore() *storeReader {
	return &storeReader{fail: make(map[tile.ID]error), reads: make(map[tile.ID]int)}
}

func (s *storeReader) ReadTile(id tile.ID) ([]byte, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[id]++
	if err := s.fail[id]; err != nil {
		return nil, err
	}
	return []byte(id.String()), nil
}

func (s *storeReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type preparer struct {
	loadThread int
	mainThread int
	freed      int
}

func (p *preparer) PrepareRasterInLoadThread(image *raster.Image) any {
	return fmt.Sprintf("worker:%d", len(image.Parts))
}

func (p *preparer) PrepareRasterInMainThread(_ *raster.Tile, workerResult any) any {
	p.mainThread++
	return fmt.Sprintf("main(%v)", workerResult)
}

func (p *preparer) FreeRaster(*raster.Tile, any, any) {
	p.freed++
}

func newExecutor(t *testing.T) *async.Executor {
	t.Helper()
	e := async.New(async.WithWorkers(2))
	t.Cleanup(func() { e.Close() })
	return e
}

func wait[T any](t *testing.T, f async.Future[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, err := async.WaitInMainThread(ctx, f)
	require.NoError(t, err)
	return value
}

// pump drains the main-thread queue until done reports true.
func pump(t *testing.T, e *async.Executor, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "timed out")
		e.DispatchMainThreadTasks()
		time.Sleep(time.Millisecond)
	}
}

func newOverlay(store *storeReader, options raster.Options) *raster.Overlay {
	return raster.NewOverlay("imagery", func() (tile.Reader, error) { return store, nil }, options)
}

func TestGetTileZoomSelection(t *testing.T) {
	e := newExecutor(t)
	options := raster.DefaultOptions()
	options.MaxZoom = 10
	p := raster.NewProvider(newOverlay(newStore(), options), e, newStore(), nil)

	geometry := tile.ID{X: 2, Y: 2, Z: 3}
	rect := geometry.Bound()

	exact := p.GetTile(rect, orb.Point{256, 256})
	require.Equal(t, raster.Unloaded, exact.State())
	require.EqualValues(t, 3, exact.Zoom())
	require.Equal(t, []tile.ID{geometry}, exact.SubTileIDs())
	require.Equal(t, raster.MoreDetailYes, exact.MoreDetailAvailable())

	finer := p.GetTile(rect, orb.Point{512, 512})
	require.EqualValues(t, 4, finer.Zoom())
	require.ElementsMatch(t, geometry.Children(), finer.SubTileIDs())

	deepest := p.GetTile(rect, orb.Point{1 << 20, 1 << 20})
	require.EqualValues(t, 6, deepest.Zoom(), "limited by the maximum texture size")

	options.MaximumTextureSize = 256
	limited := raster.NewProvider(newOverlay(newStore(), options), e, newStore(), nil)
	require.EqualValues(t, 3, limited.GetTile(rect, orb.Point{4096, 4096}).Zoom())

	options.MaxZoom = 3
	capped := raster.NewProvider(newOverlay(newStore(), options), e, newStore(), nil)
	tl := capped.GetTile(rect, orb.Point{4096, 4096})
	require.EqualValues(t, 3, tl.Zoom())
	require.Equal(t, raster.MoreDetailNo, tl.MoreDetailAvailable())
}

func TestGetTileCoversPoles(t *testing.T) {
	e := newExecutor(t)
	p := raster.NewProvider(newOverlay(newStore(), raster.DefaultOptions()), e, newStore(), nil)

	world := p.GetTile(tile.ID{}.Bound(), orb.Point{512, 512})
	require.EqualValues(t, 1, world.Zoom())
	require.ElementsMatch(t, tile.ID{}.Children(), world.SubTileIDs())
	require.InDelta(t, -85.0511, world.Bound().Bottom(), 1e-4)
	require.InDelta(t, 85.0511, world.Bound().Top(), 1e-4)

	south := tile.ID{X: 1, Y: 1, Z: 1}
	tl := p.GetTile(south.Bound(), orb.Point{512, 512})
	require.EqualValues(t, 2, tl.Zoom())
	require.ElementsMatch(t, south.Children(), tl.SubTileIDs())
	require.InDelta(t, south.Bound().Bottom(), tl.Bound().Bottom(), 1e-9)
	require.InDelta(t, south.Bound().Top(), tl.Bound().Top(), 1e-9)
	require.InDelta(t, south.Bound().Left(), tl.Bound().Left(), 1e-9)
	require.InDelta(t, south.Bound().Right(), tl.Bound().Right(), 1e-9)

	bottomRow := tile.ID{X: 5, Y: 7, Z: 3}
	tl = p.GetTile(bottomRow.Bound(), orb.Point{256, 256})
	require.Equal(t, []tile.ID{bottomRow}, tl.SubTileIDs())
}

func TestLoadLifecycle(t *testing.T) {
	e := newExecutor(t)
	store := newStore()
	prep := &preparer{}
	p := raster.NewProvider(newOverlay(store, raster.DefaultOptions()), e, store, prep)

	tl := p.GetTile(tile.ID{X: 1, Y: 1, Z: 2}.Bound(), orb.Point{512, 512})
	tl.AddReference()
	loaded := p.Load(tl)
	require.Equal(t, raster.Loading, tl.State())
	require.Equal(t, 1, p.NumberOfLoading())
	require.True(t, p.LoadThrottled(tl), "already loading")

	wait(t, loaded)
	require.Equal(t, raster.Loaded, tl.State())
	require.Equal(t, 0, p.NumberOfLoading())
	require.Len(t, tl.Image().Parts, 4)
	for _, part := range tl.Image().Parts {
		require.Equal(t, part.ID.String(), string(part.Data))
	}
	require.Equal(t, cache.Stats{Resolved: 4}, p.CacheStats())

	require.True(t, p.FinishLoading(tl))
	require.Equal(t, raster.Done, tl.State())
	require.Equal(t, "main(worker:4)", tl.RendererResources())

	tl.ReleaseReference()
	require.Equal(t, 1, prep.freed)
	require.Equal(t, 4, p.CacheStats().Candidates)
	require.Panics(t, tl.ReleaseReference)
}

func TestLoadFailure(t *testing.T) {
	e := newExecutor(t)
	store := newStore()
	errRead := errors.New("disk on fire")
	store.fail[tile.ID{X: 3, Y: 2, Z: 2}] = errRead
	p := raster.NewProvider(newOverlay(store, raster.DefaultOptions()), e, store, &preparer{})

	tl := p.GetTile(tile.ID{X: 1, Y: 1, Z: 1}.Bound(), orb.Point{512, 512})
	tl.AddReference()
	wait(t, p.Load(tl))

	require.Equal(t, raster.Failed, tl.State())
	require.ErrorIs(t, tl.Err(), raster.ErrSubTile)
	require.ErrorIs(t, tl.Err(), errRead)
	require.False(t, p.FinishLoading(tl))
	require.Equal(t, 3, p.CacheStats().Candidates, "successful sub-tiles stay cached")
}

type panickingPreparer struct{ preparer }

func (p *panickingPreparer) PrepareRasterInLoadThread(*raster.Image) any {
	panic("out of texture memory")
}

func TestPreparerPanic(t *testing.T) {
	e := newExecutor(t)
	store := newStore()
	options := raster.DefaultOptions()
	options.MaximumSimultaneousTileLoads = 1
	p := raster.NewProvider(newOverlay(store, options), e, store, &panickingPreparer{})

	tl := p.GetTile(tile.ID{X: 1, Y: 1, Z: 1}.Bound(), orb.Point{512, 512})
	tl.AddReference()
	wait(t, p.Load(tl))

	require.Equal(t, raster.Failed, tl.State())
	require.ErrorIs(t, tl.Err(), async.ErrPanic)
	require.Equal(t, 0, p.NumberOfLoading())
	require.Equal(t, 4, p.CacheStats().Candidates, "sub-tiles are released")

	next := p.GetTile(tile.ID{X: 0, Y: 0, Z: 1}.Bound(), orb.Point{256, 256})
	next.AddReference()
	require.True(t, p.LoadThrottled(next), "the load slot is free again")
	pump(t, e, func() bool { return next.State() == raster.Failed })
}

func TestLoadThrottled(t *testing.T) {
	e := newExecutor(t)
	store := newStore()
	store.gate = make(chan struct{})
	options := raster.DefaultOptions()
	options.MaximumSimultaneousTileLoads = 1
	p := raster.NewProvider(newOverlay(store, options), e, store, nil)

	first := p.GetTile(tile.ID{X: 0, Y: 0, Z: 1}.Bound(), orb.Point{256, 256})
	second := p.GetTile(tile.ID{X: 1, Y: 0, Z: 1}.Bound(), orb.Point{256, 256})
	first.AddReference()
	second.AddReference()

	require.True(t, p.LoadThrottled(first))
	require.False(t, p.LoadThrottled(second))
	require.Equal(t, raster.Unloaded, second.State())
	require.True(t, p.LoadThrottled(first), "already loading")

	close(store.gate)
	pump(t, e, func() bool { return first.State() == raster.Loaded })
	require.Equal(t, 0, p.NumberOfLoading())

	require.True(t, p.LoadThrottled(second))
	pump(t, e, func() bool { return second.State() == raster.Loaded })
}

func TestPlaceholderProvider(t *testing.T) {
	e := newExecutor(t)
	p := raster.NewPlaceholderProvider(newOverlay(newStore(), raster.DefaultOptions()), e)

	tl := p.GetTile(tile.ID{}.Bound(), orb.Point{256, 256})
	require.True(t, p.IsPlaceholder())
	require.Equal(t, raster.Placeholder, tl.State())
	require.False(t, p.LoadThrottled(tl))
	wait(t, p.Load(tl))
	require.Equal(t, raster.Placeholder, tl.State())
}

func TestCollection(t *testing.T) {
	e := newExecutor(t)
	store := newStore()
	overlay := newOverlay(store, raster.DefaultOptions())
	c := raster.NewCollection(e, &preparer{})

	ready := c.Add(overlay)
	require.Panics(t, func() { c.Add(overlay) })
	require.False(t, c.IsReady(overlay))
	require.True(t, c.ActiveProvider(overlay).IsPlaceholder())

	provider := wait(t, ready)
	require.True(t, c.IsReady(overlay))
	require.Same(t, provider, c.ActiveProvider(overlay))
	require.Equal(t, []*raster.Overlay{overlay}, c.Overlays())

	require.True(t, c.Remove(overlay))
	require.False(t, c.Remove(overlay))
	require.Nil(t, c.ActiveProvider(overlay))
	require.True(t, store.closed)
}

func TestCollectionTextureCoordinateIDs(t *testing.T) {
	e := newExecutor(t)
	c := raster.NewCollection(e, nil)
	imagery := newOverlay(newStore(), raster.DefaultOptions())
	labels := raster.NewOverlay("labels", func() (tile.Reader, error) { return newStore(), nil }, raster.DefaultOptions())
	roads := raster.NewOverlay("roads", func() (tile.Reader, error) { return newStore(), nil }, raster.DefaultOptions())

	c.Add(imagery)
	c.Add(labels)
	require.Equal(t, 0, c.TextureCoordinateID(imagery))
	require.Equal(t, 1, c.TextureCoordinateID(labels))

	require.True(t, c.Remove(imagery))
	require.Equal(t, -1, c.TextureCoordinateID(imagery))
	require.Equal(t, 1, c.TextureCoordinateID(labels))

	c.Add(roads)
	require.Equal(t, 0, c.TextureCoordinateID(roads))
	c.Close()
}

func TestCollectionSourceError(t *testing.T) {
	e := newExecutor(t)
	errOpen := errors.New("no such file")
	overlay := raster.NewOverlay("broken", func() (tile.Reader, error) { return nil, errOpen }, raster.DefaultOptions())
	c := raster.NewCollection(e, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := async.WaitInMainThread(ctx, c.Add(overlay))
	require.ErrorIs(t, err, errOpen)
	require.ErrorIs(t, c.Err(overlay), errOpen)
	require.True(t, c.ActiveProvider(overlay).IsPlaceholder())
}
