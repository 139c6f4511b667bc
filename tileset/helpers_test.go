package tileset_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/raster"
	"github.com/eak1mov/go-tilestream/tile"
	"github.com/eak1mov/go-tilestream/tileset"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("host unreachable")

// mockLoader succeeds for every tile unless a scripted result is queued.
type mockLoader struct {
	mu       sync.Mutex
	gate     chan struct{}
	scripted map[tile.ID][]tileset.LoadResult
	children map[tile.ID][]tileset.ChildDescriptor
	calls    map[tile.ID]int
}

func newMockLoader() *mockLoader {
	return &mockLoader{
		scripted: make(map[tile.ID][]tileset.LoadResult),
		children: make(map[tile.ID][]tileset.ChildDescriptor),
		calls:    make(map[tile.ID]int),
	}
}

func (l *mockLoader) script(id tile.ID, results ...tileset.LoadResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripted[id] = append(l.scripted[id], results...)
}

func (l *mockLoader) callCount(id tile.ID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[id]
}

func (l *mockLoader) LoadTileContent(input tileset.LoadInput) async.Future[tileset.LoadResult] {
	l.mu.Lock()
	l.calls[input.ID]++
	gate := l.gate
	l.mu.Unlock()

	return async.RunInWorkerThread(input.Executor, func() (tileset.LoadResult, error) {
		if gate != nil {
			<-gate
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if queued := l.scripted[input.ID]; len(queued) > 0 {
			l.scripted[input.ID] = queued[1:]
			return queued[0], nil
		}
		return tileset.LoadResult{
			State:    tileset.LoadSuccess,
			Content:  "content " + input.ID.String(),
			Children: l.children[input.ID],
		}, nil
	})
}

type attachment struct {
	Tile        *tileset.Tile
	CoordID     int
	Raster      *raster.Tile
	Translation orb.Point
	Scale       orb.Point
}

// recordingRenderer tracks renderer resources and raster attachments.
type recordingRenderer struct {
	mu          sync.Mutex
	loadThread  int
	mainThread  int
	freed       []string
	attached    map[*raster.Tile]int
	attachments []attachment
	detachments int
}

func newRecordingRenderer() *recordingRenderer {
	return &recordingRenderer{attached: make(map[*raster.Tile]int)}
}

func (r *recordingRenderer) PrepareInLoadThread(id tile.ID, content any) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadThread++
	return fmt.Sprintf("worker %v", id)
}

func (r *recordingRenderer) PrepareInMainThread(t *tileset.Tile, workerResult any) any {
	r.mainThread++
	return fmt.Sprintf("main %v", t.ID())
}

func (r *recordingRenderer) Free(t *tileset.Tile, workerResult, mainResult any) {
	r.freed = append(r.freed, fmt.Sprintf("%v|%v", workerResult, mainResult))
}

func (r *recordingRenderer) PrepareRasterInLoadThread(image *raster.Image) any {
	return len(image.Parts)
}

func (r *recordingRenderer) PrepareRasterInMainThread(_ *raster.Tile, workerResult any) any {
	return workerResult
}

func (r *recordingRenderer) FreeRaster(*raster.Tile, any, any) {}

func (r *recordingRenderer) AttachRasterInMainThread(t *tileset.Tile, coordID int, rt *raster.Tile, _ any, _ orb.Bound, translation, scale orb.Point) {
	r.attached[rt]++
	r.attachments = append(r.attachments, attachment{Tile: t, CoordID: coordID, Raster: rt, Translation: translation, Scale: scale})
}

func (r *recordingRenderer) DetachRasterInMainThread(_ *tileset.Tile, _ int, rt *raster.Tile, _ any, _ orb.Bound) {
	if r.attached[rt] == 0 {
		panic("detach of a raster tile that is not attached")
	}
	r.attached[rt]--
	r.detachments++
}

func (r *recordingRenderer) isAttached(rt *raster.Tile) bool {
	return r.attached[rt] > 0
}

type fixture struct {
	executor *async.Executor
	loader   *mockLoader
	renderer *recordingRenderer
	manager  *tileset.Manager
}

func newFixture(t *testing.T, options tileset.Options) *fixture {
	t.Helper()
	e := async.New(async.WithWorkers(4))
	f := &fixture{
		executor: e,
		loader:   newMockLoader(),
		renderer: newRecordingRenderer(),
	}
	f.manager = tileset.NewManager(e, f.loader, f.renderer, options)
	t.Cleanup(func() {
		f.manager.Close()
		e.Close()
	})
	return f
}

// pump drains the main-thread queue until done reports true.
func (f *fixture) pump(t *testing.T, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		f.executor.DispatchMainThreadTasks()
		if done() {
			return
		}
		wait, stop := context.WithTimeout(ctx, 10*time.Millisecond)
		f.executor.WaitForMainThreadTasks(wait)
		stop()
		require.NoError(t, ctx.Err(), "timed out")
	}
}

// tickUntil runs manager ticks until done reports true.
func (f *fixture) tickUntil(t *testing.T, done func() bool, check func()) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "timed out")
		f.manager.Tick()
		if check != nil {
			check()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		f.executor.WaitForMainThreadTasks(ctx)
		cancel()
	}
}

func (f *fixture) waitLoaded(t *testing.T, tiles ...*tileset.Tile) {
	t.Helper()
	f.pump(t, func() bool {
		for _, tl := range tiles {
			if tl.State() == tileset.ContentLoading {
				return false
			}
		}
		return true
	})
}

// imageryStore serves every tile; tiles in fail return an error.
type imageryStore struct {
	mu   sync.Mutex
	fail map[tile.ID]bool
}

func (s *imageryStore) ReadTile(id tile.ID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[id] {
		return nil, errUnreachable
	}
	return []byte(id.String()), nil
}

func newImagery(store *imageryStore) *raster.Overlay {
	return raster.NewOverlay("imagery", func() (tile.Reader, error) { return store, nil }, raster.DefaultOptions())
}

func (f *fixture) addOverlay(t *testing.T, overlay *raster.Overlay) *raster.Provider {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	provider, err := async.WaitInMainThread(ctx, f.manager.AddOverlay(overlay))
	require.NoError(t, err)
	return provider
}

// loadDone takes a tile from Unloaded to Done.
func (f *fixture) loadDone(t *testing.T, tl *tileset.Tile) {
	t.Helper()
	require.True(t, f.manager.LoadTileContent(tl))
	f.waitLoaded(t, tl)
	require.Equal(t, tileset.ContentLoaded, tl.State())
	require.True(t, f.manager.FinishLoading(tl))
}

type rejectingLoader struct{}

func (rejectingLoader) LoadTileContent(input tileset.LoadInput) async.Future[tileset.LoadResult] {
	return async.Rejected[tileset.LoadResult](input.Executor, errUnreachable)
}
