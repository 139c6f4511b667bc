package loader_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/loader"
	"github.com/eak1mov/go-tilestream/pm"
	"github.com/eak1mov/go-tilestream/pm/spec"
	"github.com/eak1mov/go-tilestream/tile"
	"github.com/eak1mov/go-tilestream/tileset"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("store unreachable")

type memoryStore struct {
	mu    sync.Mutex
	tiles map[tile.ID][]byte
	fail  map[tile.ID]error
}

func (s *memoryStore) ReadTile(tileID tile.ID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[tileID]; err != nil {
		return nil, err
	}
	return s.tiles[tileID], nil
}

func newExecutor(t *testing.T) *async.Executor {
	t.Helper()
	e := async.New(async.WithWorkers(4))
	t.Cleanup(func() { e.Close() })
	return e
}

func load(t *testing.T, e *async.Executor, l *loader.Loader, id tile.ID) tileset.LoadResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := async.WaitInMainThread(ctx, l.LoadTileContent(tileset.LoadInput{
		ID:       id,
		Bounds:   id.Bound(),
		Context:  ctx,
		Executor: e,
	}))
	require.NoError(t, err, "a loader future never rejects")
	return result
}

func compressed(t *testing.T, data string) []byte {
	t.Helper()
	result, err := spec.Compress([]byte(data), spec.CompressionGzip)
	require.NoError(t, err)
	return result
}

func TestLoadTileContent(t *testing.T) {
	e := newExecutor(t)
	store := &memoryStore{
		tiles: map[tile.ID][]byte{
			{X: 0, Y: 0, Z: 1}: compressed(t, "land"),
			{X: 1, Y: 0, Z: 1}: []byte("not gzip"),
			{X: 0, Y: 0, Z: 2}: compressed(t, "deepest"),
		},
		fail: map[tile.ID]error{
			{X: 0, Y: 1, Z: 1}: errUnreachable,
		},
	}
	l := loader.New(store, loader.Options{MinZoom: 1, MaxZoom: 2, Compression: spec.CompressionGzip})

	t.Run("belowMinZoom", func(t *testing.T) {
		result := load(t, e, l, tile.ID{})
		require.Equal(t, tileset.LoadSuccess, result.State)
		require.True(t, result.Empty)
		require.Len(t, result.Children, 4)
		require.Equal(t, tile.ID{X: 1, Y: 1, Z: 1}, result.Children[3].ID)
	})

	t.Run("success", func(t *testing.T) {
		result := load(t, e, l, tile.ID{X: 0, Y: 0, Z: 1})
		require.Equal(t, tileset.LoadSuccess, result.State)
		require.False(t, result.Empty)
		require.Equal(t, []byte("land"), result.Content)
		require.Len(t, result.Children, 4)
	})

	t.Run("maxZoomHasNoChildren", func(t *testing.T) {
		result := load(t, e, l, tile.ID{X: 0, Y: 0, Z: 2})
		require.Equal(t, tileset.LoadSuccess, result.State)
		require.Equal(t, []byte("deepest"), result.Content)
		require.Empty(t, result.Children)
	})

	t.Run("missingIsEmpty", func(t *testing.T) {
		result := load(t, e, l, tile.ID{X: 1, Y: 1, Z: 1})
		require.Equal(t, tileset.LoadSuccess, result.State)
		require.True(t, result.Empty)
		require.Len(t, result.Children, 4)
	})

	t.Run("malformedIsPermanent", func(t *testing.T) {
		result := load(t, e, l, tile.ID{X: 1, Y: 0, Z: 1})
		require.Equal(t, tileset.LoadFailed, result.State)
		require.ErrorIs(t, result.Errors.Err(), loader.ErrMalformedContent)
	})

	t.Run("storeErrorIsTransient", func(t *testing.T) {
		result := load(t, e, l, tile.ID{X: 0, Y: 1, Z: 1})
		require.Equal(t, tileset.LoadFailedTemporarily, result.State)
		require.ErrorIs(t, result.Errors.Err(), errUnreachable)
	})
}

func TestDecodeFunc(t *testing.T) {
	e := newExecutor(t)
	store := &memoryStore{tiles: map[tile.ID][]byte{
		{X: 0, Y: 0, Z: 0}: []byte("42"),
		{X: 0, Y: 0, Z: 1}: []byte("forty-two"),
	}}
	l := loader.New(store, loader.Options{
		MaxZoom: 1,
		Decode:  func(_ tile.ID, data []byte) (any, error) {
			var n int
			if _, err := fmt.Sscanf(string(data), "%d", &n); err != nil {
				return nil, fmt.Errorf("%w: %w", loader.ErrMalformedContent, err)
			}
			return n, nil
		},
	})

	result := load(t, e, l, tile.ID{})
	require.Equal(t, tileset.LoadSuccess, result.State)
	require.Equal(t, 42, result.Content)

	result = load(t, e, l, tile.ID{X: 0, Y: 0, Z: 1})
	require.Equal(t, tileset.LoadFailed, result.State)
}

func TestCanceledContext(t *testing.T) {
	e := newExecutor(t)
	l := loader.New(&memoryStore{}, loader.Options{MaxZoom: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wait, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	result, err := async.WaitInMainThread(wait, l.LoadTileContent(tileset.LoadInput{
		ID:       tile.ID{},
		Context:  ctx,
		Executor: e,
	}))
	require.NoError(t, err)
	require.Equal(t, tileset.LoadFailedTemporarily, result.State)
}

type contextStore struct {
	memoryStore
	mu   sync.Mutex
	ctxs []context.Context
}

func (s *contextStore) ReadTileContext(ctx context.Context, tileID tile.ID) ([]byte, error) {
	s.mu.Lock()
	s.ctxs = append(s.ctxs, ctx)
	s.mu.Unlock()
	return s.ReadTile(tileID)
}

func TestContextReader(t *testing.T) {
	e := newExecutor(t)
	store := &contextStore{memoryStore: memoryStore{tiles: map[tile.ID][]byte{{}: []byte("root")}}}
	l := loader.New(store, loader.Options{MaxZoom: 1})

	result := load(t, e, l, tile.ID{})
	require.Equal(t, tileset.LoadSuccess, result.State)
	require.Equal(t, []byte("root"), result.Content)
	require.Len(t, store.ctxs, 1)
	require.NotNil(t, store.ctxs[0])
}

// writePyramid stores gzip-compressed "z/x/y" content for every tile up to maxZoom.
func writePyramid(t *testing.T, maxZoom uint32) string {
	t.Helper()
	filePath := filepath.Join(t.TempDir(), "pyramid.pmtiles")
	writer, err := pm.NewWriter(filePath, pm.WithHeaderMetadata(pm.HeaderMetadata{
		TileCompression: spec.CompressionGzip,
		TileType:        spec.TileTypeMvt,
		MinZoom:         0,
		MaxZoom:         uint8(maxZoom),
	}))
	require.NoError(t, err)
	defer writer.Close()

	for z := range maxZoom + 1 {
		for x := range uint32(1) << z {
			for y := range uint32(1) << z {
				id := tile.ID{X: x, Y: y, Z: z}
				require.NoError(t, writer.WriteTile(id, compressed(t, id.String())))
			}
		}
	}
	require.NoError(t, writer.Finalize())
	return filePath
}

func TestStreamPMTiles(t *testing.T) {
	const maxZoom = 3
	e := newExecutor(t)

	reader, err := pm.NewCachingFileReader(writePyramid(t, maxZoom), e)
	require.NoError(t, err)
	defer reader.Close()
	l := loader.New(reader, loader.OptionsFromHeader(reader.HeaderMetadata()))
	require.EqualValues(t, maxZoom, l.Options().MaxZoom)

	options := tileset.DefaultOptions()
	options.MaximumSimultaneousTileLoads = 5
	manager := tileset.NewManager(e, l, nil, options)
	defer manager.Close()

	root := tileset.NewTile(tile.ID{})
	queue := tileset.NewTileQueue(1)
	queue.Enqueue(root)
	manager.Scheduler().Register(queue)

	expanded := make(map[*tileset.Tile]bool)
	deadline := time.Now().Add(10 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "timed out")
		manager.Tick()
		require.LessOrEqual(t, manager.NumberOfTilesLoading(), 5)

		done := 0
		for tl := range root.All() {
			require.NotEqual(t, tileset.Failed, tl.State(), "tile %v: %v", tl.ID(), tl.LastErrors().Err())
			if tl.State() != tileset.Done {
				continue
			}
			done++
			if !expanded[tl] {
				expanded[tl] = true
				queue.Enqueue(tl.Children()...)
			}
		}
		if done == 1+4+16+64 {
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		e.WaitForMainThreadTasks(ctx)
		cancel()
	}

	for tl := range root.All() {
		require.Equal(t, []byte(tl.ID().String()), tl.Content().Decoded, "tile %v", tl.ID())
		if tl.ID().Z == maxZoom {
			require.Empty(t, tl.Children())
		}
	}
	require.Equal(t, tileset.Stats{Done: 85}, manager.Stats())
	require.Zero(t, reader.CacheStats().Pending)
}
