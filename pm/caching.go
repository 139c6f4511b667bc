package pm

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/cache"
	"github.com/eak1mov/go-tilestream/pm/spec"
	"github.com/eak1mov/go-tilestream/tile"
)

const entrySize = int64(unsafe.Sizeof(spec.Entry{}))

type directoryHandle = cache.Handle[uint64, []spec.Entry]

// CachingReader resolves tiles through a shared cache of deserialized
// directories keyed by their file offset. Concurrent lookups of the same
// directory are coalesced into one read.
type CachingReader struct {
	*Reader
	executor *async.Executor
	dirs     *cache.Shared[uint64, []spec.Entry]
	logger   *slog.Logger
}

type cachingConfig struct {
	threshold int64
	logger    *slog.Logger
	metrics   cache.Metrics
}

type CachingOption func(*cachingConfig)

// WithCacheThreshold sets the byte size of unused directories kept in memory.
func WithCacheThreshold(bytes int64) CachingOption {
	return func(c *cachingConfig) { c.threshold = bytes }
}

func WithCacheLogger(logger *slog.Logger) CachingOption {
	return func(c *cachingConfig) { c.logger = logger }
}

func WithCacheMetrics(m cache.Metrics) CachingOption {
	return func(c *cachingConfig) { c.metrics = m }
}

// NewCachingReader wraps r. Directory reads run on the workers of e.
// Closing the CachingReader closes r.
func NewCachingReader(r *Reader, e *async.Executor, opts ...CachingOption) *CachingReader {
	config := cachingConfig{
		threshold: cache.DefaultThreshold,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&config)
	}
	cacheOpts := []cache.Option{
		cache.WithName("pmtiles"),
		cache.WithThreshold(config.threshold),
		cache.WithLogger(config.logger),
	}
	if config.metrics != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics(config.metrics))
	}
	return &CachingReader{
		Reader:   r,
		executor: e,
		dirs:     cache.New[uint64, []spec.Entry](e, nil, cacheOpts...),
		logger:   config.logger,
	}
}

// NewCachingFileReader opens filePath and wraps it in a CachingReader.
func NewCachingFileReader(filePath string, e *async.Executor, opts ...CachingOption) (*CachingReader, error) {
	r, err := NewFileReader(filePath)
	if err != nil {
		return nil, err
	}
	return NewCachingReader(r, e, opts...), nil
}

func (r *CachingReader) fetchDirectory(dir tile.Location) cache.FetchFunc[[]spec.Entry] {
	return func() ([]spec.Entry, int64, error) {
		entries, err := r.readDirectory(dir.Offset, dir.Length)
		if err != nil {
			return nil, 0, err
		}
		r.logger.Debug("pm: directory cached", "offset", dir.Offset, "entries", len(entries))
		return entries, int64(len(entries)) * entrySize, nil
	}
}

// locateAsync walks from dir down to the entry of tileCode, suspending on
// every directory that is not cached yet.
func (r *CachingReader) locateAsync(dir tile.Location, tileCode uint64, depth int) async.Future[tile.Location] {
	if depth >= spec.MaxDirectoryDepth {
		return async.Rejected[tile.Location](r.executor,
			fmt.Errorf("%w: deeper than %d levels", spec.ErrInvalidDirectory, spec.MaxDirectoryDepth))
	}
	entries := r.dirs.GetOrFetch(dir.Offset, r.fetchDirectory(dir))
	return async.ThenInWorkerThreadAsync(entries, func(h *directoryHandle) async.Future[tile.Location] {
		location, leaf, next := r.directoryStep(h.Value(), tileCode)
		h.Release()
		if !next {
			return async.Resolved(r.executor, location)
		}
		return r.locateAsync(leaf, tileCode, depth+1)
	})
}

// ReadLocationAsync resolves the location of tile data on the workers.
func (r *CachingReader) ReadLocationAsync(tileID tile.ID) async.Future[tile.Location] {
	tileCode, err := encodeTileID(tileID)
	if err != nil {
		return async.Rejected[tile.Location](r.executor, err)
	}
	return r.locateAsync(r.rootDirectory(), tileCode, 0)
}

// ReadTileAsync reads tile data on the workers. A missing tile resolves to an empty slice.
func (r *CachingReader) ReadTileAsync(tileID tile.ID) async.Future[[]byte] {
	return async.ThenInWorkerThread(r.ReadLocationAsync(tileID), r.readData)
}

// ReadLocation uses cached directories when present and reads the others
// without caching them. It never blocks on the executor.
func (r *CachingReader) ReadLocation(tileID tile.ID) (tile.Location, error) {
	tileCode, err := encodeTileID(tileID)
	if err != nil {
		return tile.Location{}, err
	}
	dir := r.rootDirectory()
	for range spec.MaxDirectoryDepth {
		var entries []spec.Entry
		if h, ok := r.dirs.Reacquire(dir.Offset); ok {
			entries = h.Value()
			h.Release()
		} else {
			var err error
			if entries, err = r.readDirectory(dir.Offset, dir.Length); err != nil {
				return tile.Location{}, err
			}
		}
		location, leaf, next := r.directoryStep(entries, tileCode)
		if !next {
			return location, nil
		}
		dir = leaf
	}
	return tile.Location{}, fmt.Errorf("%w: deeper than %d levels", spec.ErrInvalidDirectory, spec.MaxDirectoryDepth)
}

func (r *CachingReader) ReadTile(tileID tile.ID) ([]byte, error) {
	location, err := r.ReadLocation(tileID)
	if err != nil {
		return nil, err
	}
	return r.readData(location)
}

// CacheStats reports the directory cache bookkeeping.
func (r *CachingReader) CacheStats() cache.Stats {
	return r.dirs.Stats()
}
