// Package raster drapes tiled raster overlays onto geometry tiles: overlays,
// their tile providers and the raster tiles they hand out.
package raster

import (
	"errors"
	"io"
	"log/slog"
	"slices"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/tile"
)

// Options are the per-overlay limits.
type Options struct {
	// MaximumSimultaneousTileLoads caps in-flight raster tile loads of the overlay.
	MaximumSimultaneousTileLoads int
	// SubTileCacheBytes is the eviction threshold of the source tile cache.
	SubTileCacheBytes int64
	// MaximumTextureSize limits the pixel size of a composed image.
	MaximumTextureSize int
	MinZoom            uint32
	MaxZoom            uint32
}

func DefaultOptions() Options {
	return Options{
		MaximumSimultaneousTileLoads: 20,
		SubTileCacheBytes:            16 << 20,
		MaximumTextureSize:           2048,
		MinZoom:                      0,
		MaxZoom:                      tile.MaxZoom,
	}
}

// SourceFunc opens the tile store of an overlay. It runs on a worker.
type SourceFunc func() (tile.Reader, error)

// Overlay is a tiled raster dataset. Overlays are compared by identity.
type Overlay struct {
	name    string
	options Options
	source  SourceFunc
}

func NewOverlay(name string, source SourceFunc, options Options) *Overlay {
	if options.MaximumSimultaneousTileLoads < 1 {
		options.MaximumSimultaneousTileLoads = 1
	}
	if options.MaximumTextureSize < TileSize {
		options.MaximumTextureSize = TileSize
	}
	options.MaxZoom = min(max(options.MaxZoom, options.MinZoom), tile.MaxZoom)
	return &Overlay{name: name, options: options, source: source}
}

func (o *Overlay) Name() string     { return o.name }
func (o *Overlay) Options() Options { return o.options }

var ErrOverlayRemoved = errors.New("raster: overlay removed")

type overlayEntry struct {
	overlay     *Overlay
	coordID     int
	placeholder *Provider
	provider    *Provider
	err         error
}

// Collection is the set of overlays draped on a tileset. Each overlay starts
// with a placeholder provider; its real provider is created asynchronously.
// All methods must be called on the main thread.
type Collection struct {
	executor *async.Executor
	preparer Preparer
	opts     []Option
	logger   *slog.Logger
	entries  []*overlayEntry
}

func NewCollection(e *async.Executor, preparer Preparer, opts ...Option) *Collection {
	return &Collection{
		executor: e,
		preparer: preparer,
		opts:     opts,
		logger:   buildOptions(opts).logger,
	}
}

func (c *Collection) find(overlay *Overlay) *overlayEntry {
	for _, entry := range c.entries {
		if entry.overlay == overlay {
			return entry
		}
	}
	return nil
}

// Add registers overlay and starts opening its source. The returned future
// settles on the main thread once the real provider is ready or failed.
func (c *Collection) Add(overlay *Overlay) async.Future[*Provider] {
	if c.find(overlay) != nil {
		panic("raster: overlay " + overlay.Name() + " added twice")
	}
	entry := &overlayEntry{
		overlay:     overlay,
		coordID:     c.freeCoordID(),
		placeholder: NewPlaceholderProvider(overlay, c.executor, c.opts...),
	}
	c.entries = append(c.entries, entry)

	opened := async.RunInWorkerThread[tile.Reader](c.executor, overlay.source)
	return async.ThenInMainThread(async.Settle(opened), func(r async.Result[tile.Reader]) (*Provider, error) {
		if c.find(overlay) != entry {
			if closer, ok := r.Value.(io.Closer); ok {
				closer.Close()
			}
			return nil, ErrOverlayRemoved
		}
		if r.Err != nil {
			entry.err = r.Err
			c.logger.Error("raster: failed to open overlay", "overlay", overlay.Name(), "error", r.Err)
			return nil, r.Err
		}
		entry.provider = NewProvider(overlay, c.executor, r.Value, c.preparer, c.opts...)
		c.logger.Info("raster: overlay ready", "overlay", overlay.Name())
		return entry.provider, nil
	})
}

// freeCoordID returns the lowest texture coordinate id no overlay holds.
func (c *Collection) freeCoordID() int {
	for id := 0; ; id++ {
		if !slices.ContainsFunc(c.entries, func(e *overlayEntry) bool { return e.coordID == id }) {
			return id
		}
	}
}

// TextureCoordinateID returns the id overlay keeps from Add to Remove,
// or -1 for an unknown overlay. Ids of removed overlays are reused.
func (c *Collection) TextureCoordinateID(overlay *Overlay) int {
	if entry := c.find(overlay); entry != nil {
		return entry.coordID
	}
	return -1
}

// Remove destroys the providers of overlay. It reports whether overlay was present.
func (c *Collection) Remove(overlay *Overlay) bool {
	entry := c.find(overlay)
	if entry == nil {
		return false
	}
	c.entries = slices.DeleteFunc(c.entries, func(e *overlayEntry) bool { return e == entry })
	entry.placeholder.Destroy()
	if entry.provider != nil {
		entry.provider.Destroy()
	}
	return true
}

func (c *Collection) Overlays() []*Overlay {
	overlays := make([]*Overlay, len(c.entries))
	for i, entry := range c.entries {
		overlays[i] = entry.overlay
	}
	return overlays
}

// ActiveProvider returns the real provider of overlay if it is ready and the
// placeholder otherwise, or nil for an unknown overlay.
func (c *Collection) ActiveProvider(overlay *Overlay) *Provider {
	entry := c.find(overlay)
	switch {
	case entry == nil:
		return nil
	case entry.provider != nil:
		return entry.provider
	default:
		return entry.placeholder
	}
}

func (c *Collection) IsReady(overlay *Overlay) bool {
	entry := c.find(overlay)
	return entry != nil && entry.provider != nil
}

// Err returns the error that prevented the real provider from being created.
func (c *Collection) Err(overlay *Overlay) error {
	if entry := c.find(overlay); entry != nil {
		return entry.err
	}
	return nil
}

// Close removes every overlay.
func (c *Collection) Close() {
	for _, overlay := range c.Overlays() {
		c.Remove(overlay)
	}
}
