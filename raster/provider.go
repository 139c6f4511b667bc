package raster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/cache"
	"github.com/eak1mov/go-tilestream/tile"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TileSize is the pixel size of a source tile.
const TileSize = 256

// maxLatitude is the web mercator latitude limit.
const maxLatitude = 85.05112877980659

var (
	ErrProviderDestroyed = errors.New("raster: provider destroyed")
	ErrSubTile           = errors.New("raster: failed to read source tile")
)

// Preparer builds renderer resources for raster tiles.
// FreeRaster receives whatever the prepare calls returned; either may be nil.
type Preparer interface {
	PrepareRasterInLoadThread(image *Image) any
	PrepareRasterInMainThread(t *Tile, workerResult any) any
	FreeRaster(t *Tile, workerResult, mainResult any)
}

// Metrics receives raster load events.
type Metrics interface {
	ObserveRasterLoad(overlay, outcome string, d time.Duration)
	RecordRasterLoadsInFlight(overlay string, n int)
}

// Provider supplies raster tiles of one overlay. A placeholder provider hands
// out placeholder tiles until the overlay's real provider is ready.
// All methods must be called on the main thread.
type Provider struct {
	overlay     *Overlay
	executor    *async.Executor
	source      tile.Reader
	preparer    Preparer
	subTiles    *cache.Shared[tile.ID, []byte]
	placeholder bool

	inFlight  int
	destroyed bool

	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
}

type providerOptions struct {
	logger       *slog.Logger
	metrics      Metrics
	cacheMetrics cache.Metrics
	tracer       trace.Tracer
}

type Option func(*providerOptions)

func WithLogger(logger *slog.Logger) Option {
	return func(o *providerOptions) { o.logger = logger }
}

func WithMetrics(m Metrics) Option {
	return func(o *providerOptions) { o.metrics = m }
}

// WithCacheMetrics instruments the per-overlay source tile cache.
func WithCacheMetrics(m cache.Metrics) Option {
	return func(o *providerOptions) { o.cacheMetrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *providerOptions) { o.tracer = tracer }
}

func buildOptions(opts []Option) providerOptions {
	o := providerOptions{
		logger: slog.New(slog.DiscardHandler),
		tracer: otel.Tracer("github.com/eak1mov/go-tilestream/raster"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewProvider creates a provider reading source tiles from source.
func NewProvider(overlay *Overlay, e *async.Executor, source tile.Reader, preparer Preparer, opts ...Option) *Provider {
	o := buildOptions(opts)
	p := &Provider{
		overlay:  overlay,
		executor: e,
		source:   source,
		preparer: preparer,
		logger:   o.logger,
		metrics:  o.metrics,
		tracer:   o.tracer,
	}
	cacheOpts := []cache.Option{
		cache.WithName("raster:" + overlay.Name()),
		cache.WithThreshold(overlay.Options().SubTileCacheBytes),
		cache.WithLogger(o.logger),
	}
	if o.cacheMetrics != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics(o.cacheMetrics))
	}
	p.subTiles = cache.New[tile.ID, []byte](e, nil, cacheOpts...)
	return p
}

// NewPlaceholderProvider creates a provider whose tiles never load.
func NewPlaceholderProvider(overlay *Overlay, e *async.Executor, opts ...Option) *Provider {
	o := buildOptions(opts)
	return &Provider{
		overlay:     overlay,
		executor:    e,
		placeholder: true,
		logger:      o.logger,
		tracer:      o.tracer,
	}
}

func (p *Provider) Overlay() *Overlay    { return p.overlay }
func (p *Provider) IsPlaceholder() bool  { return p.placeholder }
func (p *Provider) NumberOfLoading() int { return p.inFlight }

// CacheStats reports the source tile cache. Placeholders have none.
func (p *Provider) CacheStats() cache.Stats {
	if p.subTiles == nil {
		return cache.Stats{}
	}
	return p.subTiles.Stats()
}

// GetTile returns an unloaded tile covering rect with about targetPixels
// pixels across. The zoom is limited by the overlay zoom range and by the
// maximum texture size.
func (p *Provider) GetTile(rect orb.Bound, targetPixels orb.Point) *Tile {
	t := &Tile{provider: p, rect: rect, bound: rect}
	if p.placeholder {
		t.state = Placeholder
		return t
	}
	options := p.overlay.Options()
	t.zoom = p.zoomFor(rect, targetPixels)
	t.ids, t.bound = coverage(rect, t.zoom)
	t.state = Unloaded
	if t.zoom < options.MaxZoom {
		t.moreDetail = MoreDetailYes
	} else {
		t.moreDetail = MoreDetailNo
	}
	return t
}

func (p *Provider) zoomFor(rect orb.Bound, targetPixels orb.Point) uint32 {
	options := p.overlay.Options()
	width := rect.Right() - rect.Left()

	zoom := options.MinZoom
	if width > 0 && targetPixels.X() > 0 {
		// The world is 2^z source tiles wide at zoom z.
		z := math.Ceil(math.Log2(targetPixels.X() * 360 / (width * TileSize)))
		if z > float64(zoom) {
			zoom = uint32(min(z, float64(options.MaxZoom)))
		}
	}
	for zoom > options.MinZoom && textureSize(rect, zoom) > options.MaximumTextureSize {
		zoom--
	}
	return zoom
}

func tileRange(rect orb.Bound, zoom uint32) (x0, y0, x1, y1 uint32) {
	const eps = 1e-9
	clampLat := func(lat float64) float64 { return max(-maxLatitude, min(maxLatitude, lat)) }
	n := float64(uint64(1) << zoom)
	clampIndex := func(v float64) uint32 { return uint32(max(0, min(n-1, v))) }

	// maptile.Fraction clips the rows near the poles, so y is computed here.
	left := maptile.Fraction(orb.Point{rect.Left(), 0}, maptile.Zoom(zoom)).X()
	right := maptile.Fraction(orb.Point{rect.Right(), 0}, maptile.Zoom(zoom)).X()
	top := mercatorY(clampLat(rect.Top())) * n
	bottom := mercatorY(clampLat(rect.Bottom())) * n

	x0 = clampIndex(math.Floor(left + eps))
	y0 = clampIndex(math.Floor(top + eps))
	x1 = max(x0, clampIndex(math.Ceil(right-eps)-1))
	y1 = max(y0, clampIndex(math.Ceil(bottom-eps)-1))
	return x0, y0, x1, y1
}

// mercatorY maps lat to [0, 1] from north to south.
func mercatorY(lat float64) float64 {
	sin := math.Sin(lat * math.Pi / 180)
	return 0.5 - math.Log((1+sin)/(1-sin))/(4*math.Pi)
}

func textureSize(rect orb.Bound, zoom uint32) int {
	x0, y0, x1, y1 := tileRange(rect, zoom)
	return int(max(x1-x0+1, y1-y0+1)) * TileSize
}

// coverage returns the source tiles covering rect at zoom in row-major order,
// and the union of their bounds.
func coverage(rect orb.Bound, zoom uint32) ([]tile.ID, orb.Bound) {
	x0, y0, x1, y1 := tileRange(rect, zoom)
	ids := make([]tile.ID, 0, (x1-x0+1)*(y1-y0+1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			ids = append(ids, tile.ID{X: x, Y: y, Z: zoom})
		}
	}
	bound := ids[0].Bound().Union(ids[len(ids)-1].Bound())
	return ids, bound
}

type loadResult struct {
	image        *Image
	handles      []*cache.Handle[tile.ID, []byte]
	workerResult any
	err          error
}

// Load fetches the source tiles of t through the overlay cache, composes the
// image and prepares worker resources. The returned future settles on the
// main thread after t left the Loading state. Load errors are kept on the tile.
func (p *Provider) Load(t *Tile) async.Future[struct{}] {
	if t.provider != p {
		panic("raster: tile loaded by a foreign provider")
	}
	if p.placeholder || t.state != Unloaded {
		return async.Resolved(p.executor, struct{}{})
	}
	if p.destroyed {
		t.state = Failed
		t.err = ErrProviderDestroyed
		return async.Resolved(p.executor, struct{}{})
	}

	t.state = Loading
	t.AddReference()
	p.inFlight++
	p.recordInFlight()

	start := time.Now()
	_, span := p.tracer.Start(context.Background(), "raster.load", trace.WithAttributes(
		attribute.String("overlay", p.overlay.Name()),
		attribute.Int("zoom", int(t.zoom)),
		attribute.Int("sub_tiles", len(t.ids)),
	))

	fetches := make([]async.Future[async.Result[*cache.Handle[tile.ID, []byte]]], len(t.ids))
	for i, id := range t.ids {
		fetches[i] = async.Settle(p.subTiles.GetOrFetch(id, p.fetchSubTile(id)))
	}
	bound, zoom := t.bound, t.zoom
	composed := async.ThenInWorkerThread(async.All(p.executor, fetches),
		func(results []async.Result[*cache.Handle[tile.ID, []byte]]) (loadResult, error) {
			return p.compose(bound, zoom, results), nil
		})

	return async.ThenInMainThread(async.Settle(composed), func(settled async.Result[loadResult]) (struct{}, error) {
		defer span.End()
		r := settled.Value
		if settled.Err != nil {
			r = loadResult{err: settled.Err}
		}
		p.inFlight--
		p.recordInFlight()

		outcome := "loaded"
		t.handles = r.handles
		t.workerResult = r.workerResult
		if r.err != nil {
			outcome = "failed"
			t.state = Failed
			t.err = r.err
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
			p.logger.Warn("raster: tile load failed", "overlay", p.overlay.Name(), "zoom", t.zoom, "error", r.err)
		} else {
			t.state = Loaded
			t.image = r.image
		}
		if p.metrics != nil {
			p.metrics.ObserveRasterLoad(p.overlay.Name(), outcome, time.Since(start))
		}

		t.ReleaseReference()
		if p.destroyed && p.inFlight == 0 {
			p.closeSource()
		}
		return struct{}{}, nil
	})
}

func (p *Provider) fetchSubTile(id tile.ID) cache.FetchFunc[[]byte] {
	return func() ([]byte, int64, error) {
		data, err := p.source.ReadTile(id)
		if err != nil {
			return nil, 0, fmt.Errorf("%w %v: %w", ErrSubTile, id, err)
		}
		return data, int64(len(data)), nil
	}
}

// compose runs on a worker. Any failed source tile fails the whole image.
func (p *Provider) compose(bound orb.Bound, zoom uint32, results []async.Result[*cache.Handle[tile.ID, []byte]]) loadResult {
	var errs []error
	handles := make([]*cache.Handle[tile.ID, []byte], 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
			continue
		}
		handles = append(handles, r.Value)
	}
	if len(errs) > 0 {
		for _, h := range handles {
			h.Release()
		}
		return loadResult{err: errors.Join(errs...)}
	}

	image := &Image{Bound: bound, Zoom: zoom, Parts: make([]SubTile, len(handles))}
	for i, h := range handles {
		image.Parts[i] = SubTile{ID: h.Key(), Bound: h.Key().Bound(), Data: h.Value()}
	}
	workerResult, err := p.prepare(image)
	if err != nil {
		for _, h := range handles {
			h.Release()
		}
		return loadResult{err: err}
	}
	return loadResult{image: image, handles: handles, workerResult: workerResult}
}

// prepare turns a panic of the preparer into an error so the sub-tile
// handles can still be released.
func (p *Provider) prepare(image *Image) (workerResult any, err error) {
	if p.preparer == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", async.ErrPanic, r)
		}
	}()
	return p.preparer.PrepareRasterInLoadThread(image), nil
}

// LoadThrottled starts loading t unless the overlay already has its maximum
// number of loads in flight. It reports whether t is loading or past loading.
func (p *Provider) LoadThrottled(t *Tile) bool {
	switch t.state {
	case Placeholder:
		return false
	case Unloaded:
	default:
		return true
	}
	if p.inFlight >= p.overlay.Options().MaximumSimultaneousTileLoads {
		return false
	}
	p.Load(t)
	return true
}

// FinishLoading prepares main-thread resources of a Loaded tile.
func (p *Provider) FinishLoading(t *Tile) bool {
	if t.state != Loaded {
		return t.state == Done
	}
	if p.preparer != nil {
		t.mainResult = p.preparer.PrepareRasterInMainThread(t, t.workerResult)
	}
	t.state = Done
	return true
}

func (p *Provider) free(t *Tile) {
	if p.preparer != nil && (t.workerResult != nil || t.mainResult != nil) {
		p.preparer.FreeRaster(t, t.workerResult, t.mainResult)
	}
	t.workerResult, t.mainResult = nil, nil
	for _, h := range t.handles {
		h.Release()
	}
	t.handles = nil
	t.image = nil
	if t.state == Loaded || t.state == Done {
		t.state = Unloaded
	}
}

// Destroy stops the provider from starting loads. The source is closed once
// in-flight loads completed.
func (p *Provider) Destroy() {
	if p.destroyed {
		return
	}
	p.destroyed = true
	if p.inFlight == 0 {
		p.closeSource()
	}
}

func (p *Provider) closeSource() {
	closer, ok := p.source.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		p.logger.Warn("raster: failed to close source", "overlay", p.overlay.Name(), "error", err)
	}
	p.source = nil
}

func (p *Provider) recordInFlight() {
	if p.metrics != nil {
		p.metrics.RecordRasterLoadsInFlight(p.overlay.Name(), p.inFlight)
	}
}
