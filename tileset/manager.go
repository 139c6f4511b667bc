package tileset

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/raster"
	"github.com/paulmach/orb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options are the loading limits of a Manager.
type Options struct {
	// MaximumSimultaneousTileLoads caps tiles in ContentLoading.
	MaximumSimultaneousTileLoads int
	// MainThreadLoadingTimeLimit bounds the main-thread stage of a tick. Zero means no limit.
	MainThreadLoadingTimeLimit time.Duration
	// TargetScreenPixels is the size raster tiles are selected for.
	TargetScreenPixels orb.Point
}

func DefaultOptions() Options {
	return Options{
		MaximumSimultaneousTileLoads: 20,
		TargetScreenPixels:           orb.Point{256, 256},
	}
}

// Metrics receives tile load events.
type Metrics interface {
	ObserveTileLoad(outcome string, d time.Duration)
	RecordTilesInState(state string, n int)
	ObserveTick(workerGrants, mainGrants int, d time.Duration)
}

// Stats counts tiles per content state. Unloaded tiles are not tracked.
type Stats struct {
	Loading           int
	Loaded            int
	Done              int
	Failed            int
	FailedTemporarily int
}

type loadAttempt struct {
	tile  *Tile
	start time.Time
	span  trace.Span
}

type prepared struct {
	result       LoadResult
	workerResult any
}

// Manager drives the content state of tiles and the raster mappings of
// loaded tiles. Except for the constructor, all methods must be called on
// the main thread, the goroutine that drains the executor's main queue.
type Manager struct {
	executor *async.Executor
	loader   ContentLoader
	renderer Renderer
	overlays *raster.Collection
	options  Options

	scheduler   *Scheduler
	initializer func(*Tile)
	logger      *slog.Logger
	metrics     Metrics
	tracer      trace.Tracer

	counts        map[ContentState]int
	tracked       map[*Tile]struct{}
	rasterPending []*Tile
	closed        bool
}

type managerOptions struct {
	logger        *slog.Logger
	metrics       Metrics
	tracer        trace.Tracer
	initializer   func(*Tile)
	rasterOptions []raster.Option
}

type Option func(*managerOptions)

func WithLogger(logger *slog.Logger) Option {
	return func(o *managerOptions) { o.logger = logger }
}

func WithMetrics(m Metrics) Option {
	return func(o *managerOptions) { o.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *managerOptions) { o.tracer = tracer }
}

// WithTileInitializer sets a callback run on every tile reaching Done.
func WithTileInitializer(fn func(*Tile)) Option {
	return func(o *managerOptions) { o.initializer = fn }
}

// WithRasterOptions configures the providers of added overlays.
func WithRasterOptions(opts ...raster.Option) Option {
	return func(o *managerOptions) { o.rasterOptions = append(o.rasterOptions, opts...) }
}

func NewManager(e *async.Executor, loader ContentLoader, renderer Renderer, options Options, opts ...Option) *Manager {
	o := managerOptions{
		logger: slog.New(slog.DiscardHandler),
		tracer: otel.Tracer("github.com/eak1mov/go-tilestream/tileset"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if options.MaximumSimultaneousTileLoads < 1 {
		options.MaximumSimultaneousTileLoads = 1
	}
	if options.TargetScreenPixels == (orb.Point{}) {
		options.TargetScreenPixels = DefaultOptions().TargetScreenPixels
	}

	var preparer raster.Preparer
	if renderer != nil {
		preparer = renderer
	}
	m := &Manager{
		executor:    e,
		loader:      loader,
		renderer:    renderer,
		overlays:    raster.NewCollection(e, preparer, append([]raster.Option{raster.WithLogger(o.logger)}, o.rasterOptions...)...),
		options:     options,
		initializer: o.initializer,
		logger:      o.logger,
		metrics:     o.metrics,
		tracer:      o.tracer,
		counts:      make(map[ContentState]int),
		tracked:     make(map[*Tile]struct{}),
	}
	m.scheduler = newScheduler(m)
	return m
}

func (m *Manager) Executor() *async.Executor    { return m.executor }
func (m *Manager) Options() Options             { return m.options }
func (m *Manager) Scheduler() *Scheduler        { return m.scheduler }
func (m *Manager) Overlays() *raster.Collection { return m.overlays }

// NumberOfTilesLoading returns the number of tiles in ContentLoading.
func (m *Manager) NumberOfTilesLoading() int { return m.counts[ContentLoading] }

func (m *Manager) Stats() Stats {
	return Stats{
		Loading:           m.counts[ContentLoading],
		Loaded:            m.counts[ContentLoaded],
		Done:              m.counts[Done],
		Failed:            m.counts[Failed],
		FailedTemporarily: m.counts[FailedTemporarily],
	}
}

func (m *Manager) setState(t *Tile, state ContentState) {
	if t.state == state {
		return
	}
	prev := t.state
	if prev != Unloaded {
		m.counts[prev]--
	}
	if state == Unloaded {
		delete(m.tracked, t)
	} else {
		m.counts[state]++
		m.tracked[t] = struct{}{}
	}
	t.state = state

	if m.metrics != nil {
		if prev != Unloaded {
			m.metrics.RecordTilesInState(prev.String(), m.counts[prev])
		}
		if state != Unloaded {
			m.metrics.RecordTilesInState(state.String(), m.counts[state])
		}
	}
}

// Tick completes finished work queued for the main thread, then runs one
// scheduling round.
func (m *Manager) Tick() {
	m.executor.DispatchMainThreadTasks()
	m.scheduler.Tick()
}

// LoadTileContent starts loading an Unloaded or FailedTemporarily tile and
// reports whether it did. Calling it for a tile already loading panics.
func (m *Manager) LoadTileContent(t *Tile) bool {
	switch t.state {
	case ContentLoading:
		panic(fmt.Sprintf("tileset: tile %v already loading", t.id))
	case Unloaded, FailedTemporarily:
	default:
		return false
	}
	if m.closed {
		return false
	}

	ctx, span := m.tracer.Start(context.Background(), "tileset.load", trace.WithAttributes(
		attribute.String("tile", t.id.String()),
	))
	attempt := &loadAttempt{tile: t, start: time.Now(), span: span}
	t.attempt = attempt
	m.setState(t, ContentLoading)

	input := LoadInput{
		ID:       t.id,
		Bounds:   t.bounds,
		Context:  ctx,
		Logger:   m.logger,
		Executor: m.executor,
	}
	id, renderer := t.id, m.renderer
	worker := async.ThenInWorkerThread(async.Settle(m.loader.LoadTileContent(input)),
		func(r async.Result[LoadResult]) (prepared, error) {
			result := r.Value
			if r.Err != nil {
				result = LoadResult{State: LoadFailed}
				result.Errors.AddError(r.Err)
			}
			p := prepared{result: result}
			if result.State == LoadSuccess && !result.Empty && renderer != nil {
				p.workerResult = renderer.PrepareInLoadThread(id, result.Content)
			}
			return p, nil
		})
	// A panicking renderer rejects worker; the tile still has to leave ContentLoading.
	async.ThenInMainThread(async.Settle(worker), func(r async.Result[prepared]) (struct{}, error) {
		p := r.Value
		if r.Err != nil {
			p = prepared{result: LoadResult{State: LoadFailed}}
			p.result.Errors.AddError(r.Err)
		}
		m.finishLoad(attempt, p)
		return struct{}{}, nil
	})
	return true
}

func (m *Manager) finishLoad(attempt *loadAttempt, p prepared) {
	t := attempt.tile
	result := p.result
	defer attempt.span.End()

	if m.metrics != nil {
		m.metrics.ObserveTileLoad(result.State.String(), time.Since(attempt.start))
	}
	if t.attempt != attempt || m.closed {
		m.freeWorkerResult(t, p.workerResult)
		if t.attempt == attempt {
			t.attempt = nil
			m.setState(t, Unloaded)
		}
		return
	}
	t.attempt = nil
	t.lastErrors = result.Errors
	result.Errors.Log(m.logger, "tileset: tile load", "tile", t.id, "state", result.State)
	if err := result.Errors.Err(); err != nil {
		attempt.span.RecordError(err)
	}

	switch result.State {
	case LoadSuccess:
		t.content = &TileContent{
			Decoded:      result.Content,
			Empty:        result.Empty,
			workerResult: p.workerResult,
		}
		if len(t.children) == 0 && len(result.Children) > 0 {
			t.children = make([]*Tile, len(result.Children))
			for i, desc := range result.Children {
				t.children[i] = newTile(t, desc)
			}
		}
		t.mightHaveLatentChildren = false
		m.setState(t, ContentLoaded)
	case LoadFailedTemporarily:
		m.freeWorkerResult(t, p.workerResult)
		attempt.span.SetStatus(codes.Error, "failed temporarily")
		m.setState(t, FailedTemporarily)
	default:
		m.freeWorkerResult(t, p.workerResult)
		attempt.span.SetStatus(codes.Error, "failed")
		m.setState(t, Failed)
	}
}

func (m *Manager) freeWorkerResult(t *Tile, workerResult any) {
	if workerResult != nil && m.renderer != nil {
		m.renderer.Free(t, workerResult, nil)
	}
}

// FinishLoading moves a ContentLoaded tile to Done: main-thread renderer
// resources, the tile initializer and raster mappings for every overlay.
func (m *Manager) FinishLoading(t *Tile) bool {
	if t.state != ContentLoaded {
		return false
	}
	if !t.content.Empty && m.renderer != nil {
		t.content.renderResources = m.renderer.PrepareInMainThread(t, t.content.workerResult)
	}
	if m.initializer != nil {
		m.initializer(t)
	}
	m.setState(t, Done)
	for _, overlay := range m.overlays.Overlays() {
		m.addMapping(t, overlay)
	}
	return true
}

// UnloadTileContent frees the content of t and clears its raster mappings.
// A tile that is still loading is left alone and false is returned.
func (m *Manager) UnloadTileContent(t *Tile) bool {
	switch t.state {
	case Unloaded:
		return true
	case ContentLoading:
		return false
	}
	for _, mapping := range t.mappings {
		mapping.DetachFromTile(m.renderer)
	}
	t.mappings = nil
	if c := t.content; c != nil && m.renderer != nil && (c.workerResult != nil || c.renderResources != nil) {
		m.renderer.Free(t, c.workerResult, c.renderResources)
	}
	t.content = nil
	m.setState(t, Unloaded)
	return true
}

// PruneChildren drops the children of t once every descendant is Unloaded.
func (m *Manager) PruneChildren(t *Tile) bool {
	for _, child := range t.children {
		for d := range child.All() {
			if d.state != Unloaded {
				return false
			}
		}
	}
	t.children = nil
	t.mightHaveLatentChildren = true
	return true
}

func (m *Manager) addMapping(t *Tile, overlay *raster.Overlay) {
	provider := m.overlays.ActiveProvider(overlay)
	if provider == nil {
		return
	}
	coordID := m.overlays.TextureCoordinateID(overlay)
	loading := provider.GetTile(t.bounds, m.options.TargetScreenPixels)
	mapping := newRasterMappedTile(t, coordID, loading, parentStandIn(t, overlay), m.renderer)
	t.mappings = append(t.mappings, mapping)
	m.markRasterPending(t)
}

// parentStandIn returns the nearest ancestor's ready raster tile of overlay.
func parentStandIn(t *Tile, overlay *raster.Overlay) *raster.Tile {
	for p := t.parent; p != nil; p = p.parent {
		for _, mapping := range p.mappings {
			if mapping.overlay == overlay && mapping.readyTile != nil {
				return mapping.readyTile
			}
		}
	}
	return nil
}

func (m *Manager) markRasterPending(t *Tile) {
	if !t.rasterPending {
		t.rasterPending = true
		m.rasterPending = append(m.rasterPending, t)
	}
}

// UpdateRasterMappings advances the raster mappings of a Done tile. Mappings
// still on a placeholder move to the real provider once it is ready. It
// reports whether every mapping has nothing left to do.
func (m *Manager) UpdateRasterMappings(t *Tile) bool {
	if t.state != Done {
		return true
	}
	settled := true
	for _, mapping := range t.mappings {
		if lt := mapping.loadingTile; lt != nil && lt.State() == raster.Placeholder {
			if provider := m.overlays.ActiveProvider(mapping.overlay); provider != nil && !provider.IsPlaceholder() {
				mapping.replaceLoadingTile(provider, m.options.TargetScreenPixels)
			}
		}
		if !mapping.Update(m.renderer) {
			settled = false
		}
	}
	return settled
}

// RefineRasterMappings requests finer raster tiles for targetPixels where
// the providers have more detail. It reports whether any refinement started.
func (m *Manager) RefineRasterMappings(t *Tile, targetPixels orb.Point) bool {
	if t.state != Done {
		return false
	}
	refined := false
	for _, mapping := range t.mappings {
		if mapping.Refine(targetPixels) {
			refined = true
		}
	}
	if refined {
		m.markRasterPending(t)
	}
	return refined
}

func (m *Manager) updatePendingRasterMappings() {
	pending := m.rasterPending
	m.rasterPending = nil
	for _, t := range pending {
		t.rasterPending = false
		if !m.UpdateRasterMappings(t) {
			m.markRasterPending(t)
		}
	}
}

// AddOverlay drapes overlay onto every Done tile. The returned future
// settles on the main thread when the overlay's provider is ready.
func (m *Manager) AddOverlay(overlay *raster.Overlay) async.Future[*raster.Provider] {
	ready := m.overlays.Add(overlay)
	for t := range m.tracked {
		if t.state == Done {
			m.addMapping(t, overlay)
		}
	}
	return ready
}

// RemoveOverlay detaches overlay from every tile and destroys its providers.
func (m *Manager) RemoveOverlay(overlay *raster.Overlay) bool {
	for t := range m.tracked {
		t.mappings = slices.DeleteFunc(t.mappings, func(mapping *RasterMappedTile) bool {
			if mapping.overlay != overlay {
				return false
			}
			mapping.DetachFromTile(m.renderer)
			return true
		})
	}
	return m.overlays.Remove(overlay)
}

// Close unloads every settled tile and removes the overlays. Loads in flight
// complete without touching their tiles beyond resetting them to Unloaded.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.scheduler.clear()
	for t := range m.tracked {
		m.UnloadTileContent(t)
	}
	m.overlays.Close()
	m.rasterPending = nil
	m.logger.Debug("tileset: manager closed")
}
