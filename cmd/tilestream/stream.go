package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/cache"
	"github.com/eak1mov/go-tilestream/config"
	"github.com/eak1mov/go-tilestream/loader"
	"github.com/eak1mov/go-tilestream/metrics"
	"github.com/eak1mov/go-tilestream/raster"
	"github.com/eak1mov/go-tilestream/tile"
	"github.com/eak1mov/go-tilestream/tileset"
	"github.com/google/subcommands"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
)

// overlayFlags collects repeated -overlay name=path flags.
type overlayFlags []string

func (f *overlayFlags) String() string     { return strings.Join(*f, ",") }
func (f *overlayFlags) Set(v string) error { *f = append(*f, v); return nil }

type streamCmd struct {
	configPath  *string
	inputPath   string
	inputFormat string
	maxZoom     int
	requesters  int
	retries     int
	refine      bool
	timeout     time.Duration
	overlays    overlayFlags
}

func (c *streamCmd) Name() string     { return "stream" }
func (c *streamCmd) Synopsis() string { return "stream a tileset through the tile loader" }
func (c *streamCmd) Usage() string {
	return "tilestream [-config <path>] stream -i <path> [-if <format>] [-z <zoom>] [-overlay name=path]...\n"
}
func (c *streamCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.inputPath, "i", "", "Input path")
	f.StringVar(&c.inputFormat, "if", "", "Input format (mbtiles, pmtiles, xyz)")
	f.IntVar(&c.maxZoom, "z", 6, "Deepest zoom level to stream")
	f.IntVar(&c.requesters, "requesters", 2, "Number of load requesters, requester i has weight i+1")
	f.IntVar(&c.retries, "retries", 3, "Retries of a temporarily failed tile")
	f.BoolVar(&c.refine, "refine", false, "Request finer raster tiles once the first ones are attached")
	f.DurationVar(&c.timeout, "timeout", 0, "Give up after this long (0 = no limit)")
	f.Var(&c.overlays, "overlay", "Raster overlay as name=path, may be repeated")
}

// streamRun is the state of one stream invocation; everything but the
// executor workers runs on the goroutine that called Execute.
type streamRun struct {
	cmd      *streamCmd
	cfg      *config.Config
	logger   *slog.Logger
	executor *async.Executor
	manager  *tileset.Manager
	renderer *headlessRenderer
	overlays []*raster.Overlay

	root     *tileset.Tile
	queues   []*tileset.TileQueue
	maxZoom  uint32
	expanded map[*tileset.Tile]bool
	refined  map[*tileset.Tile]bool
	attempts map[*tileset.Tile]int
	retrying map[*tileset.Tile]bool
}

func (c *streamCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	logger := newLogger(os.Stderr, cfg.Logging)
	if c.inputPath == "" || c.requesters < 1 || c.maxZoom < 0 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	summary, err := c.run(ctx, cfg, logger)
	if err != nil {
		logger.Error("stream failed", "error", err)
		return subcommands.ExitFailure
	}
	summary.print(os.Stdout)
	return subcommands.ExitSuccess
}

func (c *streamCmd) run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*streamSummary, error) {
	var executorOpts []async.Option
	if cfg.Executor.Workers > 0 {
		executorOpts = append(executorOpts, async.WithWorkers(cfg.Executor.Workers))
	}
	executor := async.New(append(executorOpts, async.WithLogger(logger))...)
	defer executor.Close()

	var managerOpts []tileset.Option
	var rasterOpts []raster.Option
	storeCfg := storeConfig{
		executor:       executor,
		cacheThreshold: cfg.Cache.StaleThreshold.Int64(),
		logger:         logger,
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		cacheMetrics := metrics.NewCacheMetrics(reg)
		storeCfg.cacheMetrics = cacheMetrics
		managerOpts = append(managerOpts, tileset.WithMetrics(metrics.NewTilesetMetrics(reg)))
		rasterOpts = append(rasterOpts, raster.WithMetrics(metrics.NewRasterMetrics(reg)), raster.WithCacheMetrics(cacheMetrics))
		if cfg.Metrics.Address != "" {
			stop := serveMetrics(cfg.Metrics.Address, reg, logger)
			defer stop()
		}
	}

	source, err := openStore(c.inputFormat, c.inputPath, storeCfg)
	if err != nil {
		return nil, err
	}
	defer source.Close()
	l := loader.New(source.reader, source.options, loader.WithLogger(logger))

	s := &streamRun{
		cmd:      c,
		cfg:      cfg,
		logger:   logger,
		executor: executor,
		renderer: &headlessRenderer{},
		root:     tileset.NewTile(tile.ID{}),
		maxZoom:  min(uint32(c.maxZoom), source.options.MaxZoom),
		expanded: make(map[*tileset.Tile]bool),
		refined:  make(map[*tileset.Tile]bool),
		attempts: make(map[*tileset.Tile]int),
		retrying: make(map[*tileset.Tile]bool),
	}
	managerOpts = append(managerOpts,
		tileset.WithLogger(logger),
		tileset.WithRasterOptions(append(rasterOpts, raster.WithLogger(logger))...),
	)
	s.manager = tileset.NewManager(executor, l, s.renderer, cfg.TilesetOptions(), managerOpts...)
	defer s.manager.Close()

	for i := range c.requesters {
		q := tileset.NewTileQueue(float64(i + 1))
		s.queues = append(s.queues, q)
		s.manager.Scheduler().Register(q)
	}
	s.queues[0].Enqueue(s.root)

	for _, value := range c.overlays {
		if err := s.addOverlay(value); err != nil {
			return nil, err
		}
	}

	logger.Info("streaming",
		"input", c.inputPath,
		"zoom", fmt.Sprintf("%d..%d", source.options.MinZoom, s.maxZoom),
		"compression", source.options.Compression,
		"overlays", len(s.overlays))
	start := time.Now()
	if err := s.loop(ctx); err != nil {
		return nil, err
	}
	return s.summarize(time.Since(start)), nil
}

func (s *streamRun) addOverlay(value string) error {
	name, path, ok := strings.Cut(value, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("invalid overlay %q, want name=path", value)
	}
	// The zoom range is read up front; the provider reopens the store on a worker.
	peek, err := openStore("", path, storeConfig{})
	if err != nil {
		return fmt.Errorf("overlay %s: %w", name, err)
	}
	options := s.cfg.RasterOptions()
	options.MinZoom, options.MaxZoom = peek.options.MinZoom, peek.options.MaxZoom
	peek.Close()

	overlay := raster.NewOverlay(name, func() (tile.Reader, error) {
		opened, err := openStore("", path, storeConfig{})
		if err != nil {
			return nil, err
		}
		return opened.reader, nil
	}, options)
	s.overlays = append(s.overlays, overlay)
	async.CatchInMainThread(s.manager.AddOverlay(overlay), func(err error) (*raster.Provider, error) {
		s.logger.Error("overlay unavailable", "overlay", name, "error", err)
		return nil, err
	})
	return nil
}

func totalTiles(maxZoom uint32) int64 {
	var total int64
	for z := range maxZoom + 1 {
		total += 1 << (2 * z)
	}
	return total
}

func (s *streamRun) loop(ctx context.Context) error {
	bar := progressbar.NewOptions64(totalTiles(s.maxZoom),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("tiles"),
		progressbar.OptionShowIts(),
		progressbar.OptionShowCount())
	defer func() {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}()

	settled := make(map[*tileset.Tile]bool)
	for {
		s.manager.Tick()

		complete := true
		for t := range s.root.All() {
			if !s.visit(t) {
				complete = false
			}
			if !settled[t] && (t.State() == tileset.Done || t.State() == tileset.Failed) {
				settled[t] = true
				bar.Add(1)
			}
		}
		if complete && s.overlaysSettled() {
			return nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		s.executor.WaitForMainThreadTasks(waitCtx)
		cancel()
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stream interrupted: %w", err)
		}
	}
}

// visit advances the traversal at t and reports whether t needs nothing more.
func (s *streamRun) visit(t *tileset.Tile) bool {
	if t.ID().Z > s.maxZoom {
		return true
	}
	switch t.State() {
	case tileset.Failed:
		return true
	case tileset.FailedTemporarily:
		if s.retrying[t] {
			return false
		}
		if s.attempts[t] >= s.cmd.retries {
			return true
		}
		s.attempts[t]++
		s.retrying[t] = true
		s.queueFor(t).Enqueue(t)
		return false
	case tileset.Done:
	default:
		delete(s.retrying, t)
		return false
	}

	if !s.expanded[t] && t.ID().Z < s.maxZoom {
		s.expanded[t] = true
		for _, child := range t.Children() {
			s.queueFor(child).Enqueue(child)
		}
	}
	if !t.IsRenderable() {
		return false
	}
	for _, mapping := range t.RasterMappings() {
		if mapping.LoadingTile() != nil {
			return false
		}
	}
	if s.cmd.refine && !s.refined[t] {
		s.refined[t] = true
		pixels := s.manager.Options().TargetScreenPixels
		return !s.manager.RefineRasterMappings(t, orb.Point{2 * pixels.X(), 2 * pixels.Y()})
	}
	return true
}

// queueFor spreads tiles over the requesters by position.
func (s *streamRun) queueFor(t *tileset.Tile) *tileset.TileQueue {
	id := t.ID()
	return s.queues[int((id.X+id.Y)%uint32(len(s.queues)))]
}

func (s *streamRun) overlaysSettled() bool {
	collection := s.manager.Overlays()
	for _, overlay := range s.overlays {
		if !collection.IsReady(overlay) && collection.Err(overlay) == nil {
			return false
		}
	}
	return true
}

type overlaySummary struct {
	Name  string
	Ready bool
	Cache cache.Stats
}

type streamSummary struct {
	Elapsed     time.Duration
	Stats       tileset.Stats
	TileBytes   int64
	RasterBytes int64
	Attached    int
	Detached    int
	Overlays    []overlaySummary
}

// summarize logs the tiles left unloaded and snapshots the counters before
// the manager is closed.
func (s *streamRun) summarize(elapsed time.Duration) *streamSummary {
	for t := range s.root.All() {
		if t.State() == tileset.Failed || t.State() == tileset.FailedTemporarily {
			s.logger.Warn("tile not loaded", "tile", t.ID(), "state", t.State(), "error", t.LastErrors().Err())
		}
	}
	summary := &streamSummary{
		Elapsed:     elapsed,
		Stats:       s.manager.Stats(),
		TileBytes:   s.renderer.tileBytes,
		RasterBytes: s.renderer.rasterBytes,
		Attached:    s.renderer.attached,
		Detached:    s.renderer.detached,
	}
	for _, overlay := range s.overlays {
		if provider := s.manager.Overlays().ActiveProvider(overlay); provider != nil {
			summary.Overlays = append(summary.Overlays, overlaySummary{
				Name:  overlay.Name(),
				Ready: !provider.IsPlaceholder(),
				Cache: provider.CacheStats(),
			})
		}
	}
	return summary
}

func (s *streamSummary) print(w io.Writer) {
	fmt.Fprintf(w, "streamed in %v\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "tiles: done=%d failed=%d failed_temporarily=%d\n", s.Stats.Done, s.Stats.Failed, s.Stats.FailedTemporarily)
	fmt.Fprintf(w, "renderer: tile_bytes=%d raster_bytes=%d attached=%d detached=%d\n",
		s.TileBytes, s.RasterBytes, s.Attached, s.Detached)
	for _, o := range s.Overlays {
		fmt.Fprintf(w, "overlay %s: ready=%v cache=%+v\n", o.Name, o.Ready, o.Cache)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}
