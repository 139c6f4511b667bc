package tileset

import (
	"context"
	"log/slog"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/raster"
	"github.com/eak1mov/go-tilestream/tile"
	"github.com/paulmach/orb"
)

// LoadState is the outcome of a content load.
type LoadState int

const (
	LoadSuccess LoadState = iota
	// LoadFailed is permanent: the content is malformed or unsupported.
	LoadFailed
	// LoadFailedTemporarily allows another attempt, e.g. after an I/O error.
	LoadFailedTemporarily
)

func (s LoadState) String() string {
	switch s {
	case LoadSuccess:
		return "success"
	case LoadFailed:
		return "failed"
	case LoadFailedTemporarily:
		return "failed_temporarily"
	}
	return "unknown"
}

// LoadInput identifies the tile to load.
type LoadInput struct {
	ID       tile.ID
	Bounds   orb.Bound
	Context  context.Context
	Logger   *slog.Logger
	Executor *async.Executor
}

type LoadResult struct {
	State   LoadState
	Content any
	Empty   bool
	// Children are created under the tile unless it already has children.
	Children []ChildDescriptor
	Errors   ErrorList
}

// ContentLoader fetches and decodes tile content. The returned future may
// settle on any thread. A rejected future counts as a permanent failure.
type ContentLoader interface {
	LoadTileContent(input LoadInput) async.Future[LoadResult]
}

// Renderer builds and frees renderer resources. PrepareInLoadThread and
// PrepareRasterInLoadThread run on workers, everything else on the main thread.
type Renderer interface {
	raster.Preparer

	PrepareInLoadThread(id tile.ID, content any) any
	PrepareInMainThread(t *Tile, workerResult any) any
	Free(t *Tile, workerResult, mainResult any)

	AttachRasterInMainThread(t *Tile, coordID int, rt *raster.Tile, mainResult any, rect orb.Bound, translation, scale orb.Point)
	DetachRasterInMainThread(t *Tile, coordID int, rt *raster.Tile, mainResult any, rect orb.Bound)
}
