// Package loader loads tile content from tile stores for a tileset.Manager.
package loader

import (
	"fmt"
	"log/slog"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/pm"
	"github.com/eak1mov/go-tilestream/pm/spec"
	"github.com/eak1mov/go-tilestream/tile"
	"github.com/eak1mov/go-tilestream/tileset"
)

// AsyncReader reads tiles without holding a worker while waiting, e.g. pm.CachingReader.
type AsyncReader interface {
	ReadTileAsync(tileID tile.ID) async.Future[[]byte]
}

// DecodeFunc turns decompressed tile bytes into content. It runs on a worker.
type DecodeFunc func(tileID tile.ID, data []byte) (any, error)

type Options struct {
	// Tiles below MinZoom have no content of their own; they only lead to children.
	MinZoom uint32
	// Tiles below MaxZoom get the four quadtree children.
	MaxZoom uint32
	// Compression of stored tile bytes; unknown means none.
	Compression spec.Compression
	// Decode errors that wrap ErrMalformedContent are permanent.
	Decode DecodeFunc
}

// Loader implements tileset.ContentLoader over a tile.Reader.
type Loader struct {
	source      tile.Reader
	asyncSource AsyncReader
	options     Options
	logger      *slog.Logger
}

type Option func(*Loader)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// New creates a Loader. A source that also implements AsyncReader is read
// through its asynchronous path.
func New(source tile.Reader, options Options, opts ...Option) *Loader {
	l := &Loader{
		source:  source,
		options: options,
		logger:  slog.New(slog.DiscardHandler),
	}
	if l.options.Compression == spec.CompressionUnknown {
		l.options.Compression = spec.CompressionNone
	}
	l.asyncSource, _ = source.(AsyncReader)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OptionsFromHeader takes the zoom range and tile compression of a PMTiles archive.
func OptionsFromHeader(header pm.HeaderMetadata) Options {
	return Options{
		MinZoom:     uint32(header.MinZoom),
		MaxZoom:     uint32(header.MaxZoom),
		Compression: header.TileCompression,
	}
}

func (l *Loader) Options() Options { return l.options }

// children returns the implicit quadtree children of tileID.
func (l *Loader) children(tileID tile.ID) []tileset.ChildDescriptor {
	if tileID.Z >= l.options.MaxZoom || tileID.Z >= tile.MaxZoom {
		return nil
	}
	ids := tileID.Children()
	result := make([]tileset.ChildDescriptor, len(ids))
	for i, id := range ids {
		result[i] = tileset.ChildDescriptor{ID: id}
	}
	return result
}

func (l *Loader) LoadTileContent(input tileset.LoadInput) async.Future[tileset.LoadResult] {
	e := input.Executor
	if input.ID.Z < l.options.MinZoom || input.ID.Z > l.options.MaxZoom {
		return async.Resolved(e, tileset.LoadResult{
			State:    tileset.LoadSuccess,
			Empty:    true,
			Children: l.children(input.ID),
		})
	}

	var data async.Future[[]byte]
	if l.asyncSource != nil {
		data = l.asyncSource.ReadTileAsync(input.ID)
	} else {
		data = async.RunInWorkerThread(e, func() ([]byte, error) {
			ctx := input.Context
			if ctx == nil {
				return l.source.ReadTile(input.ID)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if r, ok := l.source.(tile.ContextReader); ok {
				return r.ReadTileContext(ctx, input.ID)
			}
			return l.source.ReadTile(input.ID)
		})
	}

	decoded := async.ThenInWorkerThread(data, func(data []byte) (tileset.LoadResult, error) {
		return l.decode(input.ID, data)
	})
	return async.ThenImmediately(async.Settle(decoded), func(r async.Result[tileset.LoadResult]) (tileset.LoadResult, error) {
		if r.Err == nil {
			return r.Value, nil
		}
		result := tileset.LoadResult{State: Classify(r.Err)}
		result.Errors.AddError(fmt.Errorf("tile %v: %w", input.ID, r.Err))
		return result, nil
	})
}

func (l *Loader) decode(tileID tile.ID, data []byte) (tileset.LoadResult, error) {
	result := tileset.LoadResult{
		State:    tileset.LoadSuccess,
		Children: l.children(tileID),
	}
	if len(data) == 0 {
		result.Empty = true
		return result, nil
	}

	content, err := spec.Decompress(data, l.options.Compression)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}
	if l.options.Decode == nil {
		result.Content = content
		return result, nil
	}
	decoded, err := l.options.Decode(tileID, content)
	if err != nil {
		return result, err
	}
	result.Content = decoded
	l.logger.Debug("loader: decoded", "tile", tileID, "bytes", len(data))
	return result, nil
}
