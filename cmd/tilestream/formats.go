package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/cache"
	"github.com/eak1mov/go-tilestream/loader"
	"github.com/eak1mov/go-tilestream/mb"
	"github.com/eak1mov/go-tilestream/pm"
	"github.com/eak1mov/go-tilestream/pm/spec"
	"github.com/eak1mov/go-tilestream/tile"
	"github.com/eak1mov/go-tilestream/xyz"
	"github.com/paulmach/orb"
)

func deduceFormat(format, filePath string) string {
	if format == "" && strings.HasSuffix(filePath, ".mbtiles") {
		return "mbtiles"
	}
	if format == "" && strings.HasSuffix(filePath, ".pmtiles") {
		return "pmtiles"
	}
	if format == "" {
		return "xyz"
	}
	return format
}

// store is an opened tile store with the loader options it implies.
type store struct {
	reader  tile.Reader
	options loader.Options
}

func (s *store) Close() error {
	if closer, ok := s.reader.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

type storeConfig struct {
	executor       *async.Executor
	cacheThreshold int64
	cacheMetrics   cache.Metrics
	logger         *slog.Logger
}

// openStore opens path for streaming. PMTiles archives are read through the
// directory cache when an executor is given.
func openStore(format, path string, c storeConfig) (*store, error) {
	switch deduceFormat(format, path) {
	case "pmtiles":
		if c.executor == nil {
			r, err := pm.NewFileReader(path)
			if err != nil {
				return nil, err
			}
			return &store{reader: r, options: loader.OptionsFromHeader(r.HeaderMetadata())}, nil
		}
		opts := []pm.CachingOption{pm.WithCacheThreshold(c.cacheThreshold), pm.WithCacheLogger(c.logger)}
		if c.cacheMetrics != nil {
			opts = append(opts, pm.WithCacheMetrics(c.cacheMetrics))
		}
		r, err := pm.NewCachingFileReader(path, c.executor, opts...)
		if err != nil {
			return nil, err
		}
		return &store{reader: r, options: loader.OptionsFromHeader(r.HeaderMetadata())}, nil

	case "mbtiles":
		r, err := mb.NewReader(path)
		if err != nil {
			return nil, err
		}
		s := &store{reader: r}
		if s.options, err = mbOptions(r); err != nil {
			return nil, errors.Join(err, r.Close())
		}
		return s, nil

	case "xyz":
		r, err := xyz.NewReader(path)
		if err != nil {
			return nil, err
		}
		minZoom, maxZoom, _, err := r.ZoomRange()
		if err != nil {
			return nil, err
		}
		return &store{reader: r, options: loader.Options{MinZoom: minZoom, MaxZoom: maxZoom}}, nil
	}
	return nil, fmt.Errorf("invalid format: %q", format)
}

func mbOptions(r *mb.Reader) (loader.Options, error) {
	metadata, err := r.ReadMetadata()
	if err != nil {
		return loader.Options{}, err
	}
	header, err := convertMetadata(metadata)
	if err != nil {
		return loader.Options{}, fmt.Errorf("failed to convert metadata: %w", err)
	}
	minZoom, maxZoom, ok, err := r.ZoomRange()
	if err != nil {
		return loader.Options{}, err
	}
	options := loader.OptionsFromHeader(header)
	if ok {
		options.MinZoom, options.MaxZoom = minZoom, maxZoom
	}
	return options, nil
}

// convertMetadata maps MBTiles metadata onto PMTiles header fields.
func convertMetadata(metadata map[string]string) (pm.HeaderMetadata, error) {
	header := pm.HeaderMetadata{}

	switch metadata["format"] {
	case "pbf":
		header.TileType = spec.TileTypeMvt
		header.TileCompression = spec.CompressionGzip
	case "png":
		header.TileType = spec.TileTypePng
		header.TileCompression = spec.CompressionNone
	case "jpg":
		header.TileType = spec.TileTypeJpeg
		header.TileCompression = spec.CompressionNone
	case "webp":
		header.TileType = spec.TileTypeWebp
		header.TileCompression = spec.CompressionNone
	case "avif":
		header.TileType = spec.TileTypeAvif
		header.TileCompression = spec.CompressionNone
	}

	bound := orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}
	if value, ok := metadata["bounds"]; ok {
		if _, err := fmt.Sscanf(value, "%f,%f,%f,%f", &bound.Min[0], &bound.Min[1], &bound.Max[0], &bound.Max[1]); err != nil {
			return pm.HeaderMetadata{}, fmt.Errorf("bounds %q: %w", value, err)
		}
	}
	header.SetBound(bound)

	if value, ok := metadata["center"]; ok {
		var center orb.Point
		var zoom uint8
		if _, err := fmt.Sscanf(value, "%f,%f,%d", &center[0], &center[1], &zoom); err != nil {
			return pm.HeaderMetadata{}, fmt.Errorf("center %q: %w", value, err)
		}
		header.SetCenter(center, zoom)
	}

	if value, ok := metadata["minzoom"]; ok {
		if _, err := fmt.Sscanf(value, "%d", &header.MinZoom); err != nil {
			return pm.HeaderMetadata{}, fmt.Errorf("minzoom %q: %w", value, err)
		}
	}
	if value, ok := metadata["maxzoom"]; ok {
		if _, err := fmt.Sscanf(value, "%d", &header.MaxZoom); err != nil {
			return pm.HeaderMetadata{}, fmt.Errorf("maxzoom %q: %w", value, err)
		}
	}

	return header, nil
}
