package config

import (
	"strings"

	"github.com/eak1mov/go-tilestream/cache"
	"github.com/eak1mov/go-tilestream/internal/bytesize"
	"github.com/eak1mov/go-tilestream/raster"
	"github.com/eak1mov/go-tilestream/tileset"
)

// Default returns a config with every field set to its default.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults replaces zero values with defaults. Zero durations and
// worker counts are meaningful and kept.
func ApplyDefaults(cfg *Config) {
	tilesetDefaults := tileset.DefaultOptions()
	if cfg.Loading.MaximumSimultaneousTileLoads == 0 {
		cfg.Loading.MaximumSimultaneousTileLoads = tilesetDefaults.MaximumSimultaneousTileLoads
	}
	if cfg.Loading.TargetScreenPixels == 0 {
		cfg.Loading.TargetScreenPixels = int(tilesetDefaults.TargetScreenPixels.X())
	}

	rasterDefaults := raster.DefaultOptions()
	if cfg.Raster.MaximumSimultaneousTileLoads == 0 {
		cfg.Raster.MaximumSimultaneousTileLoads = rasterDefaults.MaximumSimultaneousTileLoads
	}
	if cfg.Raster.SubTileCacheBytes == 0 {
		cfg.Raster.SubTileCacheBytes = bytesize.ByteSize(rasterDefaults.SubTileCacheBytes)
	}
	if cfg.Raster.MaximumTextureSize == 0 {
		cfg.Raster.MaximumTextureSize = rasterDefaults.MaximumTextureSize
	}

	if cfg.Cache.StaleThreshold == 0 {
		cfg.Cache.StaleThreshold = cache.DefaultThreshold
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
