// Package config loads the settings of the tilestream runtime from a yaml
// file and TILESTREAM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/eak1mov/go-tilestream/internal/bytesize"
	"github.com/eak1mov/go-tilestream/raster"
	"github.com/eak1mov/go-tilestream/tileset"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/paulmach/orb"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "TILESTREAM"

type Config struct {
	Loading  LoadingConfig  `mapstructure:"loading" yaml:"loading"`
	Raster   RasterConfig   `mapstructure:"raster" yaml:"raster"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

type LoadingConfig struct {
	MaximumSimultaneousTileLoads int `mapstructure:"maximum_simultaneous_tile_loads" validate:"gte=1" yaml:"maximum_simultaneous_tile_loads"`
	// MainThreadTimeLimit bounds the main-thread loading stage of a tick. Zero means unbounded.
	MainThreadTimeLimit time.Duration `mapstructure:"main_thread_time_limit" validate:"gte=0" yaml:"main_thread_time_limit"`
	TargetScreenPixels  int           `mapstructure:"target_screen_pixels" validate:"gte=1" yaml:"target_screen_pixels"`
}

type RasterConfig struct {
	MaximumSimultaneousTileLoads int               `mapstructure:"maximum_simultaneous_tile_loads" validate:"gte=1" yaml:"maximum_simultaneous_tile_loads"`
	SubTileCacheBytes            bytesize.ByteSize `mapstructure:"sub_tile_cache_bytes" validate:"gte=0" yaml:"sub_tile_cache_bytes"`
	MaximumTextureSize           int               `mapstructure:"maximum_texture_size" validate:"gte=256" yaml:"maximum_texture_size"`
}

type CacheConfig struct {
	// StaleThreshold is the byte total of unused PMTiles directories kept around.
	StaleThreshold bytesize.ByteSize `mapstructure:"stale_threshold" validate:"gte=0" yaml:"stale_threshold"`
}

type ExecutorConfig struct {
	// Workers is the size of the worker pool; zero uses GOMAXPROCS.
	Workers int `mapstructure:"workers" validate:"gte=0" yaml:"workers"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Address serves /metrics when set, e.g. ":9090".
	Address string `mapstructure:"address" validate:"omitempty,hostname_port" yaml:"address"`
}

// Load reads the config file at path, overlays environment variables and
// fills in defaults. An empty path or a missing file yields the defaults
// with environment overrides applied.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only sees keys viper already knows.
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("loading.maximum_simultaneous_tile_loads", cfg.Loading.MaximumSimultaneousTileLoads)
	v.SetDefault("loading.main_thread_time_limit", cfg.Loading.MainThreadTimeLimit)
	v.SetDefault("loading.target_screen_pixels", cfg.Loading.TargetScreenPixels)
	v.SetDefault("raster.maximum_simultaneous_tile_loads", cfg.Raster.MaximumSimultaneousTileLoads)
	v.SetDefault("raster.sub_tile_cache_bytes", cfg.Raster.SubTileCacheBytes)
	v.SetDefault("raster.maximum_texture_size", cfg.Raster.MaximumTextureSize)
	v.SetDefault("cache.stale_threshold", cfg.Cache.StaleThreshold)
	v.SetDefault("executor.workers", cfg.Executor.Workers)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// Save writes cfg as yaml, creating the parent directory.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// TilesetOptions converts the loading section for tileset.NewManager.
func (c *Config) TilesetOptions() tileset.Options {
	pixels := float64(c.Loading.TargetScreenPixels)
	return tileset.Options{
		MaximumSimultaneousTileLoads: c.Loading.MaximumSimultaneousTileLoads,
		MainThreadLoadingTimeLimit:   c.Loading.MainThreadTimeLimit,
		TargetScreenPixels:           orb.Point{pixels, pixels},
	}
}

// RasterOptions converts the raster section into per-overlay options.
func (c *Config) RasterOptions() raster.Options {
	options := raster.DefaultOptions()
	options.MaximumSimultaneousTileLoads = c.Raster.MaximumSimultaneousTileLoads
	options.SubTileCacheBytes = c.Raster.SubTileCacheBytes.Int64()
	options.MaximumTextureSize = c.Raster.MaximumTextureSize
	return options
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		}
		return data, nil
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		}
		return data, nil
	}
}
