package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/eak1mov/go-tilestream/config"
	"github.com/eak1mov/go-tilestream/mb"
	"github.com/eak1mov/go-tilestream/pm"
	"github.com/eak1mov/go-tilestream/pm/spec"
	"github.com/eak1mov/go-tilestream/tile"
	"github.com/eak1mov/go-tilestream/xyz"
	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
)

// convertCmd prepares stream inputs: it copies every tile of one store into
// another, e.g. MBTiles into a PMTiles archive.
type convertCmd struct {
	configPath   *string
	inputFormat  string
	inputPath    string
	outputFormat string
	outputPath   string
	compression  string
}

func (c *convertCmd) Name() string     { return "convert" }
func (c *convertCmd) Synopsis() string { return "convert between tile storage formats" }
func (c *convertCmd) Usage() string {
	return "tilestream convert -i <path> -o <path> [-if <format> | -of <format>] [-dc <compression>]\n"
}
func (c *convertCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.inputPath, "i", "", "Input path")
	f.StringVar(&c.inputFormat, "if", "", "Input format (mbtiles, pmtiles, xyz)")
	f.StringVar(&c.outputPath, "o", "", "Output path")
	f.StringVar(&c.outputFormat, "of", "", "Output format (mbtiles, pmtiles, xyz)")
	f.StringVar(&c.compression, "dc", "gzip", "PMTiles directory compression (none, gzip, zstd)")
}

// parseCompression accepts the directory compressions the writer can produce.
func parseCompression(name string) (spec.Compression, error) {
	c, err := spec.ParseCompression(name)
	if err != nil {
		return c, err
	}
	if _, err := spec.Compress(nil, c); err != nil {
		return spec.CompressionUnknown, err
	}
	return c, nil
}

func (c *convertCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	logger := newLogger(os.Stderr, cfg.Logging)
	if c.inputPath == "" || c.outputPath == "" {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	if err := c.convert(logger); err != nil {
		logger.Error("convert failed", "error", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *convertCmd) openReader(format string) (tile.Visitor, map[string]string, error) {
	switch format {
	case "mbtiles":
		r, err := mb.NewReader(c.inputPath)
		if err != nil {
			return nil, nil, err
		}
		metadata, err := r.ReadMetadata()
		if err != nil {
			r.Close()
			return nil, nil, err
		}
		return r, metadata, nil
	case "pmtiles":
		r, err := pm.NewFileReader(c.inputPath)
		return r, nil, err
	case "xyz":
		r, err := xyz.NewReader(c.inputPath)
		return r, nil, err
	}
	return nil, nil, fmt.Errorf("invalid input format: %q", c.inputFormat)
}

func (c *convertCmd) openWriter(format string, metadata map[string]string, logger *slog.Logger) (tile.Writer, error) {
	switch format {
	case "mbtiles":
		return mb.NewWriter(c.outputPath, mb.WithMetadata(metadata), mb.WithLogger(logger))
	case "pmtiles":
		compression, err := parseCompression(c.compression)
		if err != nil {
			return nil, err
		}
		opts := []pm.WriterOption{pm.WithInternalCompression(compression), pm.WithLogger(logger)}
		if metadata != nil {
			header, err := convertMetadata(metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to convert metadata: %w", err)
			}
			opts = append(opts, pm.WithHeaderMetadata(header))
			if value, ok := metadata["json"]; ok {
				opts = append(opts, pm.WithMetadata([]byte(value)))
			}
		}
		return pm.NewWriter(c.outputPath, opts...)
	case "xyz":
		return xyz.NewWriter(c.outputPath)
	}
	return nil, fmt.Errorf("invalid output format: %q", c.outputFormat)
}

func (c *convertCmd) convert(logger *slog.Logger) error {
	reader, metadata, err := c.openReader(deduceFormat(c.inputFormat, c.inputPath))
	if err != nil {
		return err
	}
	if closer, ok := reader.(io.Closer); ok {
		defer closer.Close()
	}

	writer, err := c.openWriter(deduceFormat(c.outputFormat, c.outputPath), metadata, logger)
	if err != nil {
		return err
	}
	if closer, ok := writer.(io.Closer); ok {
		defer closer.Close()
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowIts(),
		progressbar.OptionShowCount())
	tiles, visitErr := tile.Tiles(reader)
	for tileID, tileData := range tiles {
		if err = writer.WriteTile(tileID, tileData); err != nil {
			err = fmt.Errorf("write tile %v: %w", tileID, err)
			break
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	if err := visitErr(); err != nil {
		return err
	}
	return writer.Finalize()
}
