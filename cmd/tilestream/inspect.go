package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/eak1mov/go-tilestream/mb"
	"github.com/eak1mov/go-tilestream/pm"
	"github.com/eak1mov/go-tilestream/xyz"
	"github.com/google/subcommands"
)

type inspectCmd struct {
	inputFormat string
	inputPath   string
}

func (c *inspectCmd) Name() string     { return "inspect" }
func (c *inspectCmd) Synopsis() string { return "print tileset metadata" }
func (c *inspectCmd) Usage() string {
	return "tilestream inspect -i <path> [-if <format>]\n"
}
func (c *inspectCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.inputPath, "i", "", "Input path")
	f.StringVar(&c.inputFormat, "if", "", "Input format (mbtiles, pmtiles, xyz)")
}

func (c *inspectCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.inputPath == "" {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	if err := c.inspect(os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *inspectCmd) inspect(w io.Writer) error {
	switch format := deduceFormat(c.inputFormat, c.inputPath); format {
	case "pmtiles":
		r, err := pm.NewFileReader(c.inputPath)
		if err != nil {
			return err
		}
		defer r.Close()
		metadata, err := r.ReadMetadata()
		if err != nil {
			return err
		}
		printHeader(w, r.HeaderMetadata())
		fmt.Fprintf(w, "metadata: %d bytes\n", len(metadata))

	case "mbtiles":
		r, err := mb.NewReader(c.inputPath)
		if err != nil {
			return err
		}
		defer r.Close()
		metadata, err := r.ReadMetadata()
		if err != nil {
			return err
		}
		for _, name := range slices.Sorted(maps.Keys(metadata)) {
			if name == "json" {
				fmt.Fprintf(w, "%s: %d bytes\n", name, len(metadata[name]))
				continue
			}
			fmt.Fprintf(w, "%s: %s\n", name, metadata[name])
		}
		minZoom, maxZoom, ok, err := r.ZoomRange()
		if err != nil {
			return err
		}
		printZoomRange(w, minZoom, maxZoom, ok)

	case "xyz":
		r, err := xyz.NewReader(c.inputPath)
		if err != nil {
			return err
		}
		minZoom, maxZoom, ok, err := r.ZoomRange()
		if err != nil {
			return err
		}
		printZoomRange(w, minZoom, maxZoom, ok)

	default:
		return fmt.Errorf("invalid format: %q", format)
	}
	return nil
}

func printHeader(w io.Writer, header pm.HeaderMetadata) {
	bound, center := header.Bound(), header.Center()
	fmt.Fprintf(w, "tile type: %v\n", header.TileType)
	fmt.Fprintf(w, "tile compression: %v\n", header.TileCompression)
	fmt.Fprintf(w, "zoom: %d..%d\n", header.MinZoom, header.MaxZoom)
	fmt.Fprintf(w, "bounds: %.7f,%.7f,%.7f,%.7f\n", bound.Min.Lon(), bound.Min.Lat(), bound.Max.Lon(), bound.Max.Lat())
	fmt.Fprintf(w, "center: %.7f,%.7f,%d\n", center.Lon(), center.Lat(), header.CenterZoom)
}

func printZoomRange(w io.Writer, minZoom, maxZoom uint32, ok bool) {
	if !ok {
		fmt.Fprintln(w, "zoom: no tiles")
		return
	}
	fmt.Fprintf(w, "zoom: %d..%d\n", minZoom, maxZoom)
}
