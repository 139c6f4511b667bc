package main

import (
	"github.com/eak1mov/go-tilestream/raster"
	"github.com/eak1mov/go-tilestream/tile"
	"github.com/eak1mov/go-tilestream/tileset"
	"github.com/paulmach/orb"
)

// headlessRenderer stands in for a GPU renderer: the "resources" it builds
// are byte counts, so the stream command can report what a renderer would
// hold.
type headlessRenderer struct {
	tileBytes   int64
	rasterBytes int64
	attached    int
	detached    int
}

var _ tileset.Renderer = (*headlessRenderer)(nil)

func contentSize(content any) int64 {
	if data, ok := content.([]byte); ok {
		return int64(len(data))
	}
	return 0
}

func (r *headlessRenderer) PrepareInLoadThread(_ tile.ID, content any) any {
	return contentSize(content)
}

func (r *headlessRenderer) PrepareInMainThread(_ *tileset.Tile, workerResult any) any {
	size, _ := workerResult.(int64)
	r.tileBytes += size
	return size
}

func (r *headlessRenderer) Free(_ *tileset.Tile, _, mainResult any) {
	size, _ := mainResult.(int64)
	r.tileBytes -= size
}

func (r *headlessRenderer) PrepareRasterInLoadThread(image *raster.Image) any {
	return image.SizeBytes()
}

func (r *headlessRenderer) PrepareRasterInMainThread(_ *raster.Tile, workerResult any) any {
	size, _ := workerResult.(int64)
	r.rasterBytes += size
	return size
}

func (r *headlessRenderer) FreeRaster(_ *raster.Tile, _, mainResult any) {
	size, _ := mainResult.(int64)
	r.rasterBytes -= size
}

func (r *headlessRenderer) AttachRasterInMainThread(*tileset.Tile, int, *raster.Tile, any, orb.Bound, orb.Point, orb.Point) {
	r.attached++
}

func (r *headlessRenderer) DetachRasterInMainThread(*tileset.Tile, int, *raster.Tile, any, orb.Bound) {
	r.detached++
}
