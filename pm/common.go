// Package pm reads and writes tilesets in PMTiles v3 format. CachingReader
// adds an asynchronous read path with shared directory caching.
package pm

import (
	"errors"
	"math"

	"github.com/eak1mov/go-tilestream/pm/spec"
	"github.com/paulmach/orb"
)

var ErrInvalidTileID = errors.New("pm: invalid tile id")

// HeaderMetadata is the descriptive part of the PMTiles header. Coordinates
// are fixed point degrees scaled by 1e7.
type HeaderMetadata struct {
	TileCompression spec.Compression
	TileType        spec.TileType
	MinZoom         uint8
	MaxZoom         uint8
	MinLonE7        int32
	MinLatE7        int32
	MaxLonE7        int32
	MaxLatE7        int32
	CenterZoom      uint8
	CenterLonE7     int32
	CenterLatE7     int32
}

func metadataOf(h *spec.Header) HeaderMetadata {
	return HeaderMetadata{
		TileCompression: h.TileCompression,
		TileType:        h.TileType,
		MinZoom:         h.MinZoom,
		MaxZoom:         h.MaxZoom,
		MinLonE7:        h.MinLonE7,
		MinLatE7:        h.MinLatE7,
		MaxLonE7:        h.MaxLonE7,
		MaxLatE7:        h.MaxLatE7,
		CenterZoom:      h.CenterZoom,
		CenterLonE7:     h.CenterLonE7,
		CenterLatE7:     h.CenterLatE7,
	}
}

func (m *HeaderMetadata) applyTo(h *spec.Header) {
	h.TileCompression, h.TileType = m.TileCompression, m.TileType
	h.MinZoom, h.MaxZoom = m.MinZoom, m.MaxZoom
	h.MinLonE7, h.MinLatE7 = m.MinLonE7, m.MinLatE7
	h.MaxLonE7, h.MaxLatE7 = m.MaxLonE7, m.MaxLatE7
	h.CenterZoom, h.CenterLonE7, h.CenterLatE7 = m.CenterZoom, m.CenterLonE7, m.CenterLatE7
}

func toE7(degrees float64) int32 { return int32(math.Round(degrees * 1e7)) }
func fromE7(value int32) float64 { return float64(value) / 1e7 }

// Bound returns the tileset extent in degrees.
func (m *HeaderMetadata) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{fromE7(m.MinLonE7), fromE7(m.MinLatE7)},
		Max: orb.Point{fromE7(m.MaxLonE7), fromE7(m.MaxLatE7)},
	}
}

func (m *HeaderMetadata) SetBound(b orb.Bound) {
	m.MinLonE7, m.MinLatE7 = toE7(b.Min.Lon()), toE7(b.Min.Lat())
	m.MaxLonE7, m.MaxLatE7 = toE7(b.Max.Lon()), toE7(b.Max.Lat())
}

// Center returns the default view center in degrees.
func (m *HeaderMetadata) Center() orb.Point {
	return orb.Point{fromE7(m.CenterLonE7), fromE7(m.CenterLatE7)}
}

func (m *HeaderMetadata) SetCenter(center orb.Point, zoom uint8) {
	m.CenterLonE7, m.CenterLatE7, m.CenterZoom = toE7(center.Lon()), toE7(center.Lat()), zoom
}
