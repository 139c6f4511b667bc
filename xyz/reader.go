package xyz

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/eak1mov/go-tilestream/tile"
)

// Reader implements tile.Reader interface for tiles in XYZ format.
type Reader struct {
	pattern *pattern
}

// NewReader creates a new Reader for the given file pattern (e.g. "/home/user/tiles/{z}/{x}/{y}.png").
func NewReader(filePattern string) (*Reader, error) {
	p, err := parsePattern(filePattern)
	if err != nil {
		return nil, err
	}
	return &Reader{pattern: p}, nil
}

func (r *Reader) ReadTile(tileID tile.ID) ([]byte, error) {
	if !tileID.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTileID, tileID)
	}
	tileData, err := os.ReadFile(r.pattern.path(tileID))
	if errors.Is(err, fs.ErrNotExist) {
		return make([]byte, 0), nil
	}
	if err != nil {
		return nil, err
	}
	return tileData, nil
}

func (r *Reader) walk(visitor func(tile.ID, string) error) error {
	if _, err := os.Stat(r.pattern.rootDir); errors.Is(err, fs.ErrNotExist) {
		return nil // nothing written yet
	}
	return filepath.WalkDir(r.pattern.rootDir, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		tileID, ok := r.pattern.match(filePath)
		if !ok {
			return nil // foreign files are skipped
		}
		return visitor(tileID, filePath)
	})
}

func (r *Reader) VisitTiles(visitor func(tile.ID, []byte) error) error {
	return r.walk(func(tileID tile.ID, filePath string) error {
		tileData, err := os.ReadFile(filePath)
		if err != nil {
			return err
		}
		return visitor(tileID, tileData)
	})
}

// ZoomRange walks the directory tree and returns the lowest and highest zoom
// levels of the tiles found. An empty tree reports ok == false.
func (r *Reader) ZoomRange() (minZoom, maxZoom uint32, ok bool, err error) {
	err = r.walk(func(tileID tile.ID, _ string) error {
		if !ok {
			minZoom, maxZoom, ok = tileID.Z, tileID.Z, true
			return nil
		}
		minZoom = min(minZoom, tileID.Z)
		maxZoom = max(maxZoom, tileID.Z)
		return nil
	})
	if err != nil {
		return 0, 0, false, err
	}
	return minZoom, maxZoom, ok, nil
}
