package xyz

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/eak1mov/go-tilestream/tile"
)

// Writer implements tile.Writer interface for tiles in XYZ format.
// Tiles are written to a temporary file first, so that a concurrent Reader
// sees either the old or the new tile.
type Writer struct {
	pattern *pattern
}

// NewWriter creates a new Writer for the given file pattern (e.g. "/home/user/tiles/{z}/{x}/{y}.png").
func NewWriter(filePattern string) (*Writer, error) {
	p, err := parsePattern(filePattern)
	if err != nil {
		return nil, err
	}
	return &Writer{pattern: p}, nil
}

func (w *Writer) WriteTile(tileID tile.ID, tileData []byte) error {
	if !tileID.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidTileID, tileID)
	}
	filePath := w.pattern.path(tileID)
	dirPath := filepath.Dir(filePath)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dirPath, ".tile-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename
	if _, err := tmp.Write(tileData); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filePath)
}

func (w *Writer) Finalize() error {
	return nil
}
