// Package mb reads and writes tilesets in MBTiles format: an SQLite database
// with a metadata table and tiles addressed in TMS order.
//
// Note: User must properly initialize the sqlite3 library generic driver
// (e.g. import _ "github.com/mattn/go-sqlite3") before using this package.
package mb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eak1mov/go-tilestream/tile"
)

var ErrInvalidTileID = errors.New("mb: invalid tile id")

// flipY converts a row between XYZ and TMS numbering; it is its own inverse.
func flipY(y, z uint32) uint32 {
	return (1 << z) - 1 - y
}

// Reader implements tile.ContextReader and tile.Visitor for MBTiles format.
// ReadTile is safe for concurrent use.
type Reader struct {
	db   *sql.DB
	stmt *sql.Stmt
}

// NewReader opens the MBTiles file read-only. The returned Reader must be closed.
func NewReader(filePath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", filePath))
	if err != nil {
		return nil, err
	}

	stmt, err := db.Prepare("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mb: open %s: %w", filePath, err)
	}
	return &Reader{db: db, stmt: stmt}, nil
}

func (r *Reader) Close() error {
	return errors.Join(r.stmt.Close(), r.db.Close())
}

// ReadMetadata returns the metadata table. Later rows win on duplicate names.
func (r *Reader) ReadMetadata() (map[string]string, error) {
	rows, err := r.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metadata := make(map[string]string)
	for rows.Next() {
		var name, value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		if name.Valid {
			metadata[name.String] = value.String
		}
	}
	return metadata, rows.Err()
}

func (r *Reader) ReadTile(tileID tile.ID) ([]byte, error) {
	return r.ReadTileContext(context.Background(), tileID)
}

// ReadTileContext reads a tile; a missing tile is an empty slice.
func (r *Reader) ReadTileContext(ctx context.Context, tileID tile.ID) ([]byte, error) {
	if !tileID.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTileID, tileID)
	}

	var tileData []byte
	err := r.stmt.QueryRowContext(ctx, tileID.Z, tileID.X, flipY(tileID.Y, tileID.Z)).Scan(&tileData)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return []byte{}, nil
	case err != nil:
		return nil, err
	case tileData == nil:
		return []byte{}, nil
	}
	return tileData, nil
}

// ZoomRange returns the lowest and highest zoom levels present in the tiles table.
// An empty tileset reports ok == false.
func (r *Reader) ZoomRange() (minZoom, maxZoom uint32, ok bool, err error) {
	var lo, hi sql.NullInt64
	if err := r.db.QueryRow("SELECT MIN(zoom_level), MAX(zoom_level) FROM tiles").Scan(&lo, &hi); err != nil {
		return 0, 0, false, err
	}
	if !lo.Valid || !hi.Valid {
		return 0, 0, false, nil
	}
	return uint32(lo.Int64), uint32(hi.Int64), true, nil
}

// VisitTiles visits tiles ordered by zoom level, column and row.
// A row that does not address a valid tile fails the visit.
func (r *Reader) VisitTiles(visitor func(tile.ID, []byte) error) error {
	rows, err := r.db.Query(`
		SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles
		ORDER BY zoom_level, tile_column, tile_row DESC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var x, y, z int64
		var tileData []byte
		if err := rows.Scan(&z, &x, &y, &tileData); err != nil {
			return err
		}

		if z < 0 || z > tile.MaxZoom || x < 0 || x >= 1<<z || y < 0 || y >= 1<<z {
			return fmt.Errorf("%w: zoom %d column %d row %d", ErrInvalidTileID, z, x, y)
		}
		tileID := tile.ID{X: uint32(x), Y: flipY(uint32(y), uint32(z)), Z: uint32(z)}
		if err := visitor(tileID, tileData); err != nil {
			return err
		}
	}
	return rows.Err()
}
