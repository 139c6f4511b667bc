package mb

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/eak1mov/go-tilestream/tile"
)

// DefaultBatchSize is the number of tiles inserted per transaction.
const DefaultBatchSize = 1000

// Writer implements tile.Writer interface for MBTiles format.
// Tiles are inserted in transactions of BatchSize tiles.
type Writer struct {
	db        *sql.DB
	tx        *sql.Tx
	stmt      *sql.Stmt
	batchSize int
	inBatch   int
	written   int
	finalized bool
	logger    *slog.Logger
}

type writerConfig struct {
	Metadata  map[string]string
	BatchSize int
	Logger    *slog.Logger
}

type WriterOption func(*writerConfig)

func WithMetadata(metadata map[string]string) WriterOption {
	return func(c *writerConfig) { c.Metadata = metadata }
}

func WithBatchSize(n int) WriterOption {
	return func(c *writerConfig) { c.BatchSize = n }
}

func WithLogger(logger *slog.Logger) WriterOption {
	return func(c *writerConfig) { c.Logger = logger }
}

// NewWriter creates a new MBTiles file at filePath with the metadata table
// filled in. The file must not exist.
func NewWriter(filePath string, opts ...WriterOption) (w *Writer, err error) {
	config := writerConfig{
		BatchSize: DefaultBatchSize,
		Logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite3", filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	_, err = db.Exec(`
		CREATE TABLE metadata (name TEXT, value TEXT);
		CREATE TABLE tiles (
			zoom_level INTEGER,
			tile_column INTEGER,
			tile_row INTEGER,
			tile_data BLOB
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("mb: create tables: %w", err)
	}

	for _, name := range slices.Sorted(maps.Keys(config.Metadata)) {
		_, err = db.Exec("INSERT INTO metadata (name, value) VALUES (?, ?)", name, config.Metadata[name])
		if err != nil {
			return nil, fmt.Errorf("mb: write metadata %q: %w", name, err)
		}
	}

	return &Writer{
		db:        db,
		batchSize: max(config.BatchSize, 1),
		logger:    config.Logger,
	}, nil
}

// Close rolls back tiles written since the last commit, so a Writer
// closed without Finalize leaves no partial batch behind.
func (w *Writer) Close() error {
	var errs []error
	if w.tx != nil {
		errs = append(errs, w.stmt.Close(), w.tx.Rollback())
		w.tx, w.stmt = nil, nil
	}
	return errors.Join(append(errs, w.db.Close())...)
}

func (w *Writer) begin() error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return errors.Join(err, tx.Rollback())
	}
	w.tx, w.stmt = tx, stmt
	return nil
}

func (w *Writer) commit() error {
	if w.tx == nil {
		return nil
	}
	err := errors.Join(w.stmt.Close(), w.tx.Commit())
	w.tx, w.stmt, w.inBatch = nil, nil, 0
	return err
}

func (w *Writer) WriteTile(tileID tile.ID, tileData []byte) error {
	if w.finalized {
		return errors.New("mb: write after finalize")
	}
	if !tileID.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidTileID, tileID)
	}
	if w.tx == nil {
		if err := w.begin(); err != nil {
			return err
		}
	}

	if _, err := w.stmt.Exec(tileID.Z, tileID.X, flipY(tileID.Y, tileID.Z), tileData); err != nil {
		return err
	}
	w.written++
	if w.inBatch++; w.inBatch >= w.batchSize {
		return w.commit()
	}
	return nil
}

// Finalize commits the last batch and creates the tile index.
func (w *Writer) Finalize() error {
	if err := w.commit(); err != nil {
		return err
	}
	w.finalized = true

	w.logger.Debug("mb: creating index", "tiles", w.written)
	if _, err := w.db.Exec("CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row)"); err != nil {
		return fmt.Errorf("mb: create index: %w", err)
	}
	w.logger.Debug("mb: done")
	return nil
}
