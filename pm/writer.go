package pm

import (
	"bufio"
	"cmp"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"

	"github.com/eak1mov/go-tilestream/pm/spec"
	"github.com/eak1mov/go-tilestream/tile"
)

// Writer implements tile.Writer interface for PMTiles format.
//
// The file is laid out as header, root directory, metadata, tile data and
// leaf directories. Tile data is streamed while the directories and the
// header are written by Finalize. Identical tile contents are stored once.
type Writer struct {
	logger *slog.Logger
	file   *os.File
	header spec.Header

	autoZoom bool
	data     *bufio.Writer
	dataSize uint64

	entries  []spec.Entry
	contents map[[md5.Size]byte]blob
}

// blob is a tile content stored in the data section.
type blob struct {
	offset uint64
	length uint32
}

type writerConfig struct {
	Metadata            []byte
	HeaderMetadata      *HeaderMetadata
	InternalCompression spec.Compression
	Logger              *slog.Logger
}

type WriterOption func(*writerConfig)

// WithMetadata sets the JSON metadata section.
func WithMetadata(metadata []byte) WriterOption {
	return func(c *writerConfig) { c.Metadata = metadata }
}

// WithHeaderMetadata sets the descriptive header fields. Without it the zoom
// range is derived from the written tiles.
func WithHeaderMetadata(metadata HeaderMetadata) WriterOption {
	return func(c *writerConfig) { c.HeaderMetadata = &metadata }
}

// WithInternalCompression sets the compression of directories (gzip by default).
func WithInternalCompression(compression spec.Compression) WriterOption {
	return func(c *writerConfig) { c.InternalCompression = compression }
}

func WithLogger(logger *slog.Logger) WriterOption {
	return func(c *writerConfig) { c.Logger = logger }
}

// NewWriter creates the PMTiles file at filePath, truncating an existing one.
func NewWriter(filePath string, opts ...WriterOption) (w *Writer, err error) {
	config := writerConfig{
		InternalCompression: spec.CompressionGzip,
		Logger:              slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&config)
	}
	if _, err := spec.Compress(nil, config.InternalCompression); err != nil {
		return nil, err
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			file.Close()
		}
	}()

	header := spec.Header{
		HeaderMagic:         spec.HeaderMagicV3,
		Clustered:           true,
		InternalCompression: config.InternalCompression,
		MetadataOffset:      spec.HeaderRootDirMaxLength,
		MetadataLength:      uint64(len(config.Metadata)),
	}
	header.TileDataOffset = header.MetadataOffset + header.MetadataLength
	if config.HeaderMetadata != nil {
		config.HeaderMetadata.applyTo(&header)
	}

	if _, err := file.WriteAt(config.Metadata, int64(header.MetadataOffset)); err != nil {
		return nil, fmt.Errorf("pm: write metadata: %w", err)
	}
	if _, err := file.Seek(int64(header.TileDataOffset), io.SeekStart); err != nil {
		return nil, err
	}

	return &Writer{
		logger:   config.Logger,
		file:     file,
		header:   header,
		autoZoom: config.HeaderMetadata == nil,
		data:     bufio.NewWriter(file),
		contents: make(map[[md5.Size]byte]blob),
	}, nil
}

// WriteTile adds a tile. Empty tiles are skipped.
func (w *Writer) WriteTile(tileID tile.ID, tileData []byte) error {
	if w.data == nil {
		return errors.New("pm: write after finalize")
	}
	tileCode, err := encodeTileID(tileID)
	if err != nil {
		return err
	}
	if len(tileData) == 0 {
		return nil
	}
	if len(tileData) > math.MaxUint32 {
		return fmt.Errorf("pm: tile %v is %d bytes", tileID, len(tileData))
	}

	digest := md5.Sum(tileData)
	b, ok := w.contents[digest]
	if !ok {
		if _, err := w.data.Write(tileData); err != nil {
			return err
		}
		b = blob{offset: w.dataSize, length: uint32(len(tileData))}
		w.contents[digest] = b
		w.dataSize += uint64(len(tileData))
		w.header.TileContentsCount++
	}

	w.entries = append(w.entries, spec.Entry{
		TileCode:  tileCode,
		Offset:    b.offset,
		Length:    b.length,
		RunLength: 1,
	})
	return nil
}

// Finalize writes the directories and the header and closes the file.
func (w *Writer) Finalize() error {
	if w.data == nil {
		panic("pm: finalize called twice")
	}

	w.logger.Debug("pm: flush", "bytes", w.dataSize, "contents", w.header.TileContentsCount)
	if err := w.data.Flush(); err != nil {
		return err
	}
	w.data = nil
	w.header.TileDataLength = w.dataSize

	slices.SortFunc(w.entries, func(a, b spec.Entry) int {
		return cmp.Compare(a.TileCode, b.TileCode)
	})
	w.header.AddressedTilesCount = uint64(len(w.entries))
	if w.autoZoom && len(w.entries) > 0 {
		w.header.MinZoom = uint8(spec.ZoomOf(w.entries[0].TileCode))
		w.header.MaxZoom = uint8(spec.ZoomOf(w.entries[len(w.entries)-1].TileCode))
	}
	w.entries = spec.CompactEntries(w.entries)
	w.header.TileEntriesCount = uint64(len(w.entries))

	w.logger.Debug("pm: serialize", "entries", len(w.entries))
	root, leaves, err := spec.SerializeAll(w.entries, w.header.InternalCompression)
	if err != nil {
		return err
	}
	w.header.RootOffset, w.header.RootLength = spec.RootDirOffset, uint64(len(root))
	w.header.LeafDirectoryOffset = w.header.TileDataOffset + w.header.TileDataLength
	w.header.LeafDirectoryLength = uint64(len(leaves))

	sections := []struct {
		name   string
		offset uint64
		data   []byte
	}{
		{"leaves", w.header.LeafDirectoryOffset, leaves},
		{"root", w.header.RootOffset, root},
		{"header", 0, spec.SerializeHeader(&w.header)},
	}
	for _, section := range sections {
		w.logger.Debug("pm: write "+section.name, "bytes", len(section.data))
		if _, err := w.file.WriteAt(section.data, int64(section.offset)); err != nil {
			return fmt.Errorf("pm: write %s: %w", section.name, err)
		}
	}

	file := w.file
	w.file = nil
	if err := file.Close(); err != nil {
		return err
	}
	w.logger.Debug("pm: done", "tiles", w.header.AddressedTilesCount)
	return nil
}

// Close releases the file of a Writer that was not finalized.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	file := w.file
	w.file = nil
	return file.Close()
}
