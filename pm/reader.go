package pm

import (
	"fmt"
	"os"

	"github.com/eak1mov/go-tilestream/pm/spec"
	"github.com/eak1mov/go-tilestream/tile"
)

// FileAccessFunc reads length bytes at offset of a PMTiles archive.
// It must be safe for concurrent use.
type FileAccessFunc = func(offset, length uint64) ([]byte, error)

// Reader implements tile.Reader, tile.Visitor, tile.LocationReader and
// tile.LocationVisitor interfaces for PMTiles format.
type Reader struct {
	fileAccess FileAccessFunc
	fileCloser func() error
	header     *spec.Header
}

// NewFileReader opens a PMTiles file. The returned Reader must be closed after use.
func NewFileReader(filePath string) (*Reader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	fileAccess := func(offset uint64, length uint64) ([]byte, error) {
		buffer := make([]byte, length)
		if _, err := file.ReadAt(buffer, int64(offset)); err != nil {
			return nil, err
		}
		return buffer, nil
	}
	r, err := NewReader(fileAccess)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.fileCloser = file.Close
	return r, nil
}

// NewReader creates a Reader over an arbitrary byte source (e.g. HTTP range requests).
func NewReader(fileAccess FileAccessFunc) (*Reader, error) {
	headerData, err := fileAccess(0, spec.HeaderLength)
	if err != nil {
		return nil, err
	}
	header, err := spec.DeserializeHeader(headerData)
	if err != nil {
		return nil, err
	}
	return &Reader{
		fileAccess: fileAccess,
		fileCloser: func() error { return nil },
		header:     header,
	}, nil
}

func (r *Reader) Close() error {
	return r.fileCloser()
}

func (r *Reader) HeaderMetadata() HeaderMetadata {
	return metadataOf(r.header)
}

func (r *Reader) ReadMetadata() ([]byte, error) {
	return r.fileAccess(r.header.MetadataOffset, r.header.MetadataLength)
}

func (r *Reader) readDirectory(dirOffset, dirLength uint64) ([]spec.Entry, error) {
	dirCompressed, err := r.fileAccess(dirOffset, dirLength)
	if err != nil {
		return nil, err
	}
	dirData, err := spec.Decompress(dirCompressed, r.header.InternalCompression)
	if err != nil {
		return nil, err
	}
	return spec.DeserializeDirectory(dirData)
}

// directoryStep resolves tileCode against one directory. It returns either the
// final location (next is false) or the leaf directory to descend into.
func (r *Reader) directoryStep(entries []spec.Entry, tileCode uint64) (location tile.Location, leaf tile.Location, next bool) {
	entry, found := spec.FindEntry(entries, tileCode)
	if !found {
		return tile.Location{}, tile.Location{}, false
	}
	if entry.RunLength > 0 {
		return tile.Location{
			Offset: r.header.TileDataOffset + entry.Offset,
			Length: uint64(entry.Length),
		}, tile.Location{}, false
	}
	return tile.Location{}, tile.Location{
		Offset: r.header.LeafDirectoryOffset + entry.Offset,
		Length: uint64(entry.Length),
	}, true
}

func (r *Reader) rootDirectory() tile.Location {
	return tile.Location{Offset: r.header.RootOffset, Length: r.header.RootLength}
}

func encodeTileID(tileID tile.ID) (uint64, error) {
	if !tileID.Valid() {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTileID, tileID)
	}
	return spec.EncodeTileID(tileID), nil
}

// ReadLocation returns the location of tile data. A missing tile has zero length.
func (r *Reader) ReadLocation(tileID tile.ID) (tile.Location, error) {
	tileCode, err := encodeTileID(tileID)
	if err != nil {
		return tile.Location{}, err
	}
	dir := r.rootDirectory()
	for range spec.MaxDirectoryDepth {
		entries, err := r.readDirectory(dir.Offset, dir.Length)
		if err != nil {
			return tile.Location{}, err
		}
		location, leaf, next := r.directoryStep(entries, tileCode)
		if !next {
			return location, nil
		}
		dir = leaf
	}
	return tile.Location{}, fmt.Errorf("%w: deeper than %d levels", spec.ErrInvalidDirectory, spec.MaxDirectoryDepth)
}

func (r *Reader) readData(location tile.Location) ([]byte, error) {
	if location.Length == 0 {
		return make([]byte, 0), nil
	}
	return r.fileAccess(location.Offset, location.Length)
}

func (r *Reader) ReadTile(tileID tile.ID) ([]byte, error) {
	location, err := r.ReadLocation(tileID)
	if err != nil {
		return nil, err
	}
	return r.readData(location)
}

func (r *Reader) VisitLocations(visitor func(tile.ID, tile.Location) error) error {
	var traverse func(uint64, uint64, int) error
	traverse = func(dirOffset, dirLength uint64, depth int) error {
		if depth >= spec.MaxDirectoryDepth {
			return fmt.Errorf("%w: deeper than %d levels", spec.ErrInvalidDirectory, spec.MaxDirectoryDepth)
		}
		dirEntries, err := r.readDirectory(dirOffset, dirLength)
		if err != nil {
			return err
		}
		for _, entry := range dirEntries {
			if entry.RunLength == 0 {
				err := traverse(r.header.LeafDirectoryOffset+entry.Offset, uint64(entry.Length), depth+1)
				if err != nil {
					return err
				}
				continue
			}
			location := tile.Location{
				Offset: r.header.TileDataOffset + entry.Offset,
				Length: uint64(entry.Length),
			}
			for i := range entry.RunLength {
				if err := visitor(spec.DecodeTileID(entry.TileCode+uint64(i)), location); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return traverse(r.header.RootOffset, r.header.RootLength, 0)
}

func (r *Reader) VisitTiles(visitor func(tile.ID, []byte) error) error {
	return r.VisitLocations(func(tileID tile.ID, location tile.Location) error {
		tileData, err := r.fileAccess(location.Offset, location.Length)
		if err != nil {
			return err
		}
		return visitor(tileID, tileData)
	})
}
