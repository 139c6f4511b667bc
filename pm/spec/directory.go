package spec

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
)

var ErrInvalidDirectory = errors.New("pmtiles: invalid directory")

// MaxDirectoryDepth bounds the root-to-leaf walk. PMTiles v3 readers stop
// after three leaf levels.
const MaxDirectoryDepth = 4

// Entry addresses a run of tiles sharing one content blob, or a leaf
// directory when RunLength is zero.
type Entry struct {
	TileCode  uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// SerializeDirectory encodes entries column by column as uvarints: tile code
// deltas, run lengths, lengths, then offsets where 0 means "right after the
// previous entry".
func SerializeDirectory(entries []Entry) []byte {
	buffer := binary.AppendUvarint(make([]byte, 0, 1+4*len(entries)), uint64(len(entries)))

	var lastCode uint64
	for _, e := range entries {
		buffer = binary.AppendUvarint(buffer, e.TileCode-lastCode)
		lastCode = e.TileCode
	}
	for _, e := range entries {
		buffer = binary.AppendUvarint(buffer, uint64(e.RunLength))
	}
	for _, e := range entries {
		buffer = binary.AppendUvarint(buffer, uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			buffer = binary.AppendUvarint(buffer, 0)
		} else {
			buffer = binary.AppendUvarint(buffer, e.Offset+1)
		}
	}
	return buffer
}

// uvarintReader keeps the first decoding error; later reads return zero.
type uvarintReader struct {
	data []byte
	err  error
}

func (r *uvarintReader) next() uint64 {
	if r.err != nil {
		return 0
	}
	value, n := binary.Uvarint(r.data)
	switch {
	case n == 0:
		r.err = io.ErrUnexpectedEOF
	case n < 0:
		r.err = errors.New("uvarint overflows 64 bits")
	default:
		r.data = r.data[n:]
		return value
	}
	return 0
}

func (r *uvarintReader) next32() uint32 {
	value := r.next()
	if value > math.MaxUint32 && r.err == nil {
		r.err = fmt.Errorf("value %d overflows 32 bits", value)
	}
	return uint32(value)
}

func DeserializeDirectory(data []byte) ([]Entry, error) {
	r := uvarintReader{data: data}
	numEntries := r.next()
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDirectory, r.err)
	}
	// every entry takes at least four bytes
	if numEntries > uint64(len(data))/4 {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrInvalidDirectory, numEntries, len(data))
	}

	entries := make([]Entry, numEntries)
	var lastCode uint64
	for i := range entries {
		lastCode += r.next()
		entries[i].TileCode = lastCode
	}
	for i := range entries {
		entries[i].RunLength = r.next32()
	}
	for i := range entries {
		entries[i].Length = r.next32()
	}
	for i := range entries {
		switch value := r.next(); {
		case value != 0:
			entries[i].Offset = value - 1
		case i > 0:
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		case r.err == nil:
			r.err = errors.New("first entry has no offset")
		}
	}

	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDirectory, r.err)
	}
	return entries, nil
}

// CompactEntries merges adjacent entries of consecutive tiles sharing one
// blob into runs. It reuses the storage of entries.
func CompactEntries(entries []Entry) []Entry {
	compacted := entries[:0]
	for _, e := range entries {
		if n := len(compacted); n > 0 {
			last := &compacted[n-1]
			if e.Offset == last.Offset && e.TileCode == last.TileCode+uint64(last.RunLength) {
				last.RunLength += e.RunLength
				continue
			}
		}
		compacted = append(compacted, e)
	}
	return compacted
}

// FindEntry returns the entry whose run covers tileCode, or the leaf entry
// to descend into.
func FindEntry(entries []Entry, tileCode uint64) (Entry, bool) {
	i, found := slices.BinarySearchFunc(entries, tileCode, func(e Entry, code uint64) int {
		return cmp.Compare(e.TileCode, code)
	})
	if found {
		return entries[i], true
	}
	if i == 0 {
		return Entry{}, false
	}
	e := entries[i-1]
	if e.RunLength == 0 || tileCode-e.TileCode < uint64(e.RunLength) {
		return e, true
	}
	return Entry{}, false
}

func compressDirectory(entries []Entry, compression Compression) ([]byte, error) {
	return Compress(SerializeDirectory(entries), compression)
}

// SerializeAll lays out sorted entries as a root directory that fits in the
// header area plus, if needed, one level of leaf directories.
func SerializeAll(entries []Entry, compression Compression) (root, leaves []byte, err error) {
	root, err = compressDirectory(entries, compression)
	if err != nil || len(root) <= RootDirMaxLength {
		return root, nil, err
	}

	// Start with leaves small enough to keep the root around 90% of its limit
	// and grow them by a tenth until the root fits.
	count := float64(len(entries))
	rootEntries := RootDirMaxLength * 0.9 / (float64(len(root)) / count)
	leafSize := int(max(count/rootEntries, math.Sqrt(count), 4096))
	for {
		root, leaves, err = splitDirectory(entries, leafSize, compression)
		if err != nil || len(root) <= RootDirMaxLength {
			return root, leaves, err
		}
		leafSize += leafSize / 10
	}
}

func splitDirectory(entries []Entry, leafSize int, compression Compression) (root, leaves []byte, err error) {
	rootEntries := make([]Entry, 0, (len(entries)+leafSize-1)/leafSize)
	for leaf := range slices.Chunk(entries, leafSize) {
		data, err := compressDirectory(leaf, compression)
		if err != nil {
			return nil, nil, err
		}
		rootEntries = append(rootEntries, Entry{
			TileCode: leaf[0].TileCode,
			Offset:   uint64(len(leaves)),
			Length:   uint32(len(data)),
		})
		leaves = append(leaves, data...)
	}
	root, err = compressDirectory(rootEntries, compression)
	return root, leaves, err
}
