package spec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type Compression uint8

const (
	CompressionUnknown Compression = iota
	CompressionNone
	CompressionGzip
	CompressionBrotli
	CompressionZstd
)

// ParseCompression is the inverse of Compression.String for known compressions.
func ParseCompression(name string) (Compression, error) {
	for c := CompressionNone; c <= CompressionZstd; c++ {
		if c.String() == name {
			return c, nil
		}
	}
	return CompressionUnknown, fmt.Errorf("%w: %q", ErrUnsupportedCompression, name)
}

type TileType uint8

const (
	TileTypeUnknown TileType = iota
	TileTypeMvt
	TileTypePng
	TileTypeJpeg
	TileTypeWebp
	TileTypeAvif
)

var tileTypeNames = [...]string{"unknown", "mvt", "png", "jpeg", "webp", "avif"}

func (t TileType) String() string {
	if int(t) < len(tileTypeNames) {
		return tileTypeNames[t]
	}
	return tileTypeNames[TileTypeUnknown]
}

// Header is the fixed-size little-endian record at offset zero of an archive.
// Field order matches the on-disk layout.
type Header struct {
	HeaderMagic         uint64
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

const (
	headerMagic     uint64 = 0x73656C69544D50 // "PMTiles"
	headerMagicMask uint64 = 1<<56 - 1
	HeaderMagicV3   uint64 = headerMagic | (0x03 << 56)

	HeaderLength = 127

	// The root directory must fit in the first 16 KiB together with the header.
	HeaderRootDirMaxLength = 16 << 10
	RootDirOffset          = HeaderLength
	RootDirMaxLength       = HeaderRootDirMaxLength - HeaderLength

	maxLonE7 = 180 * 10_000_000
	maxLatE7 = 90 * 10_000_000
)

var (
	ErrInvalidHeader  = errors.New("pmtiles: invalid file header")
	ErrInvalidVersion = errors.New("pmtiles: invalid version")
)

func SerializeHeader(header *Header) []byte {
	// Header has a fixed size, so Append cannot fail.
	data, _ := binary.Append(make([]byte, 0, HeaderLength), binary.LittleEndian, header)
	return data
}

// DeserializeHeader decodes and validates the first HeaderLength bytes of buffer.
func DeserializeHeader(buffer []byte) (*Header, error) {
	if len(buffer) < HeaderLength {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeader, io.ErrUnexpectedEOF)
	}
	var header Header
	if _, err := binary.Decode(buffer[:HeaderLength], binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if header.HeaderMagic&headerMagicMask != headerMagic {
		return nil, ErrInvalidHeader
	}
	if header.HeaderMagic != HeaderMagicV3 {
		return nil, ErrInvalidVersion
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}
	return &header, nil
}

// Validate checks the fields a reader relies on.
func (h *Header) Validate() error {
	switch {
	case h.RootLength > 0 && h.RootOffset+h.RootLength > HeaderRootDirMaxLength:
		return fmt.Errorf("%w: root directory ends at %d", ErrInvalidHeader, h.RootOffset+h.RootLength)
	case h.MinZoom > h.MaxZoom:
		return fmt.Errorf("%w: zoom range %d..%d", ErrInvalidHeader, h.MinZoom, h.MaxZoom)
	case !inRange(h.MinLonE7, maxLonE7) || !inRange(h.MaxLonE7, maxLonE7) || !inRange(h.CenterLonE7, maxLonE7):
		return fmt.Errorf("%w: longitude out of range", ErrInvalidHeader)
	case !inRange(h.MinLatE7, maxLatE7) || !inRange(h.MaxLatE7, maxLatE7) || !inRange(h.CenterLatE7, maxLatE7):
		return fmt.Errorf("%w: latitude out of range", ErrInvalidHeader)
	}
	return nil
}

func inRange(v, limit int32) bool {
	return -limit <= v && v <= limit
}
