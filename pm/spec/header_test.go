package spec_test

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/eak1mov/go-tilestream/pm/spec"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestHeaderLength(t *testing.T) {
	require.Equal(t, spec.HeaderLength, binary.Size(spec.Header{}))
}

func TestHeaderSerializer(t *testing.T) {
	want := spec.Header{
		HeaderMagic:     spec.HeaderMagicV3,
		RootOffset:      spec.RootDirOffset,
		RootLength:      42,
		Clustered:       true,
		TileCompression: spec.CompressionGzip,
		TileType:        spec.TileTypePng,
		MinZoom:         2,
		MaxZoom:         14,
		MinLonE7:        -1_800_000_000,
		MaxLatE7:        850_511_287,
		CenterZoom:      7,
	}
	data := spec.SerializeHeader(&want)
	require.Len(t, data, spec.HeaderLength)

	got, err := spec.DeserializeHeader(append(data, "trailing root directory"...))
	require.NoError(t, err)
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("DeserializeHeader mismatch (-want+got):\n%v", diff)
	}
}

func TestHeaderErrors(t *testing.T) {
	_, err := spec.DeserializeHeader([]byte("foobar"))
	require.ErrorIs(t, err, spec.ErrInvalidHeader)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	v2 := spec.Header{HeaderMagic: spec.HeaderMagicV3&(1<<56-1) | 2<<56}
	_, err = spec.DeserializeHeader(spec.SerializeHeader(&v2))
	require.ErrorIs(t, err, spec.ErrInvalidVersion)

	tests := map[string]spec.Header{
		"bigRoot":   {RootOffset: spec.RootDirOffset, RootLength: spec.RootDirMaxLength + 1},
		"zoomOrder": {MinZoom: 5, MaxZoom: 4},
		"longitude": {MaxLonE7: 1_800_000_001},
		"latitude":  {MinLatE7: -900_000_001},
		"centerLat": {CenterLatE7: 900_000_001},
		"centerLon": {CenterLonE7: -1_800_000_001},
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			header.HeaderMagic = spec.HeaderMagicV3
			_, err := spec.DeserializeHeader(spec.SerializeHeader(&header))
			require.ErrorIs(t, err, spec.ErrInvalidHeader)
		})
	}
}

func TestParseCompression(t *testing.T) {
	for _, c := range []spec.Compression{spec.CompressionNone, spec.CompressionGzip, spec.CompressionBrotli, spec.CompressionZstd} {
		got, err := spec.ParseCompression(c.String())
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
	_, err := spec.ParseCompression("lz4")
	require.ErrorIs(t, err, spec.ErrUnsupportedCompression)
	require.Equal(t, "avif", spec.TileTypeAvif.String())
	require.Equal(t, "unknown", spec.TileType(42).String())
}
