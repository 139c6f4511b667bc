package spec_test

import (
	"cmp"
	"errors"
	"slices"
	"testing"

	"github.com/eak1mov/go-tilestream/pm/spec"
	"github.com/eak1mov/go-tilestream/tile"
	gcmp "github.com/google/go-cmp/cmp"
)

// pyramid returns one entry per tile up to maxZoom, with distinct contents.
func pyramid(maxZoom uint32) []spec.Entry {
	entries := make([]spec.Entry, 0)
	offset := uint64(0)
	for z := range maxZoom + 1 {
		for x := range uint32(1) << z {
			for y := range uint32(1) << z {
				length := 10 + (x*7+y*3)%50
				entries = append(entries, spec.Entry{
					TileCode:  spec.EncodeTileID(tile.ID{X: x, Y: y, Z: z}),
					Offset:    offset,
					Length:    length,
					RunLength: 1,
				})
				offset += uint64(length)
			}
		}
	}
	slices.SortFunc(entries, func(a, b spec.Entry) int {
		return cmp.Compare(a.TileCode, b.TileCode)
	})
	return entries
}

func TestDirectorySerializer(t *testing.T) {
	for _, tc := range []struct {
		Name    string
		Entries []spec.Entry
	}{
		{Name: "empty", Entries: []spec.Entry{}},
		{Name: "single", Entries: pyramid(0)},
		{Name: "full5", Entries: pyramid(5)},
		{Name: "full8", Entries: pyramid(8)},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			t.Parallel()

			deserialized, err := spec.DeserializeDirectory(spec.SerializeDirectory(tc.Entries))
			if err != nil {
				t.Errorf("DeserializeDirectory failed: %v", err)
			}
			if !gcmp.Equal(tc.Entries, deserialized) {
				t.Error("DeserializeDirectory(SerializeDirectory(input)) != input")
			}
		})
	}
}

func TestDirectoryErrors(t *testing.T) {
	for _, data := range [][]byte{
		{},
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01},
		{3, 1, 1},
		{1, 0, 1, 1, 0},
		{1, 0, 1, 0xff, 0xff, 0xff, 0xff, 0x1f, 0},
	} {
		if _, err := spec.DeserializeDirectory(data); !errors.Is(err, spec.ErrInvalidDirectory) {
			t.Errorf("DeserializeDirectory(%v) error = %v, want %v", data, err, spec.ErrInvalidDirectory)
		}
	}
}

func TestFindEntry(t *testing.T) {
	entries := spec.CompactEntries([]spec.Entry{
		{TileCode: 0, Offset: 0, Length: 5, RunLength: 1},
		{TileCode: 1, Offset: 5, Length: 5, RunLength: 1},
		{TileCode: 2, Offset: 5, Length: 5, RunLength: 1},
		{TileCode: 7, Offset: 10, Length: 5, RunLength: 1},
	})
	if got, want := len(entries), 3; got != want {
		t.Fatalf("len(CompactEntries) = %v, want = %v", got, want)
	}

	for _, tc := range []struct {
		TileCode uint64
		Found    bool
		Offset   uint64
	}{
		{TileCode: 0, Found: true, Offset: 0},
		{TileCode: 2, Found: true, Offset: 5},
		{TileCode: 3, Found: false},
		{TileCode: 7, Found: true, Offset: 10},
		{TileCode: 8, Found: false},
	} {
		entry, found := spec.FindEntry(entries, tc.TileCode)
		if found != tc.Found || (found && entry.Offset != tc.Offset) {
			t.Errorf("FindEntry(%v) = %+v, %v, want offset %v, %v", tc.TileCode, entry, found, tc.Offset, tc.Found)
		}
	}
}

func TestSerializeAllSplitsLargeDirectories(t *testing.T) {
	entries := pyramid(8)
	rootData, leavesData, err := spec.SerializeAll(entries, spec.CompressionGzip)
	if err != nil {
		t.Fatalf("SerializeAll failed: %v", err)
	}
	if got := len(rootData); got > spec.RootDirMaxLength {
		t.Fatalf("len(root) = %v, want <= %v", got, spec.RootDirMaxLength)
	}

	root, err := spec.DeserializeDirectory(mustDecompress(t, rootData))
	if err != nil {
		t.Fatalf("DeserializeDirectory(root) failed: %v", err)
	}
	if len(leavesData) == 0 {
		if !gcmp.Equal(entries, root) {
			t.Error("root directory != input")
		}
		return
	}

	collected := make([]spec.Entry, 0, len(entries))
	for _, leaf := range root {
		if leaf.RunLength != 0 {
			t.Fatalf("root entry %+v is not a leaf pointer", leaf)
		}
		data := leavesData[leaf.Offset : leaf.Offset+uint64(leaf.Length)]
		leafEntries, err := spec.DeserializeDirectory(mustDecompress(t, data))
		if err != nil {
			t.Fatalf("DeserializeDirectory(leaf) failed: %v", err)
		}
		collected = append(collected, leafEntries...)
	}
	if !gcmp.Equal(entries, collected) {
		t.Error("leaf directories != input")
	}
}

func mustDecompress(t *testing.T, data []byte) []byte {
	t.Helper()
	result, err := spec.Decompress(data, spec.CompressionGzip)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	return result
}

func TestSerializeAllUnsupportedCompression(t *testing.T) {
	_, _, err := spec.SerializeAll(pyramid(1), spec.CompressionBrotli)
	if !errors.Is(err, spec.ErrUnsupportedCompression) {
		t.Errorf("SerializeAll(brotli) error = %v, want %v", err, spec.ErrUnsupportedCompression)
	}
}
